package arena

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Map creates an anonymous private mapping of cfg.Size bytes.
func Map(cfg Config) (*Arena, error) {
	if cfg.Size <= 0 || cfg.Size%smallPageSize != 0 {
		return nil, fmt.Errorf("arena size %d is not a positive multiple of %d", cfg.Size, smallPageSize)
	}

	logger := cfg.OptLogger
	if logger == nil {
		logger = zap.NewNop()
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if cfg.Mode == HugeTLB {
		flags |= unix.MAP_HUGETLB
	}

	mem, err := unix.Mmap(-1, 0, cfg.Size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d byte arena (%s) - %w", cfg.Size, cfg.Mode, err)
	}

	a := &Arena{
		Mem:   mem,
		unmap: unix.Munmap,
	}

	if cfg.Mode == Transparent {
		err = unix.Madvise(mem, unix.MADV_HUGEPAGE)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to request transparent huge pages - %w", err)
		}
	}

	if cfg.Lock {
		err = unix.Mlock(mem)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to lock arena - %w", err)
		}
	}

	logger.Debug("mapped arena",
		zap.Int("size", cfg.Size),
		zap.Stringer("mode", cfg.Mode),
		zap.Bool("locked", cfg.Lock))

	return a, nil
}
