// Package arena provisions the memory buffer that is searched and
// hammered, and locates its huge page boundaries.
package arena

import (
	"fmt"
	"time"
	"unsafe"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"go.uber.org/zap"
)

const (
	smallPageSize = 4 << 10
	mib           = 1 << 20
)

// Mode selects how the arena is backed by huge pages.
type Mode int

const (
	// Transparent maps anonymous memory and asks for transparent
	// huge pages.
	Transparent Mode = iota

	// HugeTLB maps memory from the hugetlbfs pool.
	HugeTLB

	// SmallPages maps plain anonymous memory. Addressing only
	// holds inside a huge page, so this is for dry runs.
	SmallPages
)

func (o Mode) String() string {
	switch o {
	case Transparent:
		return "thp"
	case HugeTLB:
		return "hugetlb"
	case SmallPages:
		return "none"
	default:
		return fmt.Sprintf("unknown (%d)", int(o))
	}
}

// ParseMode parses the String form of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "thp":
		return Transparent, nil
	case "hugetlb":
		return HugeTLB, nil
	case "none":
		return SmallPages, nil
	default:
		return 0, fmt.Errorf("unknown huge page mode: %q", s)
	}
}

// Config controls Map.
type Config struct {
	Size int
	Mode Mode

	// Lock pins the arena in memory.
	Lock bool

	OptLogger *zap.Logger
}

// Arena is the memory buffer.
type Arena struct {
	Mem []byte

	unmap func([]byte) error
}

// FromBytes wraps an existing buffer. Close does nothing.
func FromBytes(mem []byte) *Arena {
	return &Arena{
		Mem: mem,
	}
}

// Close releases a mapped arena.
func (o *Arena) Close() error {
	if o.unmap == nil || o.Mem == nil {
		return nil
	}

	err := o.unmap(o.Mem)
	o.Mem = nil

	return err
}

// Populate writes to every small page so that faults do not disturb
// later measurements.
func (o *Arena) Populate() {
	for i := 0; i < len(o.Mem); i += smallPageSize {
		o.Mem[i] = byte(i >> 12)
	}
}

// VirtualAlignment returns the offset of the first byte whose virtual
// address is a multiple of hugePageSize.
func (o *Arena) VirtualAlignment(hugePageSize int) int {
	if len(o.Mem) == 0 {
		return 0
	}

	addr := uintptr(unsafe.Pointer(&o.Mem[0]))
	size := uintptr(hugePageSize)

	return int((size - addr%size) % size)
}

// FaultAlignment finds the first 2 MiB boundary of an unpopulated arena
// from page fault timing. Probe i touches 1.5 MiB + 4 MiB * i and the
// byte 1 MiB later. If huge pages start at offset 0 the two bytes lie in
// different huge pages and every probe faults twice, which takes longer
// than threshold. Otherwise the boundary is at 1 MiB.
//
// It must run before Populate.
func (o *Arena) FaultAlignment(probes int, threshold time.Duration) (int, time.Duration, error) {
	last := 3*mib/2 + 4*mib*(probes-1) + mib
	if probes <= 0 || last >= len(o.Mem) {
		return 0, 0, fmt.Errorf("%d fault probes do not fit in %d bytes", probes, len(o.Mem))
	}

	start := time.Now()

	for i := 0; i < probes; i++ {
		j := 3*mib/2 + 4*mib*i

		o.Mem[j] = byte(j)
		o.Mem[j+mib] = byte(j + mib)
	}

	elapsed := time.Since(start)

	if elapsed > threshold {
		return 0, elapsed, nil
	}

	return mib, elapsed, nil
}

// Registry returns the region whose hugePages huge pages start at first.
func (o *Arena) Registry(model addressing.Model, hugePageSize int, first int, hugePages int) (addressing.Region, error) {
	region := addressing.Region{
		Model:         model,
		Size:          len(o.Mem),
		HugePageSize:  hugePageSize,
		FirstHugePage: first,
		HugePages:     hugePages,
	}

	err := region.Validate()
	if err != nil {
		return addressing.Region{}, fmt.Errorf("failed to create huge page registry - %w", err)
	}

	return region, nil
}
