//go:build !linux

package arena

import (
	"errors"
)

// Map is only implemented on Linux. Use FromBytes elsewhere.
func Map(cfg Config) (*Arena, error) {
	return nil, errors.New("mapping an arena is only supported on linux")
}
