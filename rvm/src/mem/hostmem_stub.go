//go:build !linux

package mem

import "github.com/pkg/errors"

/// CreateFromOS requires an OS page source; only linux hosts are
/// supported. Create still works over a caller-supplied region.
func CreateFromOS(size uintptr) (*Physmem_t, error) {
	return nil, errors.New("pmm: no host page source on this platform")
}

func releaseos(m []uint8) {
}
