package mem

import "unsafe"

import "github.com/pkg/errors"
import "golang.org/x/sys/unix"

/// CreateFromOS maps an anonymous private host region of the given size and
/// builds a buddy allocator over it. Dispose unmaps the region.
func CreateFromOS(size uintptr) (*Physmem_t, error) {
	m, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "pmm: map host region")
	}
	phys := &Physmem_t{}
	if cerr := phys.carve(uintptr(unsafe.Pointer(&m[0])), uintptr(len(m))); cerr != nil {
		unix.Munmap(m)
		return nil, cerr
	}
	phys.hostmem = m
	return phys, nil
}

func releaseos(m []uint8) {
	unix.Munmap(m)
}
