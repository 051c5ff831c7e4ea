package mem

import "sync"
import "unsafe"

import "github.com/golang/glog"
import "github.com/pkg/errors"

import "util"

/// Physmem_t manages a contiguous host memory region as power-of-two page
/// runs using a binary buddy allocator. The mutex serializes all mutating
/// operations.
type Physmem_t struct {
	sync.Mutex
	// usable page-aligned range carved from the host region
	start uintptr
	end   uintptr
	// per-order free lists; list nodes live in the free blocks themselves
	free [MAXORDER + 1]uintptr
	// per-order use bitsets, packed at the high end of the host region.
	// bit set means the block is not free at that order: allocated there,
	// split into smaller blocks, or an end sentinel.
	bits     [MAXORDER + 1][]uint8
	freesize uintptr
	Stat     Memstat_t

	hostmem []uint8
}

/// Create builds a buddy allocator over the host region [hostptr,
/// hostptr+size). The per-order bitsets are packed descending from the high
/// end of the region; the remaining low portion, aligned to PGSIZE, becomes
/// the usable range. Create fails when the region cannot hold the bitsets
/// plus at least one usable page.
func Create(hostptr uintptr, size uintptr) (*Physmem_t, error) {
	phys := &Physmem_t{}
	if err := phys.carve(hostptr, size); err != nil {
		return nil, err
	}
	return phys, nil
}

func (phys *Physmem_t) carve(hostptr uintptr, size uintptr) error {
	start := util.Roundup(hostptr, PGSIZE)
	top := util.Rounddown(hostptr+size, unsafe.Alignof(uintptr(0)))
	if start >= top {
		return errors.New("pmm: host region too small")
	}
	phys.start = start

	npg := (top - start) >> PGSHIFT
	for k := uint(0); k <= MAXORDER; k++ {
		nb := ((npg>>k)+7)/8 + 2
		if top < start+nb {
			return errors.New("pmm: host region too small for bitsets")
		}
		top -= nb
		bs := unsafe.Slice((*uint8)(unsafe.Pointer(top)), nb)
		for i := range bs {
			bs[i] = 0
		}
		phys.bits[k] = bs
	}

	end := util.Rounddown(top, PGSIZE)
	if end <= start {
		return errors.New("pmm: no usable pages after bitsets")
	}
	phys.end = end
	phys.seed()
	glog.V(1).Infof("pmm: managing %d pages (%d KB), %d orders",
		(end-start)>>PGSHIFT, (end-start)>>10, MAXORDER+1)
	return nil
}

// seed the free lists: repeatedly take the largest power-of-two page count
// that fits in the remaining span, capped at 2^MAXORDER. Buddies whose span
// would extend past the usable range get their bit preset so later merges
// never cross the region end.
func (phys *Physmem_t) seed() {
	p := phys.start
	for p < phys.end {
		npages := (phys.end - p) >> PGSHIFT
		k := util.Min(MAXORDER, util.Log2(npages))
		blockbytes := PGSIZE << k
		phys.lpush(k, p)
		phys.clearbit(k, p)
		buddy := phys.buddyaddr(k, p)
		if buddy+blockbytes > phys.end {
			phys.setbit(k, buddy)
		}
		phys.freesize += blockbytes
		p += blockbytes
	}
}

/// Dispose tears the allocator down. The host region is unmapped when it
/// was obtained via CreateFromOS.
func (phys *Physmem_t) Dispose() {
	phys.Lock()
	for k := range phys.free {
		phys.free[k] = 0
		phys.bits[k] = nil
	}
	phys.freesize = 0
	hm := phys.hostmem
	phys.hostmem = nil
	phys.Unlock()
	if hm != nil {
		releaseos(hm)
	}
}

/// Cap returns the size in bytes of the usable range.
func (phys *Physmem_t) Cap() uintptr {
	return phys.end - phys.start
}

/// AvailTotal returns the total number of free bytes.
func (phys *Physmem_t) AvailTotal() uintptr {
	phys.Lock()
	r := phys.freesize
	phys.Unlock()
	return r
}

/// AvailMaxregion returns the size in bytes of the largest allocatable run.
func (phys *Physmem_t) AvailMaxregion() uintptr {
	phys.Lock()
	defer phys.Unlock()
	for k := int(MAXORDER); k >= 0; k-- {
		if phys.free[k] != 0 {
			return PGSIZE << uint(k)
		}
	}
	return 0
}

/// Allocpages allocates a run of npages pages. npages must be a positive
/// power of two; the returned address is npages*PGSIZE aligned relative to
/// the start of the usable range. Returns 0 when no run of that size is
/// free.
func (phys *Physmem_t) Allocpages(npages int) uintptr {
	if npages <= 0 || !util.IsPow2(npages) {
		panic("npages must be a positive power of two")
	}
	order := util.Log2(uint(npages))
	if order > MAXORDER {
		return 0
	}
	phys.Lock()
	p := phys.alloc1(order)
	if p != 0 {
		phys.freesize -= PGSIZE << order
		phys.Stat.Nalloc.Inc()
	}
	phys.Unlock()
	return p
}

func (phys *Physmem_t) alloc1(order uint) uintptr {
	if order > MAXORDER {
		return 0
	}
	if h := phys.free[order]; h != 0 {
		phys.lremove(order, h)
		phys.setbit(order, h)
		return h
	}
	// split a block one order up: the low half is the allocation, the
	// high half goes on this order's free list. The parent bit stays set
	// since the parent is no longer free at its order.
	big := phys.alloc1(order + 1)
	if big == 0 {
		return 0
	}
	phys.Stat.Nsplit.Inc()
	half := big + (PGSIZE << order)
	phys.lpush(order, half)
	phys.setbit(order, big)
	return big
}

/// AllocpagesMin rounds req up to a power of two and repeatedly halves on
/// failure down to min. It returns the run address and the page count
/// actually allocated, or (0, 0).
func (phys *Physmem_t) AllocpagesMin(req int, min int) (uintptr, int) {
	if req <= 0 || min <= 0 || min > req {
		panic("bad page counts")
	}
	n := int(util.CeilPow2(uint(req)))
	for n >= min {
		if p := phys.Allocpages(n); p != 0 {
			return p, n
		}
		n >>= 1
	}
	return 0, 0
}

/// Freepages releases the run at ptr. The run's order is deduced by probing
/// the use bitsets upward from order 0; an allocation's bit is set at its
/// allocation order and at no lower order.
func (phys *Physmem_t) Freepages(ptr uintptr) {
	if ptr&uintptr(PGOFFSET) != 0 {
		panic("freepages of unaligned address")
	}
	phys.Lock()
	if ptr < phys.start || ptr >= phys.end {
		phys.Unlock()
		panic("freepages outside managed region")
	}
	order := ^uint(0)
	for k := uint(0); k <= MAXORDER; k++ {
		if phys.isset(k, ptr) {
			order = k
			break
		}
	}
	if order == ^uint(0) {
		phys.Unlock()
		panic("freepages of unallocated block")
	}
	phys.free1(ptr, order)
	phys.freesize += PGSIZE << order
	phys.Stat.Nfree.Inc()
	phys.Unlock()
}

func (phys *Physmem_t) free1(addr uintptr, order uint) {
	phys.clearbit(order, addr)
	if order < MAXORDER {
		buddy := phys.buddyaddr(order, addr)
		if !phys.isset(order, buddy) {
			// buddy is free at this order: merge upward
			phys.lremove(order, buddy)
			phys.Stat.Nmerge.Inc()
			lo := util.Min(addr, buddy)
			phys.free1(lo, order+1)
			return
		}
	}
	phys.lpush(order, addr)
}
