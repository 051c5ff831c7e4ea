package kmem

import "sync"
import "unsafe"

import "github.com/golang/glog"
import "github.com/pkg/errors"

import "mem"
import "stats"
import "util"

/// Scrub enables poisoning of allocated and freed memory.
const Scrub = true

/// ALLOC_SCRUB_BYTE fills freshly allocated regions.
const ALLOC_SCRUB_BYTE uint8 = 0xbb

/// FREE_SCRUB_BYTE fills released regions.
const FREE_SCRUB_BYTE uint8 = 0xaa

// default sub-heap growth, in pages
const subheapdefpages = 64

/// Region_t describes an allocation: its address and the number of bytes
/// actually reserved. The zero Region_t is the null region.
type Region_t struct {
	Ptr  uintptr
	Size uintptr
}

/// Kmemstat_t counts allocator traffic.
type Kmemstat_t struct {
	Nalloc   stats.Counter_t
	Nfree    stats.Counter_t
	Nslab    stats.Counter_t
	Nsubheap stats.Counter_t
	Ngrow    stats.Counter_t
}

/// Kmem_t is a byte-granular allocator layered on a Physmem_t: size-class
/// slab heaps for small objects, bitmap-indexed sub-heaps for larger ones.
/// The mutex serializes all operations; sub-heap growth calls into the PMM
/// while holding it.
type Kmem_t struct {
	sync.Mutex
	phys     *mem.Physmem_t
	subheaps []*subheap_t
	slabs    [SLAB_COUNT]slabheap_t
	Stat     Kmemstat_t
	Prof     *stats.Memprof_t
}

/// Create builds an allocator over phys with at least mininit bytes of
/// initial sub-heap capacity.
func Create(phys *mem.Physmem_t, mininit uintptr) (*Kmem_t, error) {
	km := &Kmem_t{phys: phys}
	sizes := make([]int64, SLAB_COUNT)
	for i := range km.slabs {
		km.slabs[i].size = SLAB_MIN_SIZE << uint(i)
		sizes[i] = int64(km.slabs[i].size)
	}
	km.Prof = stats.MkMemprof(sizes)
	minpg := int(util.Roundup(mininit, mem.PGSIZE) >> mem.PGSHIFT)
	if minpg < 1 {
		minpg = 1
	}
	if !km.grow(minpg) {
		return nil, errors.New("kmem: no pages for initial sub-heap")
	}
	return km, nil
}

/// Free releases every sub-heap run back to the PMM. Outstanding
/// allocations become invalid.
func (km *Kmem_t) Free() {
	km.Lock()
	shs := km.subheaps
	km.subheaps = nil
	for i := range km.slabs {
		km.slabs[i].usable = 0
		km.slabs[i].full = 0
	}
	km.Unlock()
	for _, sh := range shs {
		km.phys.Freepages(sh.run)
	}
}

// add a sub-heap of at least minpg pages, settling for less only down to
// minpg. Caller holds the allocator lock (or is Create).
func (km *Kmem_t) grow(minpg int) bool {
	req := util.Max(minpg, subheapdefpages)
	run, got := km.phys.AllocpagesMin(req, minpg)
	if run == 0 {
		return false
	}
	km.subheaps = append(km.subheaps, mksubheap(run, got))
	km.Stat.Ngrow.Inc()
	glog.V(1).Infof("kmem: grew by %d page sub-heap (%d total)", got, len(km.subheaps))
	return true
}

// a SLAB_BLOCK_SIZE region, naturally aligned, carved from the sub-heaps;
// grows them when none can satisfy the alignment.
func (km *Kmem_t) growslab() uintptr {
	for try := 0; try < 2; try++ {
		for _, sh := range km.subheaps {
			if p, _ := sh.alloc(SLAB_BLOCK_SIZE, SLAB_BLOCK_SIZE); p != 0 {
				return p
			}
		}
		if !km.grow(int(2 * SLAB_BLOCK_SIZE >> mem.PGSHIFT)) {
			return 0
		}
	}
	return 0
}

// smallest size class whose chunk size covers n, or -1
func (km *Kmem_t) slabclass(n uintptr) int {
	for i := range km.slabs {
		if km.slabs[i].size >= n {
			return i
		}
	}
	return -1
}

/// Alloc reserves size bytes with no alignment requirement beyond the
/// chunk granule.
func (km *Kmem_t) Alloc(size uintptr) Region_t {
	return km.AllocAligned(size, 1)
}

/// AllocAligned reserves size bytes aligned to alignment, which must be a
/// power of two no larger than a page. It returns the null region on
/// exhaustion.
func (km *Kmem_t) AllocAligned(size, alignment uintptr) Region_t {
	if alignment == 0 || !util.IsPow2(alignment) || alignment > mem.PGSIZE {
		panic("alignment must be a power of two <= PGSIZE")
	}
	if size == 0 {
		return Region_t{}
	}
	km.Lock()
	defer km.Unlock()

	eff := util.Max(size, alignment)
	if ci := km.slabclass(eff); ci >= 0 {
		h := &km.slabs[ci]
		p := h.alloc(km)
		if p == 0 {
			return Region_t{}
		}
		if Scrub {
			scrub(p, h.size, ALLOC_SCRUB_BYTE)
		}
		km.Stat.Nalloc.Inc()
		km.Stat.Nslab.Inc()
		km.Prof.Alloc(ci)
		return Region_t{Ptr: p, Size: h.size}
	}

	for try := 0; try < 2; try++ {
		for _, sh := range km.subheaps {
			if p, got := sh.alloc(size, alignment); p != 0 {
				km.Stat.Nalloc.Inc()
				km.Stat.Nsubheap.Inc()
				return Region_t{Ptr: p, Size: got}
			}
		}
		if !km.grow(int(util.Roundup(size+alignment, mem.PGSIZE) >> mem.PGSHIFT)) {
			break
		}
	}
	return Region_t{}
}

/// AllocSize returns the number of bytes Alloc would actually reserve for
/// a request of size bytes.
func (km *Kmem_t) AllocSize(size uintptr) uintptr {
	if ci := km.slabclass(size); ci >= 0 {
		return util.Max(util.CeilPow2(size), SLAB_MIN_SIZE)
	}
	return util.Roundup(size, CHUNKSIZE)
}

/// Release returns a region previously handed out by Alloc/AllocAligned.
/// The caller supplies the exact region it received.
func (km *Kmem_t) Release(r Region_t) {
	if r.Ptr == 0 {
		return
	}
	km.Lock()
	defer km.Unlock()

	if ci := km.slabclass(r.Size); ci >= 0 && km.slabs[ci].size == r.Size {
		km.slabs[ci].free(r.Ptr)
		km.Stat.Nfree.Inc()
		km.Prof.Free(ci)
		return
	}
	for _, sh := range km.subheaps {
		if sh.contains(r.Ptr) {
			sh.free(r.Ptr, r.Size)
			km.Stat.Nfree.Inc()
			return
		}
	}
	panic("release of unregistered region")
}

/// Avail returns the number of free bytes across sub-heaps and slab
/// blocks.
func (km *Kmem_t) Avail() uintptr {
	km.Lock()
	defer km.Unlock()
	var n uintptr
	for _, sh := range km.subheaps {
		n += sh.avail()
	}
	for i := range km.slabs {
		n += km.slabs[i].availbytes()
	}
	return n
}

/// Cap returns the total chunk capacity of the sub-heaps in bytes.
func (km *Kmem_t) Cap() uintptr {
	km.Lock()
	defer km.Unlock()
	var n uintptr
	for _, sh := range km.subheaps {
		n += uintptr(sh.cap) * CHUNKSIZE
	}
	return n
}

func scrub(p uintptr, n uintptr, b uint8) {
	s := unsafe.Slice((*uint8)(unsafe.Pointer(p)), n)
	for i := range s {
		s[i] = b
	}
}

/// Scrubcheck reports whether every byte of the region still carries the
/// scrub byte b; a mismatch indicates a stray write.
func Scrubcheck(p uintptr, n uintptr, b uint8) bool {
	s := unsafe.Slice((*uint8)(unsafe.Pointer(p)), n)
	for i := range s {
		if s[i] != b {
			return false
		}
	}
	return true
}
