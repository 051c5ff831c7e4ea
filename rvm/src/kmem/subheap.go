package kmem

import "unsafe"

import "mem"
import "util"

/// CHUNKSIZE is the sub-heap's unit of accounting in bytes.
const CHUNKSIZE uintptr = 64

/// BESTFIT_THRESHOLD is the chunk count at and above which the sub-heap
/// switches from first-fit to best-fit run selection.
const BESTFIT_THRESHOLD = 4

// a sub-heap occupies one PMM run: chunk region at the low end, use bitset
// at the high end.
type subheap_t struct {
	run    uintptr
	npages int
	chunks uintptr
	cap    int
	len    int
	bits   []uint8
}

func mksubheap(run uintptr, npages int) *subheap_t {
	size := uintptr(npages) * mem.PGSIZE
	// largest chunk count whose chunks and bitset both fit in the run
	cap := int(size * 8 / (CHUNKSIZE*8 + 1))
	for cap > 0 && uintptr(cap)*CHUNKSIZE+uintptr(cap+7)/8 > size {
		cap--
	}
	if cap <= 0 {
		panic("sub-heap run too small")
	}
	nb := (cap + 7) / 8
	bits := unsafe.Slice((*uint8)(unsafe.Pointer(run+size-uintptr(nb))), nb)
	for i := range bits {
		bits[i] = 0
	}
	return &subheap_t{
		run:    run,
		npages: npages,
		chunks: run,
		cap:    cap,
		bits:   bits,
	}
}

func (sh *subheap_t) bit(i int) bool {
	return sh.bits[i>>3]&(1<<(uint(i)&7)) != 0
}

func (sh *subheap_t) setbits(i, n int) {
	for j := i; j < i+n; j++ {
		sh.bits[j>>3] |= 1 << (uint(j) & 7)
	}
}

func (sh *subheap_t) clearbits(i, n int) {
	for j := i; j < i+n; j++ {
		sh.bits[j>>3] &^= 1 << (uint(j) & 7)
	}
}

// findrun returns the chunk index of a run of nchunks free chunks starting
// at a multiple of calign, or -1. Small requests take the first qualifying
// run; large ones take the smallest qualifying hole, ties broken by lowest
// index.
func (sh *subheap_t) findrun(nchunks, calign int) int {
	best, bestw := -1, 0
	i := 0
	for i < sh.cap {
		if sh.bit(i) {
			i++
			continue
		}
		s := i
		for i < sh.cap && !sh.bit(i) {
			i++
		}
		w := i - s
		a := util.Roundup(s, calign)
		if a+nchunks > s+w {
			continue
		}
		if nchunks < BESTFIT_THRESHOLD {
			return a
		}
		if best == -1 || w < bestw {
			best, bestw = a, w
		}
	}
	return best
}

// alloc reserves size bytes aligned to alignment. It returns the chunk
// start and the number of bytes actually reserved, or (0, 0).
func (sh *subheap_t) alloc(size, alignment uintptr) (uintptr, uintptr) {
	nchunks := int((size + CHUNKSIZE - 1) / CHUNKSIZE)
	calign := util.Max(int(alignment/CHUNKSIZE), 1)
	if sh.cap-sh.len < nchunks {
		return 0, 0
	}
	i := sh.findrun(nchunks, calign)
	if i < 0 {
		return 0, 0
	}
	sh.setbits(i, nchunks)
	sh.len += nchunks
	p := sh.chunks + uintptr(i)*CHUNKSIZE
	got := uintptr(nchunks) * CHUNKSIZE
	if Scrub {
		scrub(p, got, ALLOC_SCRUB_BYTE)
	}
	return p, got
}

// free releases the run of size bytes at ptr. The caller supplies the size;
// runs lengths are not recorded.
func (sh *subheap_t) free(ptr, size uintptr) {
	ci := int((ptr - sh.chunks) / CHUNKSIZE)
	n := int((size + CHUNKSIZE - 1) / CHUNKSIZE)
	if !sh.bit(ci) {
		panic("free of unallocated chunk run")
	}
	sh.clearbits(ci, n)
	sh.len -= n
	if Scrub {
		scrub(ptr, uintptr(n)*CHUNKSIZE, FREE_SCRUB_BYTE)
	}
}

func (sh *subheap_t) contains(ptr uintptr) bool {
	return ptr >= sh.chunks && ptr <= sh.chunks+uintptr(sh.cap)*CHUNKSIZE
}

func (sh *subheap_t) avail() uintptr {
	return uintptr(sh.cap-sh.len) * CHUNKSIZE
}
