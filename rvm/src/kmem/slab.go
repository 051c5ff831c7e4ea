package kmem

import "unsafe"

import "util"

/// SLAB_MIN_SIZE is the chunk size of the smallest slab size class.
const SLAB_MIN_SIZE uintptr = 64

/// SLAB_COUNT is the number of slab size classes; class i serves chunks of
/// SLAB_MIN_SIZE << i bytes.
const SLAB_COUNT = 4

/// SLAB_BLOCK_SIZE is the size of one slab block. Blocks are naturally
/// aligned so the owning block of any chunk is found by masking.
const SLAB_BLOCK_SIZE uintptr = 4096

/// SLAB_BLOCK_MASK recovers a block address from a chunk address.
const SLAB_BLOCK_MASK = ^(SLAB_BLOCK_SIZE - 1)

// slab block header, embedded at the start of the block. The recycle list
// links freed chunks through their first word.
type slabblock_t struct {
	next    uintptr
	recycle uintptr
	cap     uint32
	len     uint32
}

var slabhdrsize = unsafe.Sizeof(slabblock_t{})

func blockof(addr uintptr) *slabblock_t {
	return (*slabblock_t)(unsafe.Pointer(addr))
}

// one slab heap per size class. A block is on the usable list while at
// least one chunk is free, else on the full list.
type slabheap_t struct {
	size   uintptr
	usable uintptr
	full   uintptr
}

// first chunk offset: the header rounded up so chunks stay size-aligned
func (h *slabheap_t) chunk0() uintptr {
	return util.Roundup(slabhdrsize, h.size)
}

func (h *slabheap_t) blockcap() uint32 {
	return uint32((SLAB_BLOCK_SIZE - h.chunk0()) / h.size)
}

// alloc returns one chunk of the class, growing by one block via km when
// the usable list is empty. Caller holds the allocator lock.
func (h *slabheap_t) alloc(km *Kmem_t) uintptr {
	b := h.usable
	if b == 0 {
		b = km.growslab()
		if b == 0 {
			return 0
		}
		hdr := blockof(b)
		hdr.next = 0
		hdr.recycle = 0
		hdr.cap = h.blockcap()
		hdr.len = 0
		h.usable = b
	}
	hdr := blockof(b)
	var p uintptr
	if hdr.recycle != 0 {
		p = hdr.recycle
		hdr.recycle = *(*uintptr)(unsafe.Pointer(p))
	} else {
		p = b + h.chunk0() + uintptr(hdr.len)*h.size
		hdr.len++
	}
	if hdr.recycle == 0 && hdr.len == hdr.cap {
		// block became full
		h.usable = hdr.next
		hdr.next = h.full
		h.full = b
	}
	return p
}

// free returns the chunk at ptr to its owning block. A full block moves
// back to the usable list, unlinked from wherever it sits in the full list.
func (h *slabheap_t) free(ptr uintptr) {
	b := ptr & SLAB_BLOCK_MASK
	hdr := blockof(b)
	if hdr.recycle == 0 && hdr.len == hdr.cap {
		if h.full == b {
			h.full = hdr.next
		} else {
			prev := h.full
			for prev != 0 && blockof(prev).next != b {
				prev = blockof(prev).next
			}
			if prev == 0 {
				panic("block not on full list")
			}
			blockof(prev).next = hdr.next
		}
		hdr.next = h.usable
		h.usable = b
	}
	if Scrub {
		scrub(ptr, h.size, FREE_SCRUB_BYTE)
	}
	*(*uintptr)(unsafe.Pointer(ptr)) = hdr.recycle
	hdr.recycle = ptr
}

// free bytes across the class's blocks: the untouched bump tail plus the
// recycle lists.
func (h *slabheap_t) availbytes() uintptr {
	var n uintptr
	for b := h.usable; b != 0; b = blockof(b).next {
		hdr := blockof(b)
		n += uintptr(hdr.cap-hdr.len) * h.size
		for r := hdr.recycle; r != 0; r = *(*uintptr)(unsafe.Pointer(r)) {
			n += h.size
		}
	}
	return n
}
