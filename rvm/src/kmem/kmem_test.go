package kmem

import "math/rand"
import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "mem"

func mktestkmem(t *testing.T, size uintptr) *Kmem_t {
	t.Helper()
	phys, err := mem.CreateFromOS(size)
	require.NoError(t, err)
	t.Cleanup(phys.Dispose)
	km, err := Create(phys, 1<<20)
	require.NoError(t, err)
	t.Cleanup(km.Free)
	return km
}

func TestAllocAligned(t *testing.T) {
	km := mktestkmem(t, 16<<20)

	r := km.AllocAligned(100, 512)
	require.NotZero(t, r.Ptr)
	assert.Zero(t, r.Ptr&511)
	assert.Zero(t, r.Size%CHUNKSIZE)
	km.Release(r)

	for _, a := range []uintptr{1, 2, 8, 64, 256, 4096} {
		r := km.AllocAligned(3000, a)
		require.NotZero(t, r.Ptr, "alignment %d", a)
		assert.Zero(t, r.Ptr&(a-1), "alignment %d", a)
		km.Release(r)
	}
}

func TestAllocBadAlignment(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	assert.Panics(t, func() { km.AllocAligned(64, 3) })
	assert.Panics(t, func() { km.AllocAligned(64, 2*mem.PGSIZE) })
	assert.Panics(t, func() { km.AllocAligned(64, 0) })
}

func TestRoundTripAvail(t *testing.T) {
	km := mktestkmem(t, 16<<20)

	// warm every slab class so block growth does not skew the comparison
	for _, size := range []uintptr{64, 128, 256, 512} {
		w := km.Alloc(size)
		require.NotZero(t, w.Ptr)
		km.Release(w)
	}
	w := km.Alloc(4000)
	require.NotZero(t, w.Ptr)
	km.Release(w)

	avail0 := km.Avail()
	for _, size := range []uintptr{1, 64, 100, 500, 513, 4000, 20000} {
		r := km.Alloc(size)
		require.NotZero(t, r.Ptr, "size %d", size)
		km.Release(r)
		assert.Equal(t, avail0, km.Avail(), "size %d", size)
	}
}

func TestAllocSize(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	assert.Equal(t, uintptr(64), km.AllocSize(1))
	assert.Equal(t, uintptr(64), km.AllocSize(64))
	assert.Equal(t, uintptr(128), km.AllocSize(100))
	assert.Equal(t, uintptr(512), km.AllocSize(512))
	assert.Equal(t, uintptr(640), km.AllocSize(600))
	assert.Equal(t, uintptr(4096), km.AllocSize(4066))

	r := km.Alloc(100)
	assert.Equal(t, km.AllocSize(100), r.Size)
	km.Release(r)
}

func TestFirstFitBestFit(t *testing.T) {
	phys, err := mem.CreateFromOS(16 << 20)
	require.NoError(t, err)
	defer phys.Dispose()
	run := phys.Allocpages(64)
	require.NotZero(t, run)
	sh := mksubheap(run, 64)

	// carve a layout with two holes: width 5 at chunk 2, width 4 at
	// chunk 8
	c := CHUNKSIZE
	a1, _ := sh.alloc(2*c, 1)
	b, _ := sh.alloc(5*c, 1)
	c1, _ := sh.alloc(1*c, 1)
	d, _ := sh.alloc(4*c, 1)
	e, _ := sh.alloc(1*c, 1)
	require.Equal(t, sh.chunks, a1)
	require.Equal(t, sh.chunks+2*c, b)
	require.Equal(t, sh.chunks+7*c, c1)
	require.Equal(t, sh.chunks+8*c, d)
	require.Equal(t, sh.chunks+12*c, e)
	sh.free(b, 5*c)
	sh.free(d, 4*c)

	// at the threshold: best fit picks the narrower hole at chunk 8
	p, _ := sh.alloc(uintptr(BESTFIT_THRESHOLD)*c, 1)
	assert.Equal(t, sh.chunks+8*c, p)
	sh.free(p, uintptr(BESTFIT_THRESHOLD)*c)

	// below the threshold: first fit picks the first hole at chunk 2
	p, _ = sh.alloc(2*c, 1)
	assert.Equal(t, sh.chunks+2*c, p)

	phys.Freepages(run)
}

func TestSubheapContains(t *testing.T) {
	phys, err := mem.CreateFromOS(16 << 20)
	require.NoError(t, err)
	defer phys.Dispose()
	run := phys.Allocpages(16)
	require.NotZero(t, run)
	sh := mksubheap(run, 16)

	assert.True(t, sh.contains(sh.chunks))
	assert.True(t, sh.contains(sh.chunks+uintptr(sh.cap)*CHUNKSIZE))
	assert.False(t, sh.contains(sh.chunks+uintptr(sh.cap)*CHUNKSIZE+1))
	assert.False(t, sh.contains(run-1))
	phys.Freepages(run)
}

func TestSlabRecycle(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	// fewer chunks than one block holds, so the recycle list alone can
	// serve the second wave
	const n = 50

	regions := make([]Region_t, n)
	seen := make(map[uintptr]bool)
	for i := range regions {
		regions[i] = km.Alloc(64)
		require.NotZero(t, regions[i].Ptr)
		seen[regions[i].Ptr] = true
	}
	rand.Shuffle(n, func(i, j int) { regions[i], regions[j] = regions[j], regions[i] })
	for _, r := range regions {
		km.Release(r)
	}

	// all blocks back on the usable list
	ci := km.slabclass(64)
	assert.Zero(t, km.slabs[ci].full)
	assert.NotZero(t, km.slabs[ci].usable)

	// a second wave reuses the original chunks
	for i := 0; i < n; i++ {
		r := km.Alloc(64)
		require.NotZero(t, r.Ptr)
		assert.True(t, seen[r.Ptr], "chunk %#x not recycled", r.Ptr)
	}
}

func TestSlabFullListUnlink(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	ci := km.slabclass(512)
	h := &km.slabs[ci]

	// fill enough blocks that several sit on the full list
	percap := int(h.blockcap())
	total := 3 * percap
	regions := make([]Region_t, total)
	for i := range regions {
		regions[i] = km.Alloc(512)
		require.NotZero(t, regions[i].Ptr)
	}
	require.NotZero(t, h.full)

	// free one chunk from the middle full block: it must be unlinked
	// from wherever it sits, not just from the head
	mid := regions[percap/2]
	km.Release(mid)
	for b := h.full; b != 0; b = blockof(b).next {
		assert.NotEqual(t, mid.Ptr&SLAB_BLOCK_MASK, b)
	}

	r := km.Alloc(512)
	assert.Equal(t, mid.Ptr, r.Ptr)
}

func TestScrub(t *testing.T) {
	if !Scrub {
		t.Skip("scrubbing disabled")
	}
	km := mktestkmem(t, 16<<20)

	r := km.Alloc(4000)
	require.NotZero(t, r.Ptr)
	assert.True(t, Scrubcheck(r.Ptr, r.Size, ALLOC_SCRUB_BYTE))
	km.Release(r)
	assert.True(t, Scrubcheck(r.Ptr, r.Size, FREE_SCRUB_BYTE))

	// slab chunks keep the scrub byte past the recycle link word
	r = km.Alloc(64)
	require.NotZero(t, r.Ptr)
	assert.True(t, Scrubcheck(r.Ptr, r.Size, ALLOC_SCRUB_BYTE))
	km.Release(r)
	assert.True(t, Scrubcheck(r.Ptr+8, r.Size-8, FREE_SCRUB_BYTE))
}

func TestReleaseUnregistered(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	assert.Panics(t, func() { km.Release(Region_t{Ptr: 0x1000, Size: 4096}) })
}

func TestCapAvail(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	assert.NotZero(t, km.Cap())
	assert.LessOrEqual(t, km.Avail(), km.Cap())

	r := km.Alloc(1 << 16)
	require.NotZero(t, r.Ptr)
	assert.Less(t, km.Avail(), km.Cap())
	km.Release(r)
}

func TestMemprof(t *testing.T) {
	km := mktestkmem(t, 16<<20)
	ci := km.slabclass(128)

	r1 := km.Alloc(100)
	r2 := km.Alloc(100)
	assert.Equal(t, int64(2), km.Prof.Live(ci))
	km.Release(r1)
	assert.Equal(t, int64(1), km.Prof.Live(ci))
	km.Release(r2)
	assert.Zero(t, km.Prof.Live(ci))

	p := km.Prof.Profile()
	require.NoError(t, p.CheckValid())
}
