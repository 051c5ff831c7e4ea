package stats

import "io"
import "strconv"

import "github.com/google/pprof/profile"

/// Classstat_t tracks allocations of one size class.
type Classstat_t struct {
	Size   int64
	Allocs Counter_t
	Frees  Counter_t
}

/// Memprof_t accumulates per-size-class allocation counters for one heap
/// allocator and can render them as a pprof heap profile.
type Memprof_t struct {
	Classes []Classstat_t
}

/// MkMemprof returns a profile tracker for the given class sizes.
func MkMemprof(sizes []int64) *Memprof_t {
	mp := &Memprof_t{}
	mp.Classes = make([]Classstat_t, len(sizes))
	for i, sz := range sizes {
		mp.Classes[i].Size = sz
	}
	return mp
}

/// Alloc records one allocation in the class at index ci.
func (mp *Memprof_t) Alloc(ci int) {
	mp.Classes[ci].Allocs.Inc()
}

/// Free records one free in the class at index ci.
func (mp *Memprof_t) Free(ci int) {
	mp.Classes[ci].Frees.Inc()
}

/// Live returns the number of live objects in the class at index ci.
func (mp *Memprof_t) Live(ci int) int64 {
	c := &mp.Classes[ci]
	return c.Allocs.Read() - c.Frees.Read()
}

/// Profile renders the counters as a heap-shaped pprof profile with one
/// synthetic location per size class.
func (mp *Memprof_t) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
	}
	for i := range mp.Classes {
		c := &mp.Classes[i]
		live := c.Allocs.Read() - c.Frees.Read()
		fn := &profile.Function{
			ID:         uint64(i + 1),
			Name:       "sizeclass_" + strconv.FormatInt(c.Size, 10),
			SystemName: "sizeclass_" + strconv.FormatInt(c.Size, 10),
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{live, live * c.Size},
		})
	}
	return p
}

/// WriteTo writes the profile gzip-compressed to w.
func (mp *Memprof_t) WriteTo(w io.Writer) error {
	return mp.Profile().Write(w)
}
