package hashtable

import "sync"
import "sync/atomic"
import "unsafe"

// A hashtable with a lock-free Get(), keyed by host addresses.

type elem_t struct {
	key     uintptr
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

func (b *bucket_t) len() int {
	b.RLock()
	defer b.RUnlock()

	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

func (b *bucket_t) iter(f func(uintptr, interface{}) bool) bool {
	for e := b.first; e != nil; e = loadptr(&e.next) {
		if f(e.key, e.value) {
			return true
		}
	}
	return false
}

/// Hashtable_t maps host addresses to values. Readers never block;
/// mutations take the bucket lock.
type Hashtable_t struct {
	table    []*bucket_t
	capacity int
}

/// MkHash allocates a new Hashtable_t with the given number of buckets.
func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{}
	ht.capacity = size
	ht.table = make([]*bucket_t, size)
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

/// Size returns the total number of elements stored in the table.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

/// Get looks up the provided key and returns its value.
func (ht *Hashtable_t) Get(key uintptr) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

/// Set inserts a key/value pair. It returns the stored value and true when
/// inserted, or the existing value and false when the key was present.
func (ht *Hashtable_t) Set(key uintptr, value interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t) {
		if last == nil {
			n := &elem_t{key: key, value: value, keyHash: kh, next: b.first}
			storeptr(&b.first, n)
		} else {
			n := &elem_t{key: key, value: value, keyHash: kh, next: last.next}
			storeptr(&last.next, n)
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, false
		}
		if kh < e.keyHash {
			add(last)
			return value, true
		}
		last = e
	}
	add(last)
	return value, true
}

/// Del removes a key from the table. It panics if the key is absent.
func (ht *Hashtable_t) Del(key uintptr) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	rem := func(last *elem_t, n *elem_t) {
		if last == nil {
			storeptr(&b.first, n.next)
		} else {
			storeptr(&last.next, n.next)
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			rem(last, e)
			return
		}
		if kh < e.keyHash {
			panic("del of non-existing key")
		}
		last = e
	}
	panic("del of non-existing key")
}

/// Iter applies f to each key/value pair. Iteration stops when f returns
/// true.
func (ht *Hashtable_t) Iter(f func(uintptr, interface{}) bool) bool {
	for _, b := range ht.table {
		if b.iter(f) {
			return true
		}
	}
	return false
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

// Without an explicit memory model, it is hard to know if this code is
// correct. LoadPointer/StorePointer don't issue a memory fence, but for
// traversing pointers in Get() and updating them in Set()/Del(), this might
// be ok on x86.
func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	n := (*elem_t)(unsafe.Pointer(p))
	return n
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	v := (unsafe.Pointer)(n)
	atomic.StorePointer(ptr, v)
}

func khash(key uintptr) uint32 {
	// page-aligned keys have dead low bits; mix them out
	h := uint32(key>>12) ^ uint32(key)
	return uint32(2654435761) * h
}
