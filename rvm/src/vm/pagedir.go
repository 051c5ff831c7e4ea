package vm

import "sync"
import "unsafe"

import "github.com/golang/glog"
import "github.com/pkg/errors"

import "defs"
import "hashtable"
import "mem"
import "oommsg"

/// PTAB_BITS is the number of virtual frame number bits consumed per
/// page-table level.
const PTAB_BITS uint = 9

/// PTAB_LEVELS is the depth of the page directory.
const PTAB_LEVELS uint = 4

/// PTAB_LEN is the number of entries per page-table node; one node is
/// exactly one page.
const PTAB_LEN = 1 << PTAB_BITS

/// Pte_t is a page-table entry. Its only informative field is the host page
/// frame number of either a child node or a guest backing page; zero means
/// not present.
type Pte_t uint64

type ptab_t [PTAB_LEN]Pte_t

func ptabof(addr uintptr) *ptab_t {
	return (*ptab_t)(unsafe.Pointer(addr))
}

/// Pagedir_t is a rooted tree of PTAB_LEVELS page-table nodes translating
/// guest virtual frame numbers to host page frames. The mutex serializes
/// walks and disposal.
type Pagedir_t struct {
	sync.Mutex
	phys *mem.Physmem_t
	root uintptr
}

// live page directories, keyed by root node address. Disposed directories
// are removed; DisposeAll empties the registry at shutdown.
var pagedirs = hashtable.MkHash(53)

/// CreatePagedir allocates an empty page directory backed by phys.
func CreatePagedir(phys *mem.Physmem_t) (*Pagedir_t, error) {
	root := phys.Allocpages(1)
	if root == 0 {
		return nil, errors.New("pagedir: out of host pages")
	}
	zeropg(root)
	pd := &Pagedir_t{phys: phys, root: root}
	pagedirs.Set(root, pd)
	return pd, nil
}

func zeropg(addr uintptr) {
	bpg := mem.Pg2bytes(addr)
	for i := range bpg {
		bpg[i] = 0
	}
}

// allocate one host page, giving a reclaimer a single chance to purge
// pages when the physical allocator is exhausted.
func (pd *Pagedir_t) allocpg() uintptr {
	p := pd.phys.Allocpages(1)
	if p != 0 {
		return p
	}
	resume := make(chan bool)
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1, Resume: resume}:
		if <-resume {
			p = pd.phys.Allocpages(1)
		}
	default:
	}
	if p == 0 {
		glog.Warning("pagedir: out of host pages on first touch")
	}
	return p
}

// walk returns the leaf PTE for the biased virtual frame number, allocating
// interior nodes and the backing page on first touch. Caller holds the
// directory lock.
func (pd *Pagedir_t) walk(vfn uint64) (*Pte_t, defs.Err_t) {
	if vfn == 0 {
		panic("vfn must be positive")
	}
	vfn--
	node := pd.root
	for lvl := uint(1); lvl <= PTAB_LEVELS; lvl++ {
		shift := (PTAB_LEVELS - lvl) * PTAB_BITS
		idx := (vfn >> shift) & (PTAB_LEN - 1)
		pte := &ptabof(node)[idx]
		if lvl == PTAB_LEVELS {
			if *pte == 0 {
				pg := pd.allocpg()
				if pg == 0 {
					return nil, -defs.ENOMEM
				}
				zeropg(pg)
				*pte = Pte_t(pg >> mem.PGSHIFT)
			}
			return pte, 0
		}
		if *pte == 0 {
			pg := pd.allocpg()
			if pg == 0 {
				return nil, -defs.ENOMEM
			}
			zeropg(pg)
			*pte = Pte_t(pg >> mem.PGSHIFT)
			node = pg
		} else {
			node = uintptr(*pte) << mem.PGSHIFT
		}
	}
	panic("walk fell off the directory")
}

/// Translate maps a guest virtual address to a host address, allocating the
/// translation path on first touch. It returns -EFAULT for addresses
/// outside the guest range.
func (pd *Pagedir_t) Translate(vaddr defs.Va_t) (uintptr, defs.Err_t) {
	if vaddr < defs.VM_ADDR_MIN || vaddr > defs.VM_ADDR_MAX {
		return 0, -defs.EFAULT
	}
	pd.Lock()
	pte, err := pd.walk(uint64(vaddr) >> mem.PGSHIFT)
	pd.Unlock()
	if err != 0 {
		return 0, err
	}
	hpage := uintptr(*pte) << mem.PGSHIFT
	return hpage + uintptr(vaddr&defs.Va_t(mem.PGOFFSET)), 0
}

// release every node reachable from node; nodes at the deepest level
// reference guest backing pages.
func (pd *Pagedir_t) freenode(node uintptr, lvl uint) {
	tab := ptabof(node)
	for i := range tab {
		pte := tab[i]
		if pte == 0 {
			continue
		}
		child := uintptr(pte) << mem.PGSHIFT
		if lvl < PTAB_LEVELS {
			pd.freenode(child, lvl+1)
		} else {
			pd.phys.Freepages(child)
		}
	}
	pd.phys.Freepages(node)
}

/// Dispose releases every installed page-table node and backing page and
/// unregisters the directory.
func (pd *Pagedir_t) Dispose() {
	pd.Lock()
	root := pd.root
	pd.root = 0
	pd.Unlock()
	if root == 0 {
		return
	}
	pd.freenode(root, 1)
	pagedirs.Del(root)
}

/// DisposeAll releases every live page directory. Called at shutdown.
func DisposeAll() {
	var all []*Pagedir_t
	pagedirs.Iter(func(_ uintptr, v interface{}) bool {
		all = append(all, v.(*Pagedir_t))
		return false
	})
	for _, pd := range all {
		pd.Dispose()
	}
}
