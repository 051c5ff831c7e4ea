// Command memstress drives the three memory layers against each other: it
// maps a host region, runs mixed page, translation, and heap traffic, and
// verifies that every layer returns to its initial state.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"

	"defs"
	"kmem"
	"mem"
	"stats"
	"vm"
)

var (
	regionmb = flag.Int("region", 64, "host region size in MiB")
	rounds   = flag.Int("rounds", 1000, "operations per layer")
	seed     = flag.Int64("seed", 1, "rng seed")
	profile  = flag.String("memprofile", "", "write heap allocator profile to file")
)

func stresspmm(phys *mem.Physmem_t, rng *rand.Rand) {
	avail0 := phys.AvailTotal()
	var held []uintptr
	for i := 0; i < *rounds; i++ {
		if rng.Intn(2) == 0 || len(held) == 0 {
			n := 1 << uint(rng.Intn(6))
			if p := phys.Allocpages(n); p != 0 {
				held = append(held, p)
			}
		} else {
			j := rng.Intn(len(held))
			phys.Freepages(held[j])
			held[j] = held[len(held)-1]
			held = held[:len(held)-1]
		}
	}
	for _, p := range held {
		phys.Freepages(p)
	}
	if phys.AvailTotal() != avail0 {
		log.Fatalf("pmm: avail %d != initial %d", phys.AvailTotal(), avail0)
	}
	fmt.Printf("pmm ok: %d pages managed%s", phys.Cap()>>12,
		stats.Stats2String(phys.Stat))
}

func stressvm(phys *mem.Physmem_t, rng *rand.Rand) {
	avail0 := phys.AvailTotal()
	pd, err := vm.CreatePagedir(phys)
	if err != nil {
		log.Fatalf("pagedir: %v", err)
	}
	var cache vm.Cache_t
	cache.Init()

	vals := make(map[defs.Va_t]uint64)
	for i := 0; i < *rounds; i++ {
		va := defs.VM_ADDR_MIN + defs.Va_t(rng.Intn(1<<20))*8
		v := rng.Uint64()
		if err := vm.Store64(&cache, pd, va, v); err != 0 {
			log.Fatalf("store at %#x: %s", va, defs.Errstr(err))
		}
		vals[va] = v
	}
	for va, want := range vals {
		got, err := vm.Load64(&cache, pd, va)
		if err != 0 {
			log.Fatalf("load at %#x: %s", va, defs.Errstr(err))
		}
		if got != want {
			log.Fatalf("load at %#x: got %#x want %#x", va, got, want)
		}
	}
	cache.Invalidate()
	pd.Dispose()
	if phys.AvailTotal() != avail0 {
		log.Fatalf("vm: leaked pages (avail %d != %d)", phys.AvailTotal(), avail0)
	}
	fmt.Printf("vm ok: %d guest words verified\n", len(vals))
}

func stresskmem(phys *mem.Physmem_t, rng *rand.Rand) {
	km, err := kmem.Create(phys, 1<<20)
	if err != nil {
		log.Fatalf("kmem: %v", err)
	}
	var held []kmem.Region_t
	for i := 0; i < *rounds; i++ {
		if rng.Intn(2) == 0 || len(held) == 0 {
			size := uintptr(1 + rng.Intn(8192))
			align := uintptr(1) << uint(rng.Intn(10))
			if r := km.AllocAligned(size, align); r.Ptr != 0 {
				if r.Ptr&(align-1) != 0 {
					log.Fatalf("kmem: %#x not %d aligned", r.Ptr, align)
				}
				held = append(held, r)
			}
		} else {
			j := rng.Intn(len(held))
			km.Release(held[j])
			held[j] = held[len(held)-1]
			held = held[:len(held)-1]
		}
	}
	for _, r := range held {
		km.Release(r)
	}
	fmt.Printf("kmem ok%s", stats.Stats2String(km.Stat))
	if *profile != "" {
		f, err := os.Create(*profile)
		if err != nil {
			log.Fatalf("memprofile: %v", err)
		}
		if err := km.Prof.WriteTo(f); err != nil {
			log.Fatalf("memprofile: %v", err)
		}
		f.Close()
		fmt.Printf("wrote allocator profile to %s\n", *profile)
	}
	km.Free()
}

func main() {
	flag.Parse()
	phys, err := mem.CreateFromOS(uintptr(*regionmb) << 20)
	if err != nil {
		log.Fatalf("pmm: %v", err)
	}
	defer phys.Dispose()
	rng := rand.New(rand.NewSource(*seed))

	stresspmm(phys, rng)
	stressvm(phys, rng)
	stresskmem(phys, rng)
}
