package oommsg

/// OomCh is notified when a first-touch page allocation finds the physical
/// memory manager exhausted. A reclaimer that frees pages sends true on
/// Resume to make the faulting walk retry; false (or nobody listening)
/// surfaces the failure to the guest as a fault.
var OomCh chan Oommsg_t = make(chan Oommsg_t)

/// Oommsg_t is sent on OomCh when memory is exhausted.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}
