// Package device implements the guest-side engine of a virtualized
// display-server proxy.
//
// The engine moves opaque protocol bytes between two transport queues
// and manages virtual file descriptors (VFDs): numeric capabilities
// representing host connection contexts and shared memory allocations.
// Guest requests travel out through the request queue; host pushes
// arrive on the receive queue, are classified by an inbound worker, and
// either register new VFDs or accumulate on a VFD's pending queue until
// the guest drains them.
//
// # Handles
//
// Guest-facing code operates through [Handle] values returned by
// [Device.NewContext], [Device.NewAlloc], and [Handle.Recv]. A handle is
// a checked lookup key: operations on a closed handle report
// pkg.ErrClosedHandle rather than reaching freed state.
//
// # Locking
//
// The table lock and a VFD's lock are always taken in table-then-VFD
// order. The per-direction transport locks are independent and are never
// held together with a VFD lock. A VFD is freed only after it has been
// unlinked from the table and its pending queue flushed.
package device
