package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/wire"
)

// txn is one outbound transaction awaiting host acknowledgment.
type txn struct {
	done chan struct{}
	len  uint32
}

// submit enqueues a two-descriptor transaction, handling backpressure.
// Nonblocking callers get pkg.ErrAgain when no slot is free; blocking
// callers wait their turn on the FIFO waiter list, reporting pkg.ErrBusy
// after the bounded timeout. The kick happens outside the queue lock but
// before returning.
func (d *Device) submit(out, in []byte, t *txn, nonblock bool) error {
	if d.failed.Load() {
		return pkg.ErrDeviceUnreliable
	}
	for {
		d.outMu.Lock()
		err := d.out.Submit(out, in, t)
		d.outMu.Unlock()

		switch {
		case err == nil:
			d.out.Kick()
			return nil
		case !errors.Is(err, pkg.ErrQueueFull):
			return err
		case nonblock:
			return pkg.ErrAgain
		}

		if err := d.waitSlot(); err != nil {
			return err
		}
	}
}

// waitSlot blocks until a slot waiter wake, the submit timeout, or
// device teardown.
func (d *Device) waitSlot() error {
	ch := make(chan struct{}, 1)
	d.waitMu.Lock()
	d.waiters = append(d.waiters, ch)
	d.waitMu.Unlock()

	// A completion reclaimed between the failed Submit and the append
	// above fired its wake into an empty waiter list. Re-check the
	// predicate now that the waiter is registered, or that slot is lost
	// until the next completion.
	if d.out.FreeSlots() > 0 {
		d.dropWaiter(ch)
		return nil
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		d.dropWaiter(ch)
		return pkg.ErrBusy
	case <-d.done:
		d.dropWaiter(ch)
		return pkg.ErrDeviceClosed
	}
}

// dropWaiter unlinks ch from the waiter list. A wake that raced the
// timeout is passed on so the freed slot is not lost.
func (d *Device) dropWaiter(ch chan struct{}) {
	d.waitMu.Lock()
	for i, w := range d.waiters {
		if w == ch {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			break
		}
	}
	d.waitMu.Unlock()

	select {
	case <-ch:
		d.wakeWaiter()
	default:
	}
}

// wakeWaiter signals the oldest slot waiter, if any.
func (d *Device) wakeWaiter() {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	if len(d.waiters) == 0 {
		return
	}
	ch := d.waiters[0]
	d.waiters = d.waiters[1:]
	ch <- struct{}{}
}

// noteHostError latches the standing failure when the host declares the
// device unreliable. Later submissions fail fast; existing handles stay
// readable but cannot reach the host anymore.
func (d *Device) noteHostError(err error) error {
	if errors.Is(err, pkg.ErrDeviceUnreliable) && !d.failed.Swap(true) {
		pkg.LogError(pkg.ComponentDevice, "host declared device unreliable")
	}
	return err
}

// roundTrip submits and waits for the host acknowledgment. The wait is
// unconditional; nonblock only governs slot acquisition.
func (d *Device) roundTrip(out, in []byte, nonblock bool) error {
	t := &txn{done: make(chan struct{})}
	if err := d.submit(out, in, t, nonblock); err != nil {
		return err
	}
	select {
	case <-t.done:
		return nil
	case <-d.done:
		return pkg.ErrDeviceClosed
	}
}

// newRoundTrip allocates a local VFD, asks the host to create its
// counterpart, and populates the VFD from the acknowledgment. On any
// failure the VFD is unregistered and the error mapped to its local
// kind.
func (d *Device) newRoundTrip(typ, flags, size uint32, nonblock bool) (*Handle, error) {
	v := newVFD(d)

	// Lock before publishing in the table, where dispatch can see it.
	v.mu.Lock()
	id, err := d.table.allocate(1, wire.MaxLocalID, v)
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	v.id = id

	msg := wire.New{
		Header:   wire.Header{Type: typ},
		VFDID:    id,
		VFDFlags: flags,
		Size:     size,
	}
	buf := make([]byte, wire.NewSize)
	msg.MarshalTo(buf)

	if err := d.roundTrip(buf, buf, nonblock); err != nil {
		d.unwindNew(v)
		return nil, err
	}
	resp, err := wire.ParseNew(buf)
	if err != nil {
		d.unwindNew(v)
		return nil, err
	}
	if err := d.noteHostError(wire.RespError(resp.Type)); err != nil {
		d.unwindNew(v)
		return nil, fmt.Errorf("new vfd %d: %w", id, err)
	}

	v.size = resp.Size
	v.pfn = resp.PFN
	v.flags = resp.VFDFlags
	v.mu.Unlock()

	pkg.LogDebug(pkg.ComponentSend, "vfd created",
		"id", id, "size", resp.Size, "flags", resp.VFDFlags)
	return &Handle{dev: d, id: id}, nil
}

// unwindNew unregisters a VFD whose creation failed. The VFD lock is
// dropped first so the pair can be re-acquired in table-then-VFD order;
// taking the table lock while holding the VFD lock would invert the
// order dispatch uses.
func (d *Device) unwindNew(v *vfd) {
	v.mu.Unlock()
	d.table.mu.Lock()
	v.mu.Lock()
	d.table.removeLocked(v.id)
	v.mu.Unlock()
	d.table.mu.Unlock()
}

// removeVFD unlinks v, flushes its pending queue, and restores the
// receive queue's buffer complement. The transport is touched only after
// both locks are dropped.
func (d *Device) removeVFD(v *vfd) {
	d.table.mu.Lock()
	v.mu.Lock()
	d.table.removeLocked(v.id)
	d.table.mu.Unlock()
	freed := v.flush()
	v.mu.Unlock()

	// Wake any receiver blocked on this VFD; its post-wake table check
	// reports the close.
	select {
	case v.ready <- struct{}{}:
	default:
	}

	if freed > 0 {
		d.rearmInbufs(freed)
		d.in.Kick()
	}
}
