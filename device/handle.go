package device

import (
	"context"
	"fmt"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/wire"
)

// Handle is the guest-facing reference to a VFD. It carries a checked
// lookup key rather than a pointer, so use after close reports
// pkg.ErrClosedHandle instead of touching freed state.
type Handle struct {
	dev *Device
	id  uint32
}

// ID returns the VFD id this handle refers to.
func (h *Handle) ID() uint32 {
	return h.id
}

// Send transmits payload bytes plus up to wire.MaxSendHandles ancillary
// handles to the host, attributed to this handle's VFD. Every referenced
// handle must be open on the same device; failures are reported before
// any transport submission.
func (h *Handle) Send(payload []byte, handles []*Handle, nonblock bool) error {
	d := h.dev
	if len(handles) > wire.MaxSendHandles {
		return pkg.ErrTooManyHandles
	}
	total := wire.SendLen(len(handles), len(payload))
	if total > wire.BufferSize {
		return pkg.ErrInvalidSize
	}

	ids := make([]uint32, 0, len(handles))
	d.table.mu.Lock()
	if _, ok := d.table.vfds[h.id]; !ok {
		d.table.mu.Unlock()
		return pkg.ErrClosedHandle
	}
	for _, ah := range handles {
		if ah == nil || ah.dev != d {
			d.table.mu.Unlock()
			return pkg.ErrForeignHandle
		}
		if _, ok := d.table.vfds[ah.id]; !ok {
			d.table.mu.Unlock()
			return pkg.ErrClosedHandle
		}
		ids = append(ids, ah.id)
	}
	d.table.mu.Unlock()

	buf := make([]byte, total)
	wire.MarshalSend(buf, wire.CmdVFDSend, h.id, ids, payload)

	if err := d.roundTrip(buf, buf[:wire.HeaderSize], nonblock); err != nil {
		return err
	}
	hdr, err := wire.ParseHeader(buf)
	if err != nil {
		return err
	}
	if err := d.noteHostError(wire.RespError(hdr.Type)); err != nil {
		return fmt.Errorf("send on vfd %d: %w", h.id, err)
	}
	return nil
}

// Recv drains queued payload bytes into buf and extracts up to
// maxHandles transferred handles, blocking until something is available.
// A partial read leaves the remainder queued in arrival order.
// Cancelling ctx unblocks with no message loss.
func (h *Handle) Recv(ctx context.Context, buf []byte, maxHandles int) (int, []*Handle, error) {
	return h.recv(ctx, buf, maxHandles, false)
}

// TryRecv is Recv without blocking: an empty pending queue reports
// pkg.ErrAgain.
func (h *Handle) TryRecv(buf []byte, maxHandles int) (int, []*Handle, error) {
	return h.recv(context.Background(), buf, maxHandles, true)
}

func (h *Handle) recv(ctx context.Context, buf []byte, maxHandles int, nonblock bool) (int, []*Handle, error) {
	d := h.dev

	d.table.mu.Lock()
	v := d.table.vfds[h.id]
	if v == nil {
		d.table.mu.Unlock()
		return 0, nil, pkg.ErrClosedHandle
	}
	v.mu.Lock()

	var (
		n     int
		ids   []uint32
		freed int
	)
	for {
		if len(v.pending) > 0 {
			nb, f := v.drainBytes(buf)
			n += nb
			freed += f
			if maxHandles > 0 {
				hs, f := v.drainHandles(maxHandles)
				ids = hs
				freed += f
			}
			if n > 0 || len(ids) > 0 || (len(buf) == 0 && maxHandles <= 0) {
				break
			}
			// Queued entries held nothing consumable for the caller's
			// capacities; wait for the next push.
		}

		v.mu.Unlock()
		d.table.mu.Unlock()

		// Keep the receive queue's complement intact while blocked.
		if freed > 0 {
			d.rearmInbufs(freed)
			d.in.Kick()
			freed = 0
		}

		if nonblock {
			return 0, nil, pkg.ErrAgain
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-d.done:
			return 0, nil, pkg.ErrDeviceClosed
		case <-v.ready:
		}
		d.table.mu.Lock()
		if d.table.vfds[h.id] != v {
			d.table.mu.Unlock()
			return 0, nil, pkg.ErrClosedHandle
		}
		v.mu.Lock()
	}
	v.mu.Unlock()
	d.table.mu.Unlock()

	if freed > 0 {
		d.rearmInbufs(freed)
		d.in.Kick()
	}

	handles := make([]*Handle, len(ids))
	for i, id := range ids {
		handles[i] = &Handle{dev: d, id: id}
	}
	return n, handles, nil
}

// Map exposes the VFD's backing region as a directly aliased byte slice.
// Capability flags are checked before the range: the VFD must be
// mappable, writable if write access is requested, and the range must
// fall within the page-aligned declared size.
func (h *Handle) Map(offset, length uint64, write bool) ([]byte, error) {
	d := h.dev
	v := d.table.lockVFD(h.id)
	if v == nil {
		return nil, pkg.ErrClosedHandle
	}
	defer v.mu.Unlock()

	if v.flags&wire.VFDMap == 0 {
		return nil, pkg.ErrNotMappable
	}
	if write && v.flags&wire.VFDWrite == 0 {
		return nil, pkg.ErrReadOnly
	}
	end := offset + length
	if end < offset || end > uint64(wire.PageAlign(v.size)) {
		return nil, pkg.ErrMapRange
	}
	if d.mem == nil {
		return nil, pkg.ErrNoRegion
	}
	r := d.mem.Lookup(v.pfn)
	if r == nil {
		return nil, pkg.ErrNoRegion
	}
	b := r.Bytes()
	if uint64(len(b)) < end {
		return nil, pkg.ErrMapRange
	}
	return b[offset:end], nil
}

// Poll reports readiness: ReadReady when the pending queue is non-empty,
// WriteReady when the outbound queue has a free slot.
func (h *Handle) Poll() (Readiness, error) {
	d := h.dev

	var mask Readiness
	d.outMu.Lock()
	if d.out.FreeSlots() > 0 {
		mask |= WriteReady
	}
	d.outMu.Unlock()

	v := d.table.lockVFD(h.id)
	if v == nil {
		return 0, pkg.ErrClosedHandle
	}
	if len(v.pending) > 0 {
		mask |= ReadReady
	}
	v.mu.Unlock()
	return mask, nil
}

// Close notifies the host, waits for its acknowledgment, and only then
// tears the VFD down locally: unlink from the table, release every
// retained buffer back to the transport, free. Ordering the host
// roundtrip first means the host can never observe a close for a VFD it
// still considers live. Close always blocks for the acknowledgment.
func (h *Handle) Close() error {
	d := h.dev

	v := d.table.lockVFD(h.id)
	if v == nil {
		return pkg.ErrClosedHandle
	}
	if v.closing {
		v.mu.Unlock()
		return pkg.ErrClosedHandle
	}
	v.closing = true
	v.mu.Unlock()

	msg := wire.Close{Header: wire.Header{Type: wire.CmdVFDClose}, VFDID: h.id}
	buf := make([]byte, wire.CloseSize)
	msg.MarshalTo(buf)

	if err := d.roundTrip(buf, buf[:wire.HeaderSize], false); err != nil {
		v.mu.Lock()
		v.closing = false
		v.mu.Unlock()
		return fmt.Errorf("close vfd %d: %w", h.id, err)
	}

	d.removeVFD(v)
	pkg.LogDebug(pkg.ComponentVFD, "vfd closed", "id", h.id)
	return nil
}
