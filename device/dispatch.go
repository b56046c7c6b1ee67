package device

import (
	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue"
	"github.com/ardnew/virtwl/wire"
)

// inWorker drains receive-queue completions whenever the transport
// signals, classifying each message and kicking once per batch if any
// buffer was returned.
func (d *Device) inWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.in.Ready():
		}

		kick := false
		for {
			d.inMu.Lock()
			c, ok := d.in.Next()
			d.inMu.Unlock()
			if !ok {
				break
			}
			if d.dispatch(c) {
				kick = true
			}
		}
		if kick {
			d.in.Kick()
		}
	}
}

// dispatch handles one completed receive buffer. It reports whether a
// buffer was returned to the transport (and a kick is therefore owed).
// Recv messages are retained on the target VFD instead of returned.
func (d *Device) dispatch(c queue.Completion) bool {
	ib, ok := c.Token.(*inbuf)
	if !ok {
		pkg.LogError(pkg.ComponentDispatch, "unexpected completion token")
		return false
	}
	data := ib.data
	if int(c.Len) < len(data) {
		data = data[:c.Len]
	}

	hdr, err := wire.ParseHeader(data)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "truncated control message", "len", c.Len)
		d.rearmInbufs(1)
		return true
	}

	switch hdr.Type {
	case wire.CmdVFDNew:
		d.handleNew(data)
	case wire.CmdVFDRecv:
		if !d.handleRecv(data) {
			return false
		}
	default:
		pkg.LogWarn(pkg.ComponentDispatch, "unhandled control command", "type", hdr.Type)
	}

	d.rearmInbufs(1)
	return true
}

// handleNew registers a VFD the host pushed. Malformed or colliding
// pushes are logged and dropped without any corrective signal back to
// the host.
func (d *Device) handleNew(data []byte) {
	msg, err := wire.ParseNew(data)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "truncated new-vfd message")
		return
	}
	id := msg.VFDID
	if id == 0 {
		return
	}
	if !wire.IsHostID(id) {
		pkg.LogWarn(pkg.ComponentDispatch, "received vfd with invalid id", "id", id)
		return
	}

	v := newVFD(d)
	v.id = id
	v.flags = msg.VFDFlags
	v.size = msg.Size
	v.pfn = msg.PFN

	if _, err := d.table.allocate(id, id+1, v); err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "failed to place received vfd",
			"id", id, "err", err)
		return
	}

	pkg.LogDebug(pkg.ComponentDispatch, "host pushed vfd",
		"id", id, "size", msg.Size, "flags", msg.VFDFlags)
}

// handleRecv attaches a data push to its target VFD's pending queue.
// It reports true when the buffer should be returned to the transport
// (unknown target or malformed message), false when it was retained.
func (d *Device) handleRecv(data []byte) (returnBuf bool) {
	msg, err := wire.ParseSend(data)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "truncated recv message")
		return true
	}

	v := d.table.lockVFD(msg.VFDID)
	if v == nil {
		pkg.LogWarn(pkg.ComponentDispatch, "recv for unknown vfd", "id", msg.VFDID)
		return true
	}
	v.append(&qentry{buf: data, msg: msg})
	v.mu.Unlock()
	return false
}

// outWorker reclaims request-queue completions, finishing each pending
// transaction and waking one slot waiter per freed slot.
func (d *Device) outWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.out.Ready():
		}

		for {
			d.outMu.Lock()
			c, ok := d.out.Next()
			d.outMu.Unlock()
			if !ok {
				break
			}
			t, ok := c.Token.(*txn)
			if !ok {
				pkg.LogError(pkg.ComponentDispatch, "unexpected completion token")
				continue
			}
			t.len = c.Len
			close(t.done)
			d.wakeWaiter()
		}
	}
}
