package host

import (
	"bytes"
	"testing"
	"time"

	"github.com/ardnew/virtwl/queue"
	"github.com/ardnew/virtwl/queue/memq"
	"github.com/ardnew/virtwl/shm"
	"github.com/ardnew/virtwl/wire"
)

func newTestHost(t *testing.T) (*Host, *memq.Queue, *memq.Queue, *shm.Pool) {
	t.Helper()
	pool := shm.NewPool()
	in := memq.New(4)
	out := memq.New(4)
	h := New(in, out, pool)
	h.Start()
	t.Cleanup(func() {
		h.Close()
		in.Close()
		out.Close()
		pool.Close()
	})
	return h, in, out, pool
}

// transact submits one request descriptor and waits for its completion.
func transact(t *testing.T, q *memq.Queue, buf []byte) queue.Completion {
	t.Helper()
	if err := q.Submit(buf, buf, nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	q.Kick()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := q.Next(); ok {
			return c
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for response")
	return queue.Completion{}
}

func newRequest(typ, id, size uint32) []byte {
	msg := wire.New{Header: wire.Header{Type: typ}, VFDID: id, Size: size}
	buf := make([]byte, wire.NewSize)
	msg.MarshalTo(buf)
	return buf
}

func TestServeNewContext(t *testing.T) {
	h, _, out, _ := newTestHost(t)

	buf := newRequest(wire.CmdVFDNewCtx, 5, 0)
	c := transact(t, out, buf)
	if c.Len != wire.NewSize {
		t.Fatalf("response length = %d, want %d", c.Len, wire.NewSize)
	}
	resp, err := wire.ParseNew(buf)
	if err != nil {
		t.Fatalf("ParseNew() error = %v", err)
	}
	if resp.Type != wire.RespVFDNew {
		t.Fatalf("response type = %#x, want RespVFDNew", resp.Type)
	}
	if resp.Size != 0 || resp.PFN != 0 {
		t.Errorf("context response size/pfn = %d/%d, want 0/0", resp.Size, resp.PFN)
	}
	if !h.Knows(5) {
		t.Error("host does not track vfd 5")
	}
}

func TestServeNewAlloc(t *testing.T) {
	_, _, out, pool := newTestHost(t)

	buf := newRequest(wire.CmdVFDNew, 6, 100)
	transact(t, out, buf)
	resp, err := wire.ParseNew(buf)
	if err != nil {
		t.Fatalf("ParseNew() error = %v", err)
	}
	if resp.Type != wire.RespVFDNew {
		t.Fatalf("response type = %#x, want RespVFDNew", resp.Type)
	}
	if resp.Size != wire.PageSize {
		t.Errorf("response size = %d, want %d (page rounded)", resp.Size, wire.PageSize)
	}
	r := pool.Lookup(resp.PFN)
	if r == nil {
		t.Fatalf("no region registered for pfn %d", resp.PFN)
	}
	if r.Size() != wire.PageSize {
		t.Errorf("region size = %d, want %d", r.Size(), wire.PageSize)
	}
}

func TestServeDuplicateID(t *testing.T) {
	_, _, out, _ := newTestHost(t)

	transact(t, out, newRequest(wire.CmdVFDNewCtx, 7, 0))
	buf := newRequest(wire.CmdVFDNewCtx, 7, 0)
	transact(t, out, buf)
	hdr, err := wire.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if hdr.Type != wire.RespInvalidID {
		t.Errorf("response type = %#x, want RespInvalidID", hdr.Type)
	}
}

func TestServeSendUnknownVFD(t *testing.T) {
	_, _, out, _ := newTestHost(t)

	buf := make([]byte, wire.SendLen(0, 3))
	wire.MarshalSend(buf, wire.CmdVFDSend, 99, nil, []byte("abc"))
	transact(t, out, buf)
	hdr, err := wire.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if hdr.Type != wire.RespInvalidID {
		t.Errorf("response type = %#x, want RespInvalidID", hdr.Type)
	}
}

func TestServeClose(t *testing.T) {
	h, _, out, pool := newTestHost(t)

	buf := newRequest(wire.CmdVFDNew, 8, 4096)
	transact(t, out, buf)
	resp, _ := wire.ParseNew(buf)

	cls := wire.Close{Header: wire.Header{Type: wire.CmdVFDClose}, VFDID: 8}
	cbuf := make([]byte, wire.CloseSize)
	cls.MarshalTo(cbuf)
	transact(t, out, cbuf)

	hdr, _ := wire.ParseHeader(cbuf)
	if hdr.Type != wire.RespOK {
		t.Errorf("response type = %#x, want RespOK", hdr.Type)
	}
	if h.Knows(8) {
		t.Error("host still tracks vfd 8 after close")
	}
	if pool.Lookup(resp.PFN) != nil {
		t.Error("region still registered after close")
	}
}

func TestFailNext(t *testing.T) {
	h, _, out, _ := newTestHost(t)

	h.FailNext(wire.RespErr)
	buf := newRequest(wire.CmdVFDNewCtx, 9, 0)
	transact(t, out, buf)
	hdr, _ := wire.ParseHeader(buf)
	if hdr.Type != wire.RespErr {
		t.Fatalf("response type = %#x, want RespErr", hdr.Type)
	}

	// Only the next request fails.
	buf = newRequest(wire.CmdVFDNewCtx, 9, 0)
	transact(t, out, buf)
	hdr, _ = wire.ParseHeader(buf)
	if hdr.Type != wire.RespVFDNew {
		t.Errorf("response type = %#x, want RespVFDNew", hdr.Type)
	}
}

func TestPushData(t *testing.T) {
	h, in, _, _ := newTestHost(t)

	// Arm a receive buffer the way a device keeps its queue filled.
	buf := make([]byte, wire.BufferSize)
	if err := in.Submit(nil, buf, nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := h.PushData(3, []byte("data"), []uint32{wire.HostIDBit | 1}); err != nil {
		t.Fatalf("PushData() error = %v", err)
	}
	c, ok := in.Next()
	if !ok {
		t.Fatal("no completion for push")
	}
	msg, err := wire.ParseSend(buf[:c.Len])
	if err != nil {
		t.Fatalf("ParseSend() error = %v", err)
	}
	if msg.Type != wire.CmdVFDRecv || msg.VFDID != 3 {
		t.Errorf("push type/id = %#x/%d, want CmdVFDRecv/3", msg.Type, msg.VFDID)
	}
	if msg.VFDCount != 1 || msg.HandleAt(0) != wire.HostIDBit|1 {
		t.Errorf("push ancillary ids wrong: count=%d", msg.VFDCount)
	}
	if !bytes.Equal(msg.Payload(), []byte("data")) {
		t.Errorf("push payload = %q, want %q", msg.Payload(), "data")
	}
}

func TestEchoPushesSendBack(t *testing.T) {
	h, in, out, _ := newTestHost(t)
	h.SetEcho(true)

	transact(t, out, newRequest(wire.CmdVFDNewCtx, 2, 0))

	recvBuf := make([]byte, wire.BufferSize)
	if err := in.Submit(nil, recvBuf, nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	sbuf := make([]byte, wire.SendLen(0, 4))
	wire.MarshalSend(sbuf, wire.CmdVFDSend, 2, nil, []byte("ping"))
	transact(t, out, sbuf)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := in.Next(); ok {
			msg, err := wire.ParseSend(recvBuf[:c.Len])
			if err != nil {
				t.Fatalf("ParseSend() error = %v", err)
			}
			if msg.VFDID != 2 || !bytes.Equal(msg.Payload(), []byte("ping")) {
				t.Errorf("echo = id %d payload %q, want 2 %q", msg.VFDID, msg.Payload(), "ping")
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no echo push arrived")
}
