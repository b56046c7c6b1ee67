package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue/memq"
	"github.com/ardnew/virtwl/shm"
	"github.com/ardnew/virtwl/wire"
)

// Host is an in-process implementation of the device's peer: it serves
// guest requests arriving on the request queue and can push data and
// VFDs at the guest through the receive queue. Tests and examples use it
// in place of a real virtual machine monitor.
type Host struct {
	in  *memq.Queue // device receive queue: host writes pushes here
	out *memq.Queue // device request queue: host serves from here
	mem *shm.Pool

	mu       sync.Mutex
	vfds     map[uint32]*vfdRecord
	nextID   uint32 // next host-assigned id
	nextPFN  uint64
	sent     []SentMessage
	failNext uint32 // response type override, 0 = none
	paused   bool
	resume   chan struct{}
	echo     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// vfdRecord is the host's view of one VFD.
type vfdRecord struct {
	id    uint32
	flags uint32
	size  uint32
	pfn   uint64
}

// SentMessage records one guest send observed by the host.
type SentMessage struct {
	VFDID   uint32   // Source VFD
	IDs     []uint32 // Ancillary VFD ids
	Payload []byte
}

// New creates a host over the device's receive and request queues.
// Regions backing shared memory allocations are registered in mem.
func New(in, out *memq.Queue, mem *shm.Pool) *Host {
	return &Host{
		in:     in,
		out:    out,
		mem:    mem,
		vfds:   make(map[uint32]*vfdRecord),
		nextID: wire.HostIDBit | 1,
		resume: make(chan struct{}),
	}
}

// Start begins serving guest requests.
func (h *Host) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.serve(ctx)
}

// Close stops the serve loop.
func (h *Host) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	h.Resume()
	h.wg.Wait()
}

// Pause makes the serve loop hold the next request unanswered until
// Resume, so tests can observe backpressure.
func (h *Host) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// Resume releases a paused serve loop.
func (h *Host) Resume() {
	h.mu.Lock()
	if h.paused {
		h.paused = false
		close(h.resume)
		h.resume = make(chan struct{})
	}
	h.mu.Unlock()
}

// SetEcho makes the host push every send's payload back at its source
// VFD after acknowledging it.
func (h *Host) SetEcho(on bool) {
	h.mu.Lock()
	h.echo = on
	h.mu.Unlock()
}

// FailNext makes the host answer the next request with the given
// response type instead of serving it.
func (h *Host) FailNext(respType uint32) {
	h.mu.Lock()
	h.failNext = respType
	h.mu.Unlock()
}

// Sent returns the guest sends observed so far.
func (h *Host) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentMessage, len(h.sent))
	copy(out, h.sent)
	return out
}

// Knows reports whether the host currently tracks the given VFD id.
func (h *Host) Knows(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.vfds[id]
	return ok
}

func (h *Host) serve(ctx context.Context) {
	defer h.wg.Done()
	for {
		s, err := h.out.HostNext(ctx)
		if err != nil {
			return
		}

		h.mu.Lock()
		paused := h.paused
		resume := h.resume
		h.mu.Unlock()
		if paused {
			select {
			case <-resume:
			case <-ctx.Done():
				return
			}
		}

		h.handle(s)
	}
}

func (h *Host) handle(s *memq.Submission) {
	hdr, err := wire.ParseHeader(s.Out)
	if err != nil {
		h.respond(s, wire.RespInvalidType)
		return
	}

	h.mu.Lock()
	fail := h.failNext
	h.failNext = 0
	h.mu.Unlock()
	if fail != 0 {
		h.respond(s, fail)
		return
	}

	switch hdr.Type {
	case wire.CmdVFDNew, wire.CmdVFDNewCtx:
		h.handleNew(s)
	case wire.CmdVFDSend:
		h.handleSend(s)
	case wire.CmdVFDClose:
		h.handleClose(s)
	default:
		pkg.LogWarn(pkg.ComponentHost, "unknown request type", "type", hdr.Type)
		h.respond(s, wire.RespInvalidType)
	}
}

// respond writes a bare response header and completes the submission.
func (h *Host) respond(s *memq.Submission, respType uint32) {
	hdr := wire.Header{Type: respType}
	if n := hdr.MarshalTo(s.In); n == 0 {
		pkg.LogError(pkg.ComponentHost, "response descriptor too small")
	}
	h.out.Complete(s, wire.HeaderSize)
}

func (h *Host) handleNew(s *memq.Submission) {
	msg, err := wire.ParseNew(s.Out)
	if err != nil {
		h.respond(s, wire.RespInvalidType)
		return
	}

	h.mu.Lock()
	if _, ok := h.vfds[msg.VFDID]; ok || msg.VFDID == 0 {
		h.mu.Unlock()
		h.respond(s, wire.RespInvalidID)
		return
	}

	rec := &vfdRecord{id: msg.VFDID, flags: msg.VFDFlags}
	if msg.Type == wire.CmdVFDNew {
		rec.size = wire.PageAlign(msg.Size)
		h.nextPFN++
		rec.pfn = h.nextPFN
	}
	h.vfds[msg.VFDID] = rec
	h.mu.Unlock()

	if rec.size > 0 && h.mem != nil {
		r, err := shm.NewSharedRegion(fmt.Sprintf("virtwl-%d", rec.id), rec.pfn, int(rec.size))
		if err == nil {
			err = h.mem.Register(r)
		}
		if err != nil {
			pkg.LogError(pkg.ComponentHost, "failed to back allocation", "err", err)
			h.mu.Lock()
			delete(h.vfds, rec.id)
			h.mu.Unlock()
			h.respond(s, wire.RespOutOfMemory)
			return
		}
	}

	resp := wire.New{
		Header:   wire.Header{Type: wire.RespVFDNew},
		VFDID:    rec.id,
		VFDFlags: rec.flags,
		PFN:      rec.pfn,
		Size:     rec.size,
	}
	resp.MarshalTo(s.In)
	h.out.Complete(s, wire.NewSize)
}

func (h *Host) handleSend(s *memq.Submission) {
	msg, err := wire.ParseSend(s.Out)
	if err != nil {
		h.respond(s, wire.RespInvalidType)
		return
	}

	h.mu.Lock()
	if _, ok := h.vfds[msg.VFDID]; !ok {
		h.mu.Unlock()
		h.respond(s, wire.RespInvalidID)
		return
	}
	rec := SentMessage{VFDID: msg.VFDID}
	for i := 0; i < int(msg.VFDCount); i++ {
		rec.IDs = append(rec.IDs, msg.HandleAt(i))
	}
	rec.Payload = append(rec.Payload, msg.Payload()...)
	h.sent = append(h.sent, rec)
	echo := h.echo
	h.mu.Unlock()

	h.respond(s, wire.RespOK)

	if echo && len(rec.Payload) > 0 {
		if err := h.PushData(rec.VFDID, rec.Payload, nil); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "echo push dropped", "err", err)
		}
	}
}

func (h *Host) handleClose(s *memq.Submission) {
	msg, err := wire.ParseClose(s.Out)
	if err != nil {
		h.respond(s, wire.RespInvalidType)
		return
	}

	h.mu.Lock()
	rec := h.vfds[msg.VFDID]
	delete(h.vfds, msg.VFDID)
	h.mu.Unlock()

	if rec != nil && rec.pfn != 0 && h.mem != nil {
		if err := h.mem.Remove(rec.pfn); err != nil {
			pkg.LogError(pkg.ComponentHost, "failed to release region", "err", err)
		}
	}
	h.respond(s, wire.RespOK)
}

// PushVFD pushes a host-allocated VFD at the guest, returning its id.
// The region backing it is registered in the memory pool. An explicit id
// (including a deliberately malformed one) can be forced for tests via
// forceID; pass 0 to auto-assign.
func (h *Host) PushVFD(size, flags, forceID uint32) (uint32, error) {
	h.mu.Lock()
	id := forceID
	if id == 0 {
		id = h.nextID
		h.nextID++
	}
	h.nextPFN++
	pfn := h.nextPFN
	size = wire.PageAlign(size)
	h.vfds[id] = &vfdRecord{id: id, flags: flags, size: size, pfn: pfn}
	h.mu.Unlock()

	unwind := func() {
		h.mu.Lock()
		delete(h.vfds, id)
		h.mu.Unlock()
		if h.mem != nil {
			h.mem.Remove(pfn)
		}
	}

	if h.mem != nil && size > 0 {
		r, err := shm.NewSharedRegion(fmt.Sprintf("virtwl-%d", id), pfn, int(size))
		if err == nil {
			err = h.mem.Register(r)
		}
		if err != nil {
			unwind()
			return 0, err
		}
	}

	s, ok := h.in.TryHostNext()
	if !ok {
		unwind()
		return 0, pkg.ErrQueueFull
	}
	msg := wire.New{
		Header:   wire.Header{Type: wire.CmdVFDNew},
		VFDID:    id,
		VFDFlags: flags,
		PFN:      pfn,
		Size:     size,
	}
	msg.MarshalTo(s.In)
	h.in.Complete(s, wire.NewSize)
	return id, nil
}

// PushData pushes payload bytes and ancillary ids at an existing guest
// VFD.
func (h *Host) PushData(dst uint32, payload []byte, ids []uint32) error {
	if wire.SendLen(len(ids), len(payload)) > wire.BufferSize {
		return pkg.ErrInvalidSize
	}
	s, ok := h.in.TryHostNext()
	if !ok {
		return pkg.ErrQueueFull
	}
	n := wire.MarshalSend(s.In, wire.CmdVFDRecv, dst, ids, payload)
	h.in.Complete(s, uint32(n))
	return nil
}
