package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue"
	"github.com/ardnew/virtwl/shm"
	"github.com/ardnew/virtwl/wire"
)

// DefaultSubmitTimeout bounds how long a blocking submission waits for a
// transport slot before reporting pkg.ErrBusy.
const DefaultSubmitTimeout = time.Second

// Config carries the collaborators a Device needs. In and Out are
// required; the Device does not own their lifecycle.
type Config struct {
	// In is the receive queue: the device keeps it filled with page
	// buffers the host writes pushed messages into.
	In queue.Queue

	// Out is the request queue carrying guest transactions to the host.
	Out queue.Queue

	// Mem resolves the page frame bases named in host acknowledgments.
	// Optional; without it every map attempt fails.
	Mem *shm.Pool

	// SubmitTimeout overrides DefaultSubmitTimeout when positive.
	SubmitTimeout time.Duration
}

// Device is the engine proxying display-server protocol bytes and VFD
// handles between the guest and the host.
type Device struct {
	in, out queue.Queue
	mem     *shm.Pool
	timeout time.Duration

	table *table

	// Per-direction transport locks. Never acquired while holding a VFD
	// lock.
	inMu  sync.Mutex
	outMu sync.Mutex

	// FIFO waiters for a free outbound slot.
	waitMu  sync.Mutex
	waiters []chan struct{}

	// failed latches once the host reports the device unreliable; every
	// later submission fails fast without a roundtrip.
	failed atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// inbuf is the completion token for receive buffers.
type inbuf struct {
	data []byte
}

// New creates a device over the given queues, fills the receive queue
// with buffers, and starts the two completion workers.
func New(cfg Config) (*Device, error) {
	if cfg.In == nil || cfg.Out == nil {
		return nil, fmt.Errorf("device requires both queues: %w", pkg.ErrInvalidArgument)
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}

	d := &Device{
		in:      cfg.In,
		out:     cfg.Out,
		mem:     cfg.Mem,
		timeout: timeout,
		table:   newTable(),
		done:    make(chan struct{}),
	}

	d.rearmInbufs(d.in.FreeSlots())
	d.in.Kick()

	d.wg.Add(2)
	go d.inWorker()
	go d.outWorker()

	pkg.LogDebug(pkg.ComponentDevice, "device started")
	return d, nil
}

// rearmInbufs submits n fresh page buffers to the receive queue. The
// caller kicks the queue afterwards.
func (d *Device) rearmInbufs(n int) {
	d.inMu.Lock()
	defer d.inMu.Unlock()
	for i := 0; i < n; i++ {
		b := make([]byte, wire.BufferSize)
		if err := d.in.Submit(nil, b, &inbuf{data: b}); err != nil {
			pkg.LogError(pkg.ComponentDevice, "failed to give buffer to host", "err", err)
			return
		}
	}
}

// Close stops the workers, fails in-flight transactions and slot
// waiters, and tears down every VFD without host roundtrips. The queues
// themselves belong to the caller.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		for _, v := range d.table.snapshot() {
			d.table.mu.Lock()
			v.mu.Lock()
			d.table.removeLocked(v.id)
			d.table.mu.Unlock()
			v.closing = true
			v.flush()
			v.mu.Unlock()
		}

		pkg.LogDebug(pkg.ComponentDevice, "device closed")
	})
	return nil
}

// Readiness reports handle poll status.
type Readiness uint8

// Readiness flags.
const (
	ReadReady  Readiness = 1 << iota // Pending queue is non-empty
	WriteReady                       // Outbound queue has a free slot
)

// NewContext requests a fresh connection context from the host. With
// nonblock set, slot exhaustion reports pkg.ErrAgain instead of waiting.
func (d *Device) NewContext(nonblock bool) (*Handle, error) {
	return d.newRoundTrip(wire.CmdVFDNewCtx, wire.VFDControl, 0, nonblock)
}

// NewAlloc requests a shared memory allocation of at least size bytes,
// rounded up to the host page granularity.
func (d *Device) NewAlloc(size uint32, nonblock bool) (*Handle, error) {
	if size == 0 {
		return nil, pkg.ErrInvalidSize
	}
	return d.newRoundTrip(wire.CmdVFDNew, wire.VFDWrite|wire.VFDMap, wire.PageAlign(size), nonblock)
}
