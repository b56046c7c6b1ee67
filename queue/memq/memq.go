package memq

import (
	"context"
	"sync"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue"
)

// Queue is an in-memory queue.Queue whose peer end lives in the same
// process. The device side uses the queue.Queue methods; the host side
// pops submissions with HostNext and finishes them with Complete.
type Queue struct {
	mu      sync.Mutex
	slots   int
	free    int
	pending []*Submission
	done    []queue.Completion
	closed  bool

	ready    chan struct{} // device side: completions available
	hostWake chan struct{} // host side: submissions available
}

// Submission is one in-flight transaction as seen by the host end.
type Submission struct {
	Out []byte // Descriptor the host reads
	In  []byte // Descriptor the host writes its response into

	token any
	q     *Queue
	done  bool
}

// New creates an in-memory queue with the given slot capacity.
func New(slots int) *Queue {
	return &Queue{
		slots:    slots,
		free:     slots,
		ready:    make(chan struct{}, 1),
		hostWake: make(chan struct{}, 1),
	}
}

// Submit implements queue.Queue.
func (q *Queue) Submit(out, in []byte, token any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return pkg.ErrQueueClosed
	}
	if q.free == 0 {
		return pkg.ErrQueueFull
	}
	q.free--
	q.pending = append(q.pending, &Submission{Out: out, In: in, token: token, q: q})
	return nil
}

// Next implements queue.Queue.
func (q *Queue) Next() (queue.Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.done) == 0 {
		return queue.Completion{}, false
	}
	c := q.done[0]
	q.done = q.done[1:]
	q.free++
	return c, true
}

// FreeSlots implements queue.Queue.
func (q *Queue) FreeSlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.free
}

// Kick implements queue.Queue.
func (q *Queue) Kick() {
	select {
	case q.hostWake <- struct{}{}:
	default:
	}
}

// Ready implements queue.Queue.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close tears the queue down. Blocked HostNext calls return
// pkg.ErrQueueClosed; later submissions fail.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	// Unblock both ends.
	select {
	case q.hostWake <- struct{}{}:
	default:
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// HostNext pops the oldest submission, blocking until one is available,
// the context is cancelled, or the queue is closed.
func (q *Queue) HostNext(ctx context.Context) (*Submission, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			s := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return s, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, pkg.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.hostWake:
		}
	}
}

// TryHostNext pops the oldest submission without blocking.
func (q *Queue) TryHostNext() (*Submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	s := q.pending[0]
	q.pending = q.pending[1:]
	return s, true
}

// Complete finishes a submission with the given response length and
// signals the device end. Completing a submission twice is a no-op.
func (q *Queue) Complete(s *Submission, n uint32) {
	q.mu.Lock()
	if s.done || q.closed {
		q.mu.Unlock()
		return
	}
	s.done = true
	q.done = append(q.done, queue.Completion{Token: s.token, Len: n})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
