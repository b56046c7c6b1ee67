package queue

// Completion reports one finished submission.
type Completion struct {
	Token any    // Cookie passed to Submit
	Len   uint32 // Bytes the peer wrote into the inbound descriptor
}

// Queue is one direction of the capacity-bounded, asynchronously completed
// channel shared with the host. Implementations transport descriptor pairs
// to a peer and surface completions as the peer finishes them.
//
// A slot is consumed by Submit and recovered when the matching completion
// is reclaimed with Next. All methods are safe for concurrent use unless
// noted otherwise.
type Queue interface {
	// Submit enqueues a transaction. The peer reads out and writes its
	// response into in; either descriptor may be nil. token is returned
	// verbatim with the completion. Submit never blocks: it returns
	// pkg.ErrQueueFull when no slot is free and pkg.ErrQueueClosed after
	// teardown.
	Submit(out, in []byte, token any) error

	// Next reclaims the next completion. ok is false when none is
	// pending. Reclaiming a completion frees its slot.
	Next() (c Completion, ok bool)

	// FreeSlots reports the current number of free submission slots.
	FreeSlots() int

	// Kick signals the peer that new submissions are ready to be read.
	Kick()

	// Ready returns a channel that receives a (coalesced) signal whenever
	// new completions may be available.
	Ready() <-chan struct{}
}
