package memq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/virtwl/pkg"
)

func TestSubmitComplete(t *testing.T) {
	q := New(2)

	out := []byte("request")
	in := make([]byte, 8)
	if err := q.Submit(out, in, "tok"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	q.Kick()

	s, err := q.HostNext(context.Background())
	if err != nil {
		t.Fatalf("HostNext: %v", err)
	}
	if string(s.Out) != "request" {
		t.Errorf("host saw %q, want %q", s.Out, "request")
	}
	copy(s.In, "reply")
	q.Complete(s, 5)

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal after Complete")
	}

	c, ok := q.Next()
	if !ok {
		t.Fatal("Next returned no completion")
	}
	if c.Token != "tok" {
		t.Errorf("Token = %v, want tok", c.Token)
	}
	if c.Len != 5 {
		t.Errorf("Len = %d, want 5", c.Len)
	}
	if string(in[:c.Len]) != "reply" {
		t.Errorf("in = %q, want reply", in[:c.Len])
	}
}

func TestSlotAccounting(t *testing.T) {
	q := New(1)

	if got := q.FreeSlots(); got != 1 {
		t.Fatalf("FreeSlots = %d, want 1", got)
	}
	if err := q.Submit(nil, make([]byte, 4), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := q.FreeSlots(); got != 0 {
		t.Fatalf("FreeSlots after submit = %d, want 0", got)
	}

	// Full queue fails fast.
	if err := q.Submit(nil, nil, 2); !errors.Is(err, pkg.ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want %v", err, pkg.ErrQueueFull)
	}

	// Completion alone does not free the slot; reclaiming it does.
	s, _ := q.TryHostNext()
	q.Complete(s, 0)
	if got := q.FreeSlots(); got != 0 {
		t.Fatalf("FreeSlots after complete = %d, want 0", got)
	}
	if _, ok := q.Next(); !ok {
		t.Fatal("Next returned no completion")
	}
	if got := q.FreeSlots(); got != 1 {
		t.Fatalf("FreeSlots after reclaim = %d, want 1", got)
	}
}

func TestHostNextOrdering(t *testing.T) {
	q := New(4)
	for i := 0; i < 3; i++ {
		if err := q.Submit(nil, nil, i); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	for want := 0; want < 3; want++ {
		s, ok := q.TryHostNext()
		if !ok {
			t.Fatalf("TryHostNext %d: no submission", want)
		}
		if s.token != want {
			t.Errorf("submission token = %v, want %d", s.token, want)
		}
	}
}

func TestHostNextCancel(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.HostNext(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("HostNext = %v, want %v", err, context.Canceled)
		}
	case <-time.After(time.Second):
		t.Fatal("HostNext did not unblock on cancel")
	}
}

func TestClose(t *testing.T) {
	q := New(1)
	q.Close()

	if err := q.Submit(nil, nil, 0); !errors.Is(err, pkg.ErrQueueClosed) {
		t.Errorf("Submit after close = %v, want %v", err, pkg.ErrQueueClosed)
	}
	if _, err := q.HostNext(context.Background()); !errors.Is(err, pkg.ErrQueueClosed) {
		t.Errorf("HostNext after close = %v, want %v", err, pkg.ErrQueueClosed)
	}

	// Close is idempotent.
	q.Close()
}
