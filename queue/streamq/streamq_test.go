package streamq

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ardnew/virtwl/pkg"
)

// echoPeer answers every request by reversing its body.
func echoPeer(t *testing.T, conn net.Conn) {
	t.Helper()
	p := NewPeer(conn)
	go func() {
		for {
			req, err := p.Next()
			if err != nil {
				return
			}
			resp := make([]byte, len(req.Body))
			for i, b := range req.Body {
				resp[len(resp)-1-i] = b
			}
			if err := p.Complete(req, resp); err != nil {
				return
			}
		}
	}()
}

func waitReady(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSubmitComplete(t *testing.T) {
	c1, c2 := net.Pipe()
	q := New(c1, 4)
	defer q.Close()
	echoPeer(t, c2)

	out := []byte{1, 2, 3, 4}
	in := make([]byte, 4)
	if err := q.Submit(out, in, "tok"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitReady(t, q)

	c, ok := q.Next()
	if !ok {
		t.Fatal("Next() returned no completion")
	}
	if c.Token != "tok" {
		t.Errorf("Token = %v, want tok", c.Token)
	}
	if c.Len != 4 {
		t.Errorf("Len = %d, want 4", c.Len)
	}
	if want := []byte{4, 3, 2, 1}; !bytes.Equal(in, want) {
		t.Errorf("in = %v, want %v", in, want)
	}
}

func TestSlotExhaustion(t *testing.T) {
	c1, c2 := net.Pipe()
	q := New(c1, 1)
	defer q.Close()

	// Drain request frames without answering so the slot stays consumed.
	p := NewPeer(c2)
	go func() {
		for {
			if _, err := p.Next(); err != nil {
				return
			}
		}
	}()

	if err := q.Submit([]byte{1}, make([]byte, 1), nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := q.Submit([]byte{2}, make([]byte, 1), nil); !errors.Is(err, pkg.ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
	if got := q.FreeSlots(); got != 0 {
		t.Errorf("FreeSlots() = %d, want 0", got)
	}
}

func TestSlotReclaimedByNext(t *testing.T) {
	c1, c2 := net.Pipe()
	q := New(c1, 1)
	defer q.Close()
	echoPeer(t, c2)

	if err := q.Submit([]byte{9}, make([]byte, 1), nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitReady(t, q)

	// Completed but not reclaimed: the slot is still consumed.
	if got := q.FreeSlots(); got != 0 {
		t.Errorf("FreeSlots() before Next = %d, want 0", got)
	}
	if _, ok := q.Next(); !ok {
		t.Fatal("Next() returned no completion")
	}
	if got := q.FreeSlots(); got != 1 {
		t.Errorf("FreeSlots() after Next = %d, want 1", got)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	c1, c2 := net.Pipe()
	q := New(c1, 1)
	c2.Close()
	q.Close()

	if err := q.Submit([]byte{1}, make([]byte, 1), nil); !errors.Is(err, pkg.ErrQueueClosed) {
		t.Errorf("Submit() error = %v, want ErrQueueClosed", err)
	}
}

func TestTruncatedResponse(t *testing.T) {
	c1, c2 := net.Pipe()
	q := New(c1, 1)
	defer q.Close()

	p := NewPeer(c2)
	go func() {
		req, err := p.Next()
		if err != nil {
			return
		}
		p.Complete(req, []byte{0xAA})
	}()

	in := make([]byte, 8)
	if err := q.Submit(make([]byte, 8), in, nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitReady(t, q)

	c, ok := q.Next()
	if !ok {
		t.Fatal("Next() returned no completion")
	}
	if c.Len != 1 {
		t.Errorf("Len = %d, want 1", c.Len)
	}
	if in[0] != 0xAA {
		t.Errorf("in[0] = %#x, want 0xaa", in[0])
	}
}
