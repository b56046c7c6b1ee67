package device

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ardnew/virtwl/host"
	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue/memq"
	"github.com/ardnew/virtwl/shm"
	"github.com/ardnew/virtwl/wire"
)

func TestMapAllocation(t *testing.T) {
	r := newRig(t, 4, 0)

	// 10 bytes requested, one page granted.
	alloc, err := r.dev.NewAlloc(10, false)
	if err != nil {
		t.Fatalf("NewAlloc() error = %v", err)
	}

	mem, err := alloc.Map(0, wire.PageSize, true)
	if err != nil {
		t.Fatalf("Map(0, %d) error = %v", wire.PageSize, err)
	}
	if len(mem) != wire.PageSize {
		t.Fatalf("Map() length = %d, want %d", len(mem), wire.PageSize)
	}

	// The slice aliases the region: writes land in the shared backing.
	copy(mem, []byte("surface"))
	again, err := alloc.Map(0, 7, false)
	if err != nil {
		t.Fatalf("Map(0, 7) error = %v", err)
	}
	if string(again) != "surface" {
		t.Errorf("second mapping = %q, want %q", again, "surface")
	}
}

func TestMapRange(t *testing.T) {
	r := newRig(t, 4, 0)

	alloc, err := r.dev.NewAlloc(10, false)
	if err != nil {
		t.Fatalf("NewAlloc() error = %v", err)
	}

	tests := []struct {
		name           string
		offset, length uint64
		want           error
	}{
		{"whole page", 0, wire.PageSize, nil},
		{"interior", 100, 200, nil},
		{"beyond size", 0, 2 * wire.PageSize, pkg.ErrMapRange},
		{"offset past end", wire.PageSize, 1, pkg.ErrMapRange},
		{"offset overflow", math.MaxUint64, 2, pkg.ErrMapRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alloc.Map(tt.offset, tt.length, true)
			if !errors.Is(err, tt.want) {
				t.Errorf("Map(%d, %d) error = %v, want %v", tt.offset, tt.length, err, tt.want)
			}
		})
	}
}

func TestMapContextNotMappable(t *testing.T) {
	r := newRig(t, 4, 0)

	ctx, err := r.dev.NewContext(false)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	if _, err := ctx.Map(0, wire.PageSize, false); !errors.Is(err, pkg.ErrNotMappable) {
		t.Errorf("Map() error = %v, want ErrNotMappable", err)
	}
}

func TestMapReadOnlyVFD(t *testing.T) {
	r := newRig(t, 4, 0)

	h, err := r.dev.NewContext(false)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	id, err := r.host.PushVFD(4096, wire.VFDMap, 0)
	if err != nil {
		t.Fatalf("PushVFD() error = %v", err)
	}
	if err := r.host.PushData(h.ID(), []byte("m"), []uint32{id}); err != nil {
		t.Fatalf("PushData() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, handles, err := h.Recv(ctx, make([]byte, 8), 1)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("Recv() handles = %v, want one", handles)
	}

	if _, err := handles[0].Map(0, 4096, true); !errors.Is(err, pkg.ErrReadOnly) {
		t.Errorf("Map(write) error = %v, want ErrReadOnly", err)
	}
	if _, err := handles[0].Map(0, 4096, false); err != nil {
		t.Errorf("Map(read) error = %v", err)
	}
}

func TestMapWithoutPool(t *testing.T) {
	pool := shm.NewPool()
	in := memq.New(4)
	out := memq.New(4)
	h := host.New(in, out, pool)
	h.Start()

	// The device has no view of the memory pool.
	dev, err := New(Config{In: in, Out: out})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		dev.Close()
		h.Close()
		in.Close()
		out.Close()
		pool.Close()
	})

	alloc, err := dev.NewAlloc(4096, false)
	if err != nil {
		t.Fatalf("NewAlloc() error = %v", err)
	}
	if _, err := alloc.Map(0, 4096, true); !errors.Is(err, pkg.ErrNoRegion) {
		t.Errorf("Map() error = %v, want ErrNoRegion", err)
	}
}
