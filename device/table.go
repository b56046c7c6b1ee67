package device

import (
	"sync"

	"github.com/ardnew/virtwl/pkg"
)

// table maps VFD ids to live VFDs. It holds the canonical reference for
// every VFD on the device; guest-facing handles carry lookup keys only.
//
// Whenever the table lock and a VFD lock are both needed they are taken
// in table-then-VFD order. The single exception is creation failure
// unwinding, which drops the VFD lock before re-acquiring the pair (see
// Device.unwindNew).
type table struct {
	mu   sync.Mutex
	vfds map[uint32]*vfd
}

func newTable() *table {
	return &table{vfds: make(map[uint32]*vfd)}
}

// allocate reserves the smallest free id in [min, max) for v. Host
// pushes use an exact id by passing max = id+1.
func (t *table) allocate(min, max uint32, v *vfd) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if min+1 == max {
		if _, ok := t.vfds[min]; ok {
			return 0, pkg.ErrIDInUse
		}
		t.vfds[min] = v
		return min, nil
	}
	for id := min; id < max; id++ {
		if _, ok := t.vfds[id]; !ok {
			t.vfds[id] = v
			return id, nil
		}
	}
	return 0, pkg.ErrIDExhausted
}

// lockVFD looks id up and returns the VFD with its own lock held, or nil.
// The table lock is released before returning, so the VFD may be observed
// mid-teardown only by the goroutine performing that teardown.
func (t *table) lockVFD(id uint32) *vfd {
	t.mu.Lock()
	v := t.vfds[id]
	if v != nil {
		v.mu.Lock()
	}
	t.mu.Unlock()
	return v
}

// removeLocked deletes the mapping for id. The caller must hold t.mu and
// the VFD's lock, acquired in that order. The VFD itself is freed
// separately, after its pending queue is flushed.
func (t *table) removeLocked(id uint32) {
	delete(t.vfds, id)
}

// snapshot returns every live VFD. Used only during device teardown.
func (t *table) snapshot() []*vfd {
	t.mu.Lock()
	defer t.mu.Unlock()
	vfds := make([]*vfd, 0, len(t.vfds))
	for _, v := range t.vfds {
		vfds = append(vfds, v)
	}
	return vfds
}
