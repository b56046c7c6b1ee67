package device

import (
	"sync"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/wire"
)

// vfd is one virtual file descriptor: either a proxied connection context
// or a shared memory allocation. The table holds the canonical reference;
// fields other than dev and ready are guarded by mu.
type vfd struct {
	dev *Device

	mu      sync.Mutex
	id      uint32
	flags   uint32
	size    uint32
	pfn     uint64
	pending []*qentry
	closing bool

	// ready receives a coalesced signal when pending transitions from
	// empty to non-empty.
	ready chan struct{}
}

func newVFD(d *Device) *vfd {
	return &vfd{dev: d, ready: make(chan struct{}, 1)}
}

// qentry is one retained receive buffer, kept until both its payload
// bytes and its ancillary ids have been fully consumed.
type qentry struct {
	buf     []byte    // full message, truncated to the completed length
	msg     wire.Send // parsed prefix, aliases buf
	dataOff int       // payload bytes consumed
	vfdOff  int       // ancillary ids consumed
}

// drained reports whether both cursors have reached their declared
// bounds. Only then may the entry's transport buffer be released.
func (q *qentry) drained() bool {
	return q.dataOff >= len(q.msg.Payload()) && q.vfdOff >= int(q.msg.VFDCount)
}

// append adds a pending entry and signals readiness. Caller holds v.mu.
func (v *vfd) append(q *qentry) {
	v.pending = append(v.pending, q)
	select {
	case v.ready <- struct{}{}:
	default:
	}
}

// drainBytes copies up to len(buf) payload bytes from pending entries in
// arrival order, advancing each entry's byte cursor. Fully drained
// entries are unlinked; the caller re-arms that many transport buffers
// after dropping locks. Caller holds v.mu.
func (v *vfd) drainBytes(buf []byte) (n, freed int) {
	kept := v.pending[:0]
	for _, q := range v.pending {
		if n < len(buf) && q.msg.Type == wire.CmdVFDRecv {
			p := q.msg.Payload()
			if c := copy(buf[n:], p[q.dataOff:]); c > 0 {
				n += c
				q.dataOff += c
			}
		}
		if q.drained() {
			freed++
			continue
		}
		kept = append(kept, q)
	}
	v.pending = kept
	return n, freed
}

// drainHandles extracts up to max ancillary ids in arrival order,
// advancing each entry's id cursor. Ids the table does not recognize are
// logged and skipped, never surfaced and never revisited. Caller holds
// the table lock and v.mu, in that order.
func (v *vfd) drainHandles(max int) (ids []uint32, freed int) {
	kept := v.pending[:0]
	for _, q := range v.pending {
		if q.msg.Type == wire.CmdVFDRecv {
			for len(ids) < max && q.vfdOff < int(q.msg.VFDCount) {
				id := q.msg.HandleAt(q.vfdOff)
				q.vfdOff++
				if _, ok := v.dev.table.vfds[id]; !ok {
					pkg.LogWarn(pkg.ComponentVFD, "received vfd with unrecognized id",
						"vfd", v.id, "id", id)
					continue
				}
				ids = append(ids, id)
			}
		}
		if q.drained() {
			freed++
			continue
		}
		kept = append(kept, q)
	}
	v.pending = kept
	return ids, freed
}

// flush unlinks every pending entry and returns how many transport
// buffers must be re-armed. Caller holds v.mu.
func (v *vfd) flush() int {
	n := len(v.pending)
	v.pending = nil
	return n
}
