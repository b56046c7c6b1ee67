package streamq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ardnew/virtwl/pkg"
	"github.com/ardnew/virtwl/queue"
)

// Frame kinds.
const (
	frameSubmit   = 1 // device to peer: request descriptor
	frameComplete = 2 // peer to device: response descriptor
)

const (
	frameMagic   = 0x564c // "VL"
	frameVersion = 1

	// frameHeaderSize is magic + version/kind + tag + length.
	frameHeaderSize = 12
)

// frameHeader prefixes every frame on the stream.
type frameHeader struct {
	Kind   uint8
	Tag    uint32
	Length uint32
}

func writeFrame(w *bufio.Writer, hdr frameHeader, body []byte) error {
	var buf [frameHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:], frameMagic)
	buf[2] = frameVersion
	buf[3] = hdr.Kind
	binary.BigEndian.PutUint32(buf[4:], hdr.Tag)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(body)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (frameHeader, []byte, error) {
	var buf [frameHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, nil, err
	}
	if binary.BigEndian.Uint16(buf[0:]) != frameMagic || buf[2] != frameVersion {
		return frameHeader{}, nil, fmt.Errorf("frame header: %w", pkg.ErrInvalidType)
	}
	hdr := frameHeader{
		Kind:   buf[3],
		Tag:    binary.BigEndian.Uint32(buf[4:]),
		Length: binary.BigEndian.Uint32(buf[8:]),
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frameHeader{}, nil, err
	}
	return hdr, body, nil
}

// slot is one in-flight transaction on the device side.
type slot struct {
	in    []byte
	token any
}

// Queue is a queue.Queue carried over a byte stream. Each submission
// goes out as a tagged frame; the peer answers with a completion frame
// carrying the same tag, whose body is copied into the submission's
// receive descriptor. Slot accounting mirrors the in-memory transport:
// a slot is consumed by Submit and reclaimed by Next.
type Queue struct {
	conn net.Conn

	mu       sync.Mutex
	slots    int
	free     int
	nextTag  uint32
	inflight map[uint32]slot
	done     []queue.Completion
	closed   bool

	wr    *bufio.Writer
	wrMu  sync.Mutex
	ready chan struct{}

	closeOnce sync.Once
	rdDone    chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// New creates a stream-backed queue with the given slot capacity and
// starts its reader.
func New(conn net.Conn, slots int) *Queue {
	q := &Queue{
		conn:     conn,
		slots:    slots,
		free:     slots,
		inflight: make(map[uint32]slot),
		wr:       bufio.NewWriter(conn),
		ready:    make(chan struct{}, 1),
		rdDone:   make(chan struct{}),
	}
	go q.readLoop()
	return q
}

// Submit implements queue.Queue. The frame write happens inline; a slow
// peer shows up as stream backpressure, not as a blocked queue.
func (q *Queue) Submit(out, in []byte, token any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pkg.ErrQueueClosed
	}
	if q.free == 0 {
		q.mu.Unlock()
		return pkg.ErrQueueFull
	}
	q.free--
	q.nextTag++
	tag := q.nextTag
	q.inflight[tag] = slot{in: in, token: token}
	q.mu.Unlock()

	q.wrMu.Lock()
	err := writeFrame(q.wr, frameHeader{Kind: frameSubmit, Tag: tag}, out)
	q.wrMu.Unlock()
	if err != nil {
		q.mu.Lock()
		delete(q.inflight, tag)
		q.free++
		q.mu.Unlock()
		return fmt.Errorf("submit frame: %w", err)
	}
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

// Kick implements queue.Queue. Frames are flushed as they are written,
// so there is nothing to do.
func (q *Queue) Kick() {}

// Ready implements queue.Queue.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close shuts the stream down and unblocks the reader.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		err = q.conn.Close()
		<-q.rdDone
		select {
		case q.ready <- struct{}{}:
		default:
		}
	})
	return err
}

func (q *Queue) readLoop() {
	defer close(q.rdDone)
	rd := bufio.NewReader(q.conn)
	for {
		hdr, body, err := readFrame(rd)
		if err != nil {
			q.mu.Lock()
			closed := q.closed
			q.closed = true
			q.mu.Unlock()
			if !closed {
				pkg.LogError(pkg.ComponentQueue, "stream read failed", "err", err)
			}
			select {
			case q.ready <- struct{}{}:
			default:
			}
			return
		}
		if hdr.Kind != frameComplete {
			pkg.LogWarn(pkg.ComponentQueue, "unexpected frame kind", "kind", hdr.Kind)
			continue
		}

		q.mu.Lock()
		s, ok := q.inflight[hdr.Tag]
		if !ok {
			q.mu.Unlock()
			pkg.LogWarn(pkg.ComponentQueue, "completion for unknown tag", "tag", hdr.Tag)
			continue
		}
		delete(q.inflight, hdr.Tag)
		n := copy(s.in, body)
		q.done = append(q.done, queue.Completion{Token: s.token, Len: uint32(n)})
		q.mu.Unlock()

		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
}

// Peer is the far end of a stream queue: it pops tagged requests and
// answers them. The probe command and tests use it to stand in for a
// remote host endpoint.
type Peer struct {
	conn net.Conn
	rd   *bufio.Reader
	wrMu sync.Mutex
	wr   *bufio.Writer
}

// NewPeer wraps the peer end of a stream queue connection.
func NewPeer(conn net.Conn) *Peer {
	return &Peer{conn: conn, rd: bufio.NewReader(conn), wr: bufio.NewWriter(conn)}
}

// Request is one submission popped from the stream.
type Request struct {
	Tag  uint32
	Body []byte
}

// Next blocks for the next request frame.
func (p *Peer) Next() (Request, error) {
	for {
		hdr, body, err := readFrame(p.rd)
		if err != nil {
			return Request{}, err
		}
		if hdr.Kind != frameSubmit {
			pkg.LogWarn(pkg.ComponentQueue, "unexpected frame kind", "kind", hdr.Kind)
			continue
		}
		return Request{Tag: hdr.Tag, Body: body}, nil
	}
}

// Complete answers the request with the given response bytes.
func (p *Peer) Complete(req Request, body []byte) error {
	p.wrMu.Lock()
	defer p.wrMu.Unlock()
	return writeFrame(p.wr, frameHeader{Kind: frameComplete, Tag: req.Tag}, body)
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}
