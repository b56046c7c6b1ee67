package wire

import (
	"encoding/binary"

	"github.com/ardnew/virtwl/pkg"
)

// Control message types exchanged with the host.
const (
	CmdVFDNew    = 0x100 // Allocate a shared memory VFD (or host push)
	CmdVFDClose  = 0x101 // Release a VFD
	CmdVFDSend   = 0x102 // Payload plus ancillary VFD ids, guest to host
	CmdVFDRecv   = 0x103 // Payload plus ancillary VFD ids, host to guest
	CmdVFDNewCtx = 0x104 // Allocate a connection context VFD

	RespOK          = 0x1000 // Request succeeded
	RespVFDNew      = 0x1001 // VFD created
	RespErr         = 0x1100 // Device is no longer reliable
	RespOutOfMemory = 0x1101 // Host allocation failure
	RespInvalidID   = 0x1102 // Request referenced an unknown VFD id
	RespInvalidType = 0x1103 // Request type not recognized
)

// VFD capability flags.
const (
	VFDWrite   = 0x1 // Memory region is writable by the guest
	VFDMap     = 0x2 // Memory region may be mapped into the guest
	VFDControl = 0x4 // VFD is a connection context
)

// VFD id origin markers. Host-assigned ids carry HostIDBit; no valid id
// carries IllegalIDBit.
const (
	HostIDBit    = 0x40000000
	IllegalIDBit = 0x80000000
)

// Limits.
const (
	// MaxSendHandles is the maximum number of VFD ids attached to one
	// send or recv message.
	MaxSendHandles = 28

	// MaxLocalID is the exclusive upper bound for guest-assigned VFD ids.
	MaxLocalID = 0x400

	// PageSize is the host page granularity for memory allocations.
	PageSize = 4096

	// BufferSize is the size of every transport buffer. Control messages
	// never exceed one page.
	BufferSize = PageSize
)

// Fixed layout sizes in bytes.
const (
	HeaderSize = 8  // type + flags
	CloseSize  = 12 // header + vfd_id
	NewSize    = 28 // header + vfd_id + flags + pfn + size
	SendSize   = 16 // header + vfd_id + vfd_count, before ids and payload
	RecvSize   = 16 // same layout as send
)

// PageAlign rounds size up to the next multiple of PageSize.
func PageAlign(size uint32) uint32 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// IsHostID reports whether id carries the host-origin marker and no
// illegal bits.
func IsHostID(id uint32) bool {
	return id&HostIDBit != 0 && id&IllegalIDBit == 0
}

// RespError maps a host response type to a local error. OK and VFD-new
// responses map to nil.
func RespError(typ uint32) error {
	switch typ {
	case RespOK, RespVFDNew:
		return nil
	case RespErr:
		return pkg.ErrDeviceUnreliable
	case RespOutOfMemory:
		return pkg.ErrHostNoMemory
	case RespInvalidID, RespInvalidType:
		return pkg.ErrInvalidArgument
	default:
		return pkg.ErrInvalidArgument
	}
}

// Header is the common prefix of every control message.
type Header struct {
	Type  uint32 // Message type
	Flags uint32 // Reserved, zero on the wire
}

// ParseHeader parses the common message prefix.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, pkg.ErrTruncated
	}
	return Header{
		Type:  binary.LittleEndian.Uint32(b),
		Flags: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// MarshalTo writes the header to b. Returns the number of bytes written,
// or 0 if b is too small.
func (h *Header) MarshalTo(b []byte) int {
	if len(b) < HeaderSize {
		return 0
	}
	binary.LittleEndian.PutUint32(b, h.Type)
	binary.LittleEndian.PutUint32(b[4:], h.Flags)
	return HeaderSize
}

// New is the allocation message. It travels guest to host for new
// contexts and allocations, host to guest for pushed VFDs, and carries
// the host's acknowledgment for both (the host rewrites type, size, pfn,
// and flags in place).
type New struct {
	Header
	VFDID    uint32 // Identifier of the new VFD
	VFDFlags uint32 // Capability flags granted
	PFN      uint64 // Base offset of the backing region, page frames
	Size     uint32 // Region size in bytes
}

// ParseNew parses an allocation message.
func ParseNew(b []byte) (New, error) {
	if len(b) < NewSize {
		return New{}, pkg.ErrTruncated
	}
	hdr, _ := ParseHeader(b)
	return New{
		Header:   hdr,
		VFDID:    binary.LittleEndian.Uint32(b[8:]),
		VFDFlags: binary.LittleEndian.Uint32(b[12:]),
		PFN:      binary.LittleEndian.Uint64(b[16:]),
		Size:     binary.LittleEndian.Uint32(b[24:]),
	}, nil
}

// MarshalTo writes the allocation message to b. Returns the number of
// bytes written, or 0 if b is too small.
func (m *New) MarshalTo(b []byte) int {
	if len(b) < NewSize {
		return 0
	}
	m.Header.MarshalTo(b)
	binary.LittleEndian.PutUint32(b[8:], m.VFDID)
	binary.LittleEndian.PutUint32(b[12:], m.VFDFlags)
	binary.LittleEndian.PutUint64(b[16:], m.PFN)
	binary.LittleEndian.PutUint32(b[24:], m.Size)
	return NewSize
}

// Close is the release message. The host acknowledges by rewriting the
// header in place.
type Close struct {
	Header
	VFDID uint32 // Identifier of the VFD going away
}

// ParseClose parses a release message.
func ParseClose(b []byte) (Close, error) {
	if len(b) < CloseSize {
		return Close{}, pkg.ErrTruncated
	}
	hdr, _ := ParseHeader(b)
	return Close{Header: hdr, VFDID: binary.LittleEndian.Uint32(b[8:])}, nil
}

// MarshalTo writes the release message to b. Returns the number of bytes
// written, or 0 if b is too small.
func (m *Close) MarshalTo(b []byte) int {
	if len(b) < CloseSize {
		return 0
	}
	m.Header.MarshalTo(b)
	binary.LittleEndian.PutUint32(b[8:], m.VFDID)
	return CloseSize
}

// Send is the data message layout shared by CmdVFDSend and CmdVFDRecv:
// a fixed prefix followed by VFDCount little-endian ids and then payload
// bytes. Send values returned by ParseSend alias the buffer they were
// parsed from.
type Send struct {
	Header
	VFDID    uint32 // Source or destination VFD
	VFDCount uint32 // Number of ancillary ids

	buf []byte // full message including ids and payload
}

// SendLen returns the total wire length of a send or recv message with
// the given id count and payload length.
func SendLen(ids, payload int) int {
	return SendSize + 4*ids + payload
}

// ParseSend parses a send or recv message. The returned value aliases b;
// b must span the whole message.
func ParseSend(b []byte) (Send, error) {
	if len(b) < SendSize {
		return Send{}, pkg.ErrTruncated
	}
	hdr, _ := ParseHeader(b)
	m := Send{
		Header:   hdr,
		VFDID:    binary.LittleEndian.Uint32(b[8:]),
		VFDCount: binary.LittleEndian.Uint32(b[12:]),
		buf:      b,
	}
	// Bound the count in uint64 space so a hostile value cannot overflow
	// the id-run length on 32-bit targets.
	if uint64(m.VFDCount) > uint64(len(b)-SendSize)/4 {
		return Send{}, pkg.ErrTruncated
	}
	return m, nil
}

// MarshalSend writes a complete send message to b and returns its total
// length, or 0 if b is too small.
func MarshalSend(b []byte, typ, vfdID uint32, ids []uint32, payload []byte) int {
	total := SendLen(len(ids), len(payload))
	if len(b) < total {
		return 0
	}
	hdr := Header{Type: typ}
	hdr.MarshalTo(b)
	binary.LittleEndian.PutUint32(b[8:], vfdID)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(b[SendSize+4*i:], id)
	}
	copy(b[SendSize+4*len(ids):], payload)
	return total
}

// HandleAt returns the i'th ancillary id. The caller must keep
// i < VFDCount.
func (m *Send) HandleAt(i int) uint32 {
	return binary.LittleEndian.Uint32(m.buf[SendSize+4*i:])
}

// Payload returns the payload bytes following the ancillary ids.
func (m *Send) Payload() []byte {
	return m.buf[SendSize+4*int(m.VFDCount):]
}
