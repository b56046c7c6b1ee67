package pkg

import "errors"

// Virtio wayland proxy errors.
var (
	// ErrAgain indicates the transport has no free slot and the caller
	// requested nonblocking submission.
	ErrAgain = errors.New("transport busy, try again")

	// ErrBusy indicates a blocking submission timed out waiting for a
	// transport slot.
	ErrBusy = errors.New("transport slot wait timed out")

	// ErrDeviceUnreliable indicates the host reported a generic device
	// error. The device should be considered unreliable from now on.
	ErrDeviceUnreliable = errors.New("device unreliable")

	// ErrHostNoMemory indicates the host could not satisfy an allocation.
	ErrHostNoMemory = errors.New("host out of memory")

	// ErrInvalidArgument indicates the host rejected a request as
	// malformed (unknown id or unknown type).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosedHandle indicates an operation on a handle whose VFD has
	// been removed from the device.
	ErrClosedHandle = errors.New("handle is closed")

	// ErrForeignHandle indicates a send referenced a handle that does not
	// belong to this device.
	ErrForeignHandle = errors.New("handle not owned by this device")

	// ErrTooManyHandles indicates a send attached more handles than the
	// per-message maximum.
	ErrTooManyHandles = errors.New("too many attached handles")

	// ErrIDExhausted indicates the requested identifier range has no free
	// slot left.
	ErrIDExhausted = errors.New("vfd id space exhausted")

	// ErrIDInUse indicates the exact requested identifier is occupied.
	ErrIDInUse = errors.New("vfd id already in use")

	// ErrNotMappable indicates a map request on a VFD without the map
	// capability.
	ErrNotMappable = errors.New("vfd not mappable")

	// ErrReadOnly indicates a writable map request on a VFD without the
	// write capability.
	ErrReadOnly = errors.New("vfd not writable")

	// ErrMapRange indicates a map request beyond the page-aligned size of
	// the VFD.
	ErrMapRange = errors.New("map range out of bounds")

	// ErrNoRegion indicates the VFD's backing region is not registered
	// with the device's memory pool.
	ErrNoRegion = errors.New("no backing memory region")

	// ErrInvalidType indicates an unrecognized allocation type.
	ErrInvalidType = errors.New("invalid vfd type")

	// ErrInvalidSize indicates an invalid allocation size.
	ErrInvalidSize = errors.New("invalid allocation size")

	// ErrTruncated indicates a control message shorter than its declared
	// layout.
	ErrTruncated = errors.New("control message truncated")

	// ErrDeviceClosed indicates the device has been shut down.
	ErrDeviceClosed = errors.New("device closed")

	// ErrQueueFull indicates a transport submission with no free slot.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueClosed indicates a submission to a torn-down transport.
	ErrQueueClosed = errors.New("queue closed")
)
