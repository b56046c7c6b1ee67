//go:build !linux

package shm

// NewSharedRegion falls back to a heap-backed region on platforms without
// memfd support. name is ignored.
func NewSharedRegion(name string, pfn uint64, size int) (*Region, error) {
	return NewHeapRegion(pfn, size), nil
}
