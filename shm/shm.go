package shm

import (
	"fmt"
	"sync"

	"github.com/ardnew/virtwl/pkg"
)

// Region is one host-exposed memory range, identified by its page frame
// base. Mapping a VFD aliases the region's bytes directly; no copies are
// made.
type Region struct {
	pfn   uint64
	bytes []byte
	close func() error
}

// PFN returns the region's page frame base.
func (r *Region) PFN() uint64 { return r.pfn }

// Bytes returns the region's backing bytes.
func (r *Region) Bytes() []byte { return r.bytes }

// Size returns the region's length in bytes.
func (r *Region) Size() int { return len(r.bytes) }

// Close releases the backing storage. The region's bytes must not be used
// afterwards.
func (r *Region) Close() error {
	if r.close == nil {
		return nil
	}
	err := r.close()
	r.close = nil
	r.bytes = nil
	return err
}

// NewHeapRegion creates a region backed by ordinary heap memory.
func NewHeapRegion(pfn uint64, size int) *Region {
	return &Region{pfn: pfn, bytes: make([]byte, size)}
}

// Pool resolves page frame bases to regions. The device consults the pool
// when a VFD is mapped; whoever simulates or fronts the host registers
// regions as it allocates them.
type Pool struct {
	mu      sync.Mutex
	regions map[uint64]*Region
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{regions: make(map[uint64]*Region)}
}

// Register adds a region to the pool. Registering a page frame base twice
// is an error.
func (p *Pool) Register(r *Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.regions[r.pfn]; ok {
		return fmt.Errorf("register region pfn %#x: %w", r.pfn, pkg.ErrIDInUse)
	}
	p.regions[r.pfn] = r
	return nil
}

// Lookup returns the region with the given page frame base, or nil.
func (p *Pool) Lookup(pfn uint64) *Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regions[pfn]
}

// Remove unlinks and closes the region with the given page frame base.
func (p *Pool) Remove(pfn uint64) error {
	p.mu.Lock()
	r, ok := p.regions[pfn]
	delete(p.regions, pfn)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Close releases every region in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	regions := p.regions
	p.regions = make(map[uint64]*Region)
	p.mu.Unlock()

	var lastErr error
	for _, r := range regions {
		if err := r.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
