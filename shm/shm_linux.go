//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ardnew/virtwl/pkg"
)

// NewSharedRegion creates a region backed by an anonymous memfd mapping,
// so its pages can also be handed to another process. name is a debugging
// label only.
func NewSharedRegion(name string, pfn uint64, size int) (*Region, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	pkg.LogDebug(pkg.ComponentShm, "shared region created",
		"name", name, "pfn", pfn, "size", size)

	return &Region{
		pfn:   pfn,
		bytes: b,
		close: func() error {
			merr := unix.Munmap(b)
			cerr := unix.Close(fd)
			if merr != nil {
				return merr
			}
			return cerr
		},
	}, nil
}
