// Package shm manages the host-exposed memory regions backing mappable
// VFDs.
//
// Each region is identified by an opaque page frame base carried in the
// host's allocation acknowledgment. The device resolves a VFD's base
// through a Pool when asked to map it, and returns a slice aliasing the
// region directly. On Linux, regions can be backed by memfd mappings so
// their pages are shareable across processes; elsewhere a heap-backed
// fallback is used.
package shm
