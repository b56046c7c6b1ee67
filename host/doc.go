// Package host is an in-process stand-in for the host side of the
// virtwl transport. It serves allocation, send, and close requests from
// a device over a pair of memq queues, backs shared memory allocations
// with real regions, and can push data and VFDs at the guest. It exists
// for tests and examples; a production guest talks to a real virtual
// machine monitor instead.
package host
