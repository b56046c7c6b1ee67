// Package queue defines the transport boundary consumed by the device
// engine: a capacity-bounded submission/completion channel shared with the
// host.
//
// The engine never sees ring buffers or descriptor tables; it submits an
// outbound descriptor the peer reads paired with an inbound descriptor the
// peer writes, and later reclaims a completion carrying the token it
// supplied. Two implementations ship with this module: an in-memory pair
// (package memq) for tests and in-process hosts, and a stream-framed
// adapter (package streamq) that carries the same contract across a socket
// to a remote backend.
package queue
