// Package memq implements the transport queue contract in memory, with
// both ends in the same process.
//
// The device end drives the standard queue.Queue methods. The host end
// pops submissions with HostNext (or TryHostNext), reads the outbound
// descriptor, writes its response into the inbound descriptor, and calls
// Complete. Tests and the in-process host simulator are the intended
// consumers.
package memq
