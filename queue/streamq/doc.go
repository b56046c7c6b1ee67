// Package streamq carries the queue.Queue transport over an ordinary
// byte stream. Submissions travel as tagged frames and completions come
// back tagged the same way, so a TCP, unix, or vsock connection can
// stand in for a shared-memory virtqueue. The Peer type implements the
// far end for endpoints that answer in the same process.
package streamq
