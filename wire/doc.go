// Package wire defines the control message byte contract exchanged with
// the host over the transport queues.
//
// Every message begins with an 8-byte header carrying a type tag. The host
// acknowledges guest requests by rewriting the request buffer in place, so
// the same layouts serve both directions. All integers are little-endian.
//
// Message layouts are fixed C-style structs followed, for send and recv
// messages, by a run of 32-bit VFD ids and then raw payload bytes. The
// payload is opaque: this device proxies the display-server protocol
// without interpreting it.
package wire
