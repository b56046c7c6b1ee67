package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// splitVsockAddr parses a "cid:port" address.
func splitVsockAddr(addr string) (uint32, uint32, error) {
	cidStr, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock address %q: want cid:port", addr)
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock cid %q: %w", cidStr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port %q: %w", portStr, err)
	}
	return uint32(cid), uint32(port), nil
}

// dial opens a stream to addr on the given network (tcp, unix, or
// vsock; vsock addresses are cid:port).
func dial(network, addr string) (net.Conn, error) {
	switch network {
	case "vsock":
		cid, port, err := splitVsockAddr(addr)
		if err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	case "tcp", "unix":
		return net.Dial(network, addr)
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// listen opens a listener on the given network. vsock addresses name
// only the port (the local cid is implicit).
func listen(network, addr string) (net.Listener, error) {
	switch network {
	case "vsock":
		port, err := strconv.ParseUint(addr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %w", addr, err)
		}
		return vsock.Listen(uint32(port), nil)
	case "tcp", "unix":
		return net.Listen(network, addr)
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
