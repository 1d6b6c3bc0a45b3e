//go:build !linux

package transport

import "net"

// tuneUDPSocket is a no-op outside Linux; the platform's default socket
// buffer sizing is used instead.
func tuneUDPSocket(pc net.PacketConn) {}
