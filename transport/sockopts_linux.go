//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneUDPSocket enlarges the kernel receive/send buffers on the bound UDP
// socket so a burst of retransmitted requests from many peers does not
// overflow the default buffer before the channel's drive() loop drains it.
// Mirrors the OS-specific-file split the rest of this corpus uses for
// socket introspection (one file per platform, a no-op fallback
// elsewhere).
func tuneUDPSocket(pc net.PacketConn) {
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		return
	}
	sc, err := udpConn.SyscallConn()
	if err != nil {
		return
	}
	const bufSize = 1 << 20 // 1 MiB
	_ = sc.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize)
	})
}
