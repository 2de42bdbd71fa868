package listener

import (
	"fmt"
	"net"
	"syscall"
)

// enableBroadcast sets SO_BROADCAST on conn so a reply addressed to the
// limited broadcast address (255.255.255.255) actually leaves the
// interface; Go's net package does not set this by default on a
// ListenPacket("udp4", ...) socket, and DHCP replies to a client that
// has not yet configured an address rely on it (RFC 2131 §4.1).
func enableBroadcast(conn net.PacketConn) error {
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	rawConn, err := udpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
