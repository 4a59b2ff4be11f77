//go:build unix

package routing

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// broadcastControl enables SO_BROADCAST and SO_REUSEADDR on advertisement
// sockets so a restarted peer can rebind the fixed port immediately.
func broadcastControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
