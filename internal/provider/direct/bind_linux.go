//go:build linux

package direct

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// DeviceBinder implements provider.InterfaceBinder using SO_BINDTODEVICE.
type DeviceBinder struct{}

// BindControl returns a net.Dialer.Control function that forces outgoing
// connections through the named interface.
func (DeviceBinder) BindControl(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if setErr != nil {
			return fmt.Errorf("SO_BINDTODEVICE %s: %w", iface, setErr)
		}
		return nil
	}
}
