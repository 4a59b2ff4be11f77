//go:build !linux

package direct

import "syscall"

// DeviceBinder is a no-op outside Linux; the kernel picks the interface.
type DeviceBinder struct{}

func (DeviceBinder) BindControl(string) func(network, address string, c syscall.RawConn) error {
	return nil
}
