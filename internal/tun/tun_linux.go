//go:build linux

package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Device is a Linux TUN interface carrying bare IPv4 packets (no packet
// information header).
type Device struct {
	name string
	mtu  int
	file *os.File
}

// Open attaches to (or creates) the TUN interface name. The fd is made
// non-blocking so Close unblocks a pending ReadPacket.
func Open(name string, mtu int) (*Device, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("[TUN] open %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[TUN] interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[TUN] TUNSETIFF %s: %w", name, err)
	}

	// Set non-blocking for Go runtime poller integration (epoll).
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[TUN] set nonblock: %w", err)
	}

	d := &Device{name: ifr.Name(), mtu: mtu, file: os.NewFile(uintptr(fd), cloneDevice)}
	tunLog.Infof("TUN device %s opened (mtu=%d)", d.name, mtu)
	return d, nil
}

// Name returns the kernel interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the configured MTU.
func (d *Device) MTU() int { return d.mtu }

// ReadPacket reads one IPv4 packet into buf.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	return d.file.Read(buf)
}

// WritePacket writes one IPv4 packet. Safe for concurrent use.
func (d *Device) WritePacket(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}
	_, err := d.file.Write(pkt)
	return err
}

// Close releases the device.
func (d *Device) Close() error {
	return d.file.Close()
}
