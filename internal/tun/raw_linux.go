//go:build linux

package tun

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// RawListener receives inbound TCP segments (with their IPv4 header) that
// the kernel delivers to this host and yields those addressed to one IP.
type RawListener struct {
	dst  netip.Addr
	file *os.File
}

// ListenRaw opens an AF_INET/SOCK_RAW/IPPROTO_TCP socket filtered to dst.
func ListenRaw(dst netip.Addr) (*RawListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("[TUN] raw socket: %w", err)
	}
	tunLog.Infof("Raw listener open for %s", dst)
	return &RawListener{dst: dst, file: os.NewFile(uintptr(fd), "raw-tcp")}, nil
}

// ReadPacket blocks until a packet for the listener's IP arrives.
func (l *RawListener) ReadPacket(buf []byte) (int, error) {
	for {
		n, err := l.file.Read(buf)
		if err != nil {
			return 0, err
		}
		if addressedTo(buf[:n], l.dst) {
			return n, nil
		}
	}
}

// Close releases the socket and unblocks ReadPacket.
func (l *RawListener) Close() error {
	return l.file.Close()
}

// RawSender writes complete IPv4 packets (IP_HDRINCL) out of a named
// interface. One socket is kept per interface.
type RawSender struct {
	mu  sync.Mutex
	fds map[string]int
}

// NewRawSender returns a sender with no sockets open yet.
func NewRawSender() *RawSender {
	return &RawSender{fds: make(map[string]int)}
}

func (s *RawSender) socket(iface string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd, ok := s.fds[iface]; ok {
		return fd, nil
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, fmt.Errorf("[TUN] raw send socket: %w", err)
	}
	if iface != "" {
		if err := unix.BindToDevice(fd, iface); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("[TUN] SO_BINDTODEVICE %s: %w", iface, err)
		}
	}
	s.fds[iface] = fd
	return fd, nil
}

// Send emits pkt on iface towards its IPv4 destination.
func (s *RawSender) Send(pkt []byte, iface string) error {
	dst, err := destination(pkt)
	if err != nil {
		return err
	}
	fd, err := s.socket(iface)
	if err != nil {
		return err
	}
	return unix.Sendto(fd, pkt, 0, &unix.SockaddrInet4{Addr: dst.As4()})
}

// Close releases every socket.
func (s *RawSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for iface, fd := range s.fds {
		unix.Close(fd)
		delete(s.fds, iface)
	}
	return nil
}
