// Package socks5test runs a scripted in-process SOCKS5 server that records
// every byte a client sends.
package socks5test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// Options script the server's replies.
type Options struct {
	// Method is the second byte of the method-selection reply (0x00 = accept).
	Method byte
	// Reply is the REP field of the CONNECT reply (0x00 = succeeded).
	Reply byte
	// Handler serves the tunnel after a successful CONNECT. The default
	// echoes every read back prefixed with "echo:".
	Handler func(conn net.Conn)
}

// Server is a single-listener SOCKS5 server for tests.
type Server struct {
	Addr string

	opts Options
	ln   net.Listener
	wg   sync.WaitGroup

	mu       sync.Mutex
	received []*bytes.Buffer
	targets  []netip.AddrPort
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends.
func NewServer(tb testing.TB, opts Options) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("socks5test: listen: %v", err)
	}
	if opts.Handler == nil {
		opts.Handler = Echo
	}
	s := &Server{Addr: ln.Addr().String(), opts: opts, ln: ln}
	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Close stops accepting and waits for open sessions.
func (s *Server) Close() {
	s.ln.Close()
	s.wg.Wait()
}

// Conns returns how many client connections were accepted.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// Received returns every byte connection i sent, handshake included.
func (s *Server) Received(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.received) {
		return nil
	}
	return append([]byte(nil), s.received[i].Bytes()...)
}

// Targets returns the CONNECT destinations requested so far.
func (s *Server) Targets() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.AddrPort(nil), s.targets...)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		rec := &bytes.Buffer{}
		s.received = append(s.received, rec)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			s.session(&recordingConn{Conn: c, s: s, rec: rec})
		}()
	}
}

func (s *Server) session(c net.Conn) {
	c.SetDeadline(time.Now().Add(5 * time.Second))
	greeting := make([]byte, 3)
	if _, err := io.ReadFull(c, greeting); err != nil {
		return
	}
	if _, err := c.Write([]byte{0x05, s.opts.Method}); err != nil {
		return
	}
	if s.opts.Method != 0x00 {
		drain(c)
		return
	}

	req := make([]byte, 10)
	if _, err := io.ReadFull(c, req); err != nil {
		return
	}
	if req[3] == 0x01 {
		dst := netip.AddrPortFrom(netip.AddrFrom4([4]byte(req[4:8])), binary.BigEndian.Uint16(req[8:10]))
		s.mu.Lock()
		s.targets = append(s.targets, dst)
		s.mu.Unlock()
	}
	reply := []byte{0x05, s.opts.Reply, 0x00, 0x01, 127, 0, 0, 1, 0x04, 0x38}
	if _, err := c.Write(reply); err != nil {
		return
	}
	if s.opts.Reply != 0x00 {
		drain(c)
		return
	}
	c.SetDeadline(time.Time{})
	s.opts.Handler(c)
}

// drain records whatever the client still sends until it closes or goes quiet.
func drain(c net.Conn) {
	c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	io.Copy(io.Discard, c)
}

// Echo writes every chunk back prefixed with "echo:" until EOF.
func Echo(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := c.Write(append([]byte("echo:"), buf[:n]...)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Respond writes msg once, then closes the tunnel after the client's first write.
func Respond(msg []byte) func(net.Conn) {
	return func(c net.Conn) {
		buf := make([]byte, 4096)
		if _, err := c.Read(buf); err != nil && !errors.Is(err, io.EOF) {
			return
		}
		c.Write(msg)
	}
}

type recordingConn struct {
	net.Conn
	s   *Server
	rec *bytes.Buffer
}

func (c *recordingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.s.mu.Lock()
		c.rec.Write(b[:n])
		c.s.mu.Unlock()
	}
	return n, err
}
