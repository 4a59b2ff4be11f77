//go:build !unix

package routing

import "syscall"

func broadcastControl(network, address string, c syscall.RawConn) error { return nil }
