package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"tun-router/internal/ipc"
)

const statusTimeout = 3 * time.Second

// printStatus reports every control-socket service and returns the process
// exit code: 0 when all are SERVING.
func printStatus(w io.Writer, socket string) int {
	c, err := ipc.Dial(socket)
	if err != nil {
		fmt.Fprintf(w, "control socket %s: %v\n", socket, err)
		return 2
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	code := 0
	for _, st := range c.Status(ctx) {
		name := st.Service
		if name == ipc.ServiceOverall {
			name = "overall"
		}
		switch {
		case st.Err != nil:
			fmt.Fprintf(w, "%-8s ERROR %v\n", name, st.Err)
			code = 2
		default:
			fmt.Fprintf(w, "%-8s %s\n", name, st.Status)
			if st.Status != "SERVING" && code == 0 {
				code = 1
			}
		}
	}
	return code
}
