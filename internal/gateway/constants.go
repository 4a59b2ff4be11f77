package gateway

import "time"

const (
	// maxPacketSize is the max IPv4 packet size; used for read buffers.
	maxPacketSize = 65535

	// tickInterval bounds how long the loop waits with nothing to do.
	tickInterval = 100 * time.Millisecond

	// statsInterval is how often the loop logs a traffic summary.
	statsInterval = 10 * time.Second

	// maxPendingPayloads caps payloads queued on a relay that is still
	// connecting.
	maxPendingPayloads = 64

	// eventQueueLen is the buffer of each loop input channel.
	eventQueueLen = 256
)
