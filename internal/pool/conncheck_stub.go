//go:build !unix

package pool

import "net"

// connCheck is unavailable on platforms without non-blocking raw socket
// reads. Dead peers are then only caught by the eviction thresholds and
// OS keep-alive, a documented degraded mode rather than an error.
func connCheck(net.Conn) error {
	return nil
}
