package remote

import (
	"net"
	"strconv"
	"time"
)

// findFreePort probes up to tries ports starting at start and returns the
// first one that can be bound on loopback, or 0.
func findFreePort(start, tries int, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for port := start; port < start+tries && port <= 65535; port++ {
		if time.Now().After(deadline) {
			return 0
		}
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port
	}
	return 0
}
