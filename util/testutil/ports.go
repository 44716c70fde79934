package testutil

import (
	"fmt"
	"net"
	"sync"
)

const maxTrackedPorts = 1000

var (
	// handed out recently; avoided so parallel tests don't collide
	recentPorts   = make(map[int]struct{})
	recentOrder   []int
	recentPortsMu sync.Mutex
)

// GetFreePort returns a TCP port on localhost that was free a moment ago.
// Ports returned by earlier calls are not handed out again until a thousand
// newer ones have been. Panics if no port can be bound.
func GetFreePort() int {
	const maxRetries = 100

	recentPortsMu.Lock()
	defer recentPortsMu.Unlock()

	for attempt := 0; attempt < maxRetries; attempt++ {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if _, seen := recentPorts[port]; seen {
			continue
		}
		recentPorts[port] = struct{}{}
		recentOrder = append(recentOrder, port)
		if len(recentOrder) > maxTrackedPorts {
			delete(recentPorts, recentOrder[0])
			recentOrder = recentOrder[1:]
		}
		return port
	}

	panic(fmt.Sprintf("failed to get unique free port after %d attempts", maxRetries))
}

// GetFreeAddress returns "localhost:<port>" for a port from GetFreePort.
func GetFreeAddress() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}
