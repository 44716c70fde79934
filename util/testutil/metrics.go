package testutil

import (
	"sync"
	"testing"
)

var metricsTestMutex sync.Mutex

// LockMetrics serializes tests that reset or read the process-wide
// prometheus vectors in util/metrics. The lock is released by t.Cleanup.
//
//	func TestHeartbeatMetrics(t *testing.T) {
//	    testutil.LockMetrics(t)
//	    metrics.HeartbeatFailuresTotal.Reset()
//	    ...
//	}
func LockMetrics(t *testing.T) {
	t.Helper()
	metricsTestMutex.Lock()
	t.Cleanup(metricsTestMutex.Unlock)
}
