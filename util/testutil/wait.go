package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition until it returns true, failing the test once timeout
// has elapsed. Registry state converges asynchronously (leases lapse, the
// sweeper runs, heartbeats land), so tests wait on observable state rather
// than sleeping for fixed intervals.
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "node to appear in directory", func() bool {
//	    _, ok := dir.Lookup("RN")
//	    return ok
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	pollInterval := 50 * time.Millisecond
	if timeout < pollInterval {
		timeout = pollInterval
	}

	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	attempts := 1
	for range ticker.C {
		attempts++
		if condition() {
			t.Logf("Condition met after %v (%d attempts): %s", time.Since(start).Round(time.Millisecond), attempts, message)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v, %d attempts)", message, timeout, attempts)
		}
	}
}

// Eventually reports whether condition became true within timeout without
// failing the test. Use it where the caller wants to assert the negative.
func Eventually(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
