// Package errors classifies failures of node-to-node calls.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/isekhub/isekreg/registry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutError represents a timeout while calling a node.
type TimeoutError struct {
	Operation string
	NodeID    string
	Err       error
}

// Error returns a human-readable error message.
func (e *TimeoutError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("timeout: %s on %s: %v", e.Operation, e.NodeID, e.Err)
	}
	return fmt.Sprintf("timeout: %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation, nodeID string, err error) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		NodeID:    nodeID,
		Err:       err,
	}
}

// IsTimeout reports whether err is a timeout error. It checks for TimeoutError,
// context.DeadlineExceeded, and gRPC DeadlineExceeded status codes.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.DeadlineExceeded
	}

	return false
}

// IsTransport reports whether err is a failure to reach or talk to a peer,
// as opposed to an error the peer itself returned. Transport failures are
// worth retrying; everything else is final.
//
// Caller cancellation is never a transport failure.
func IsTransport(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	if errors.Is(err, registry.ErrBackendUnavailable) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.Unknown:
			// Not a status error at all; fall through to the net checks.
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
