package node

import (
	"errors"
	"fmt"
)

// NodeUnavailableError is returned by SendMessage when the target could not be
// resolved through the directory, or could not be reached within the send
// budget. It is final: SendMessage has already refreshed and retried.
type NodeUnavailableError struct {
	NodeID   string
	Attempts int   // attempts made; 0 when the node was never resolved
	Err      error // last transport error, nil when the node was never resolved
}

func (e *NodeUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("node %s unavailable: not in registry", e.NodeID)
	}
	return fmt.Sprintf("node %s unavailable after %d attempts: %v", e.NodeID, e.Attempts, e.Err)
}

func (e *NodeUnavailableError) Unwrap() error {
	return e.Err
}

// IsNodeUnavailable reports whether err is a NodeUnavailableError, and for
// which node.
func IsNodeUnavailable(err error) (string, bool) {
	var nu *NodeUnavailableError
	if errors.As(err, &nu) {
		return nu.NodeID, true
	}
	return "", false
}

// errNotResolved marks an attempt that found no record for the target.
var errNotResolved = errors.New("target not in directory")
