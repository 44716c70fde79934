package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/isekhub/isekreg/util/uniqueid"
)

// NodeRecord is what a node publishes about itself.
type NodeRecord struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`

	// Metadata is opaque to the registry (advertised URL, p2p address, persona card...).
	Metadata map[string]any `json:"metadata"`

	// PublicKey is the base64 verifying key of the record signer. Only set by
	// signing backends.
	PublicKey string `json:"public_key,omitempty"`
}

// Address returns host:port.
func (r NodeRecord) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Clone returns a deep copy of the record, so callers never alias backend state.
func (r NodeRecord) Clone() NodeRecord {
	r.Metadata = CloneMetadata(r.Metadata)
	return r
}

// CloneMetadata deep-copies a metadata bag. Nested maps and slices are copied;
// other values are shared.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMetadata(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// LeaseEntry tracks when a registration stops being valid.
type LeaseEntry struct {
	NodeID    string
	ExpiresAt time.Time
	TTL       time.Duration
}

// Live reports whether the lease is still valid at now.
func (l LeaseEntry) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Renew resets the expiry to now + TTL.
func (l *LeaseEntry) Renew(now time.Time) {
	l.ExpiresAt = now.Add(l.TTL)
}

// Validate checks the register preconditions: a node id usable as one key
// segment (see uniqueid.ValidateNodeID), a non-empty host, and a port in
// 1..65535.
func Validate(nodeID, host string, port int) error {
	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidArgument)
	}
	if err := uniqueid.ValidateNodeID(nodeID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if host == "" {
		return fmt.Errorf("%w: host is required for node %s", ErrInvalidArgument, nodeID)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range for node %s", ErrInvalidArgument, port, nodeID)
	}
	return nil
}

// NormalizeMetadata round-trips metadata through JSON so that values compare
// the same way whichever backend stored them (numbers become float64, structs
// become maps).
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not JSON encodable: %v", ErrInvalidArgument, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata is not JSON encodable: %v", ErrInvalidArgument, err)
	}
	return out, nil
}
