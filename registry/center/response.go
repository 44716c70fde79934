package center

import (
	"encoding/json"
	"time"

	"github.com/isekhub/isekreg/registry"
)

// BasePath is the URL prefix of every registry endpoint.
const BasePath = "/isek_center"

// Response is the envelope of every registry reply. Code mirrors the HTTP
// status; anything other than 200 is an error and Message says why.
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	NodeID   string         `json:"node_id"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata"`
}

// NodeIDRequest is the body of POST /deregister and POST /renew.
type NodeIDRequest struct {
	NodeID string `json:"node_id"`
}

// NodeInfo is one entry of the available_nodes listing.
type NodeInfo struct {
	NodeID   string         `json:"node_id"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata"`

	// ExpiresAt is the lease expiry in Unix seconds.
	ExpiresAt float64 `json:"expires_at"`
}

// AvailableNodesData is the data payload of GET /available_nodes.
type AvailableNodesData struct {
	AvailableNodes map[string]NodeInfo `json:"available_nodes"`
}

func nodeInfoFromEntry(e registry.Entry) NodeInfo {
	meta := e.Record.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return NodeInfo{
		NodeID:    e.Record.NodeID,
		Host:      e.Record.Host,
		Port:      e.Record.Port,
		Metadata:  meta,
		ExpiresAt: float64(e.Lease.ExpiresAt.UnixNano()) / float64(time.Second),
	}
}

func (n NodeInfo) record() registry.NodeRecord {
	meta := n.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return registry.NodeRecord{
		NodeID:   n.NodeID,
		Host:     n.Host,
		Port:     n.Port,
		Metadata: meta,
	}
}
