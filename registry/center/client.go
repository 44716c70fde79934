package center

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/logger"
)

const (
	// DefaultAddress is the registry server URL used when none is configured.
	DefaultAddress = "http://localhost:8088"

	// DefaultTimeout bounds every registry HTTP call.
	DefaultTimeout = 10 * time.Second
)

// RegistryError is returned when the server answered with code != 200.
type RegistryError struct {
	Op      string
	Code    int
	Message string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s failed: code %d: %s", e.Op, e.Code, e.Message)
}

// Is lets errors.Is match the registry sentinel errors by response code.
func (e *RegistryError) Is(target error) bool {
	switch target {
	case registry.ErrInvalidArgument:
		return e.Code == http.StatusBadRequest
	case registry.ErrNodeNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// TransportError is returned when the server could not be reached or its
// reply could not be read. It matches registry.ErrBackendUnavailable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("registry %s transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == registry.ErrBackendUnavailable
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Address is the base URL of the registry server. Default: DefaultAddress
	Address string

	// Timeout bounds each call when the caller's context has no deadline. Default: DefaultTimeout
	Timeout time.Duration

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// Client implements registry.Registry against a central registry server.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *logger.Logger
}

var _ registry.Registry = (*Client)(nil)

// NewClient creates a registry client.
func NewClient(config ClientConfig) *Client {
	addr := config.Address
	if addr == "" {
		addr = DefaultAddress
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/") + BasePath,
		timeout: config.Timeout,
		http:    httpClient,
		logger:  logger.NewLogger("CenterClient"),
	}
}

func (c *Client) RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) (err error) {
	defer func(start time.Time) { registry.Observe("center-client", "register", start, err) }(time.Now())

	if err := registry.Validate(nodeID, host, port); err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	req := RegisterRequest{NodeID: nodeID, Host: host, Port: port, Metadata: metadata}
	if _, err := c.call(ctx, "register", http.MethodPost, "/register", req); err != nil {
		return err
	}
	c.logger.Debugf("Node %s registered at %s:%d", nodeID, host, port)
	return nil
}

func (c *Client) LeaseRefresh(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { registry.Observe("center-client", "renew", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", registry.ErrInvalidArgument)
	}
	_, err = c.call(ctx, "renew", http.MethodPost, "/renew", NodeIDRequest{NodeID: nodeID})
	return err
}

func (c *Client) DeregisterNode(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { registry.Observe("center-client", "deregister", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", registry.ErrInvalidArgument)
	}
	if _, err := c.call(ctx, "deregister", http.MethodPost, "/deregister", NodeIDRequest{NodeID: nodeID}); err != nil {
		return err
	}
	c.logger.Infof("Node %s deregistered", nodeID)
	return nil
}

func (c *Client) GetAvailableNodes(ctx context.Context) (nodes map[string]registry.NodeRecord, err error) {
	defer func(start time.Time) { registry.Observe("center-client", "list", start, err) }(time.Now())

	resp, err := c.call(ctx, "available_nodes", http.MethodGet, "/available_nodes", nil)
	if err != nil {
		return nil, err
	}
	var data AvailableNodesData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, &TransportError{Op: "available_nodes", Err: fmt.Errorf("decode data: %w", err)}
	}
	nodes = make(map[string]registry.NodeRecord, len(data.AvailableNodes))
	for id, info := range data.AvailableNodes {
		nodes[id] = info.record()
	}
	return nodes, nil
}

// call performs one request and unwraps the response envelope
func (c *Client) call(ctx context.Context, op, method, path string, body any) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s request: %v", registry.ErrInvalidArgument, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxRequestBody*16))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("HTTP %d: undecodable response: %w", httpResp.StatusCode, err)}
	}
	if resp.Code != http.StatusOK {
		return nil, &RegistryError{Op: op, Code: resp.Code, Message: resp.Message}
	}
	return &resp, nil
}

// IsTransportError reports whether err came from failing to reach the server.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
