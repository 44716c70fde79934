package registry

import (
	"context"

	"github.com/isekhub/isekreg/util/logger"
)

// NopRegistry accepts every call and discovers nothing. A node using it runs
// alone: its directory stays empty and every send to a peer fails.
type NopRegistry struct {
	logger *logger.Logger
}

// NewNopRegistry creates a NopRegistry.
func NewNopRegistry() *NopRegistry {
	return &NopRegistry{logger: logger.NewLogger("NopRegistry")}
}

func (r *NopRegistry) RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) error {
	if err := Validate(nodeID, host, port); err != nil {
		return err
	}
	r.logger.Infof("Node %s registered", nodeID)
	return nil
}

func (r *NopRegistry) LeaseRefresh(ctx context.Context, nodeID string) error {
	r.logger.Debugf("Node %s lease refresh", nodeID)
	return nil
}

func (r *NopRegistry) DeregisterNode(ctx context.Context, nodeID string) error {
	r.logger.Infof("Node %s deregistered", nodeID)
	return nil
}

func (r *NopRegistry) GetAvailableNodes(ctx context.Context) (map[string]NodeRecord, error) {
	return map[string]NodeRecord{}, nil
}
