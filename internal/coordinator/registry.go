package coordinator

import (
	"context"
	"log/slog"

	"vstack/internal/catalog"
	"vstack/internal/id"
	"vstack/internal/wire"
)

// Registry tracks node presence. Node state is derived on read from
// heartbeat age and reported usage; there is no background state machine.
type Registry struct {
	cat    *catalog.Catalog
	cfg    Config
	logger *slog.Logger
}

// NewRegistry builds the registry over the catalog.
func NewRegistry(cat *catalog.Catalog, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{cat: cat, cfg: cfg, logger: logger.With("subsystem", "registry")}
}

// Register records (or re-records) a node. Re-registration with a new URL
// replaces the old one in place.
func (r *Registry) Register(ctx context.Context, req wire.RegisterRequest) error {
	err := r.cat.RegisterNode(ctx, catalog.Node{
		ID:      id.NodeID(req.NodeID),
		URL:     req.URL,
		Version: req.Version,
	})
	if err != nil {
		return err
	}
	r.logger.Info("node registered", "node", req.NodeID, "url", req.URL)
	return nil
}

// Heartbeat records a node's self-report.
func (r *Registry) Heartbeat(ctx context.Context, nodeID id.NodeID, req wire.HeartbeatRequest) error {
	return r.cat.Heartbeat(ctx, nodeID, req.DiskUsage, req.ChunkCount, r.cfg.Now())
}

// stateOf derives the node state from heartbeat age and usage.
func (r *Registry) stateOf(n catalog.Node) wire.NodeState {
	if n.LastHeartbeat.IsZero() || r.cfg.Now().Sub(n.LastHeartbeat) >= r.cfg.HeartbeatTimeout {
		return wire.NodeUnreachable
	}
	switch {
	case n.DiskUsage >= r.cfg.CritUsage:
		return wire.NodeCritical
	case n.DiskUsage >= r.cfg.WarnUsage:
		return wire.NodeWarning
	default:
		return wire.NodeHealthy
	}
}

// All returns every registered node with its derived state.
func (r *Registry) All(ctx context.Context) ([]wire.NodeRecord, error) {
	nodes, err := r.cat.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]wire.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wire.NodeRecord{
			NodeID:        n.ID.String(),
			URL:           n.URL,
			Version:       n.Version,
			State:         r.stateOf(n),
			DiskUsage:     n.DiskUsage,
			ChunkCount:    n.ChunkCount,
			LastHeartbeat: n.LastHeartbeat,
			RegisteredAt:  n.RegisteredAt,
		})
	}
	return out, nil
}

// Healthy returns the nodes whose last heartbeat is fresh and whose usage
// is below the warn threshold. These are the placement candidates.
func (r *Registry) Healthy(ctx context.Context) ([]catalog.Node, error) {
	nodes, err := r.cat.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.cfg.Now().Add(-r.cfg.HeartbeatTimeout)
	var out []catalog.Node
	for _, n := range nodes {
		if n.LastHeartbeat.IsZero() || n.LastHeartbeat.Before(cutoff) {
			continue
		}
		if n.DiskUsage >= r.cfg.WarnUsage {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Summary aggregates derived states for the admin surface.
func (r *Registry) Summary(ctx context.Context) (wire.NodeSummary, error) {
	nodes, err := r.cat.ListNodes(ctx)
	if err != nil {
		return wire.NodeSummary{}, err
	}
	var sum wire.NodeSummary
	sum.Total = len(nodes)
	for _, n := range nodes {
		switch r.stateOf(n) {
		case wire.NodeHealthy:
			sum.Healthy++
		case wire.NodeWarning:
			sum.Warning++
		case wire.NodeCritical:
			sum.Critical++
		default:
			sum.Unreachable++
		}
	}
	return sum, nil
}

// URLsFor resolves node ids to URLs; every id must be registered.
func (r *Registry) URLsFor(ctx context.Context, ids []id.NodeID) (map[id.NodeID]string, error) {
	urls := make(map[id.NodeID]string, len(ids))
	for _, nid := range ids {
		n, err := r.cat.GetNode(ctx, nid)
		if err != nil {
			return nil, err
		}
		urls[nid] = n.URL
	}
	return urls, nil
}
