package node

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"

	"vstack/internal/id"
	"vstack/internal/logging"
	"vstack/internal/store"
	"vstack/internal/wire"
)

const (
	// DefaultHeartbeatInterval is how often the node self-reports.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultSnapshotInterval is how often a dirty index is flushed.
	DefaultSnapshotInterval = 30 * time.Second
)

// Config carries the node runner's knobs.
type Config struct {
	NodeID            id.NodeID
	AdvertiseURL      string // URL peers use to reach this node
	CoordinatorURL    string // empty disables registration and heartbeats
	Version           string
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Node owns the store, the HTTP surface, and the background jobs.
type Node struct {
	cfg       Config
	store     *store.Store
	server    *Server
	scheduler gocron.Scheduler
	client    *http.Client
	logger    *slog.Logger
}

// New assembles a node over an open store.
func New(cfg Config, st *store.Store) (*Node, error) {
	cfg.HeartbeatInterval = cmp.Or(cfg.HeartbeatInterval, DefaultHeartbeatInterval)
	cfg.SnapshotInterval = cmp.Or(cfg.SnapshotInterval, DefaultSnapshotInterval)
	logger := logging.Default(cfg.Logger).With("component", "node", "node", cfg.NodeID.String())

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Node{
		cfg:       cfg,
		store:     st,
		server:    NewServer(st, cfg.Logger),
		scheduler: scheduler,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
	}, nil
}

// Handler exposes the HTTP surface.
func (n *Node) Handler() http.Handler {
	return n.server.Handler()
}

// Start registers with the coordinator (when configured) and starts the
// heartbeat and snapshot jobs.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.CoordinatorURL != "" {
		if err := n.register(ctx); err != nil {
			return fmt.Errorf("register with coordinator: %w", err)
		}
		if _, err := n.scheduler.NewJob(
			gocron.DurationJob(n.cfg.HeartbeatInterval),
			gocron.NewTask(n.heartbeat),
			gocron.WithName("heartbeat"),
		); err != nil {
			return fmt.Errorf("create heartbeat job: %w", err)
		}
	}

	if _, err := n.scheduler.NewJob(
		gocron.DurationJob(n.cfg.SnapshotInterval),
		gocron.NewTask(n.flushIndex),
		gocron.WithName("index-snapshot"),
	); err != nil {
		return fmt.Errorf("create snapshot job: %w", err)
	}

	n.scheduler.Start()
	n.logger.Info("node started", "url", n.cfg.AdvertiseURL)
	return nil
}

// Stop shuts down the background jobs and flushes durable state.
func (n *Node) Stop() error {
	if err := n.scheduler.Shutdown(); err != nil {
		n.logger.Warn("scheduler shutdown", "error", err)
	}
	return n.store.Close()
}

func (n *Node) register(ctx context.Context) error {
	body, err := json.Marshal(wire.RegisterRequest{
		NodeID:  n.cfg.NodeID.String(),
		URL:     n.cfg.AdvertiseURL,
		Version: n.cfg.Version,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.cfg.CoordinatorURL+"/nodes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register: coordinator returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Node) heartbeat() {
	stats := n.store.Stats()
	body, err := json.Marshal(wire.HeartbeatRequest{
		DiskUsage:  stats.DiskUsage,
		ChunkCount: stats.ChunkCount,
	})
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/nodes/%s/heartbeat", n.cfg.CoordinatorURL, n.cfg.NodeID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("heartbeat failed", "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("heartbeat rejected", "status", resp.StatusCode)
	}
}

func (n *Node) flushIndex() {
	if err := n.store.PersistIndex(); err != nil {
		n.logger.Warn("index snapshot failed", "error", err)
	}
}
