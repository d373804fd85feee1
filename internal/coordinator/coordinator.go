// Package coordinator keeps the durable catalog of streams, chunks, and
// nodes, runs the per-chunk placement commit protocol, selects redundancy
// modes, and dispenses manifests to readers.
package coordinator

import (
	"cmp"
	"log/slog"
	"net/http"
	"time"

	"vstack/internal/catalog"
	"vstack/internal/erasure"
	"vstack/internal/logging"
)

const (
	// DefaultHeartbeatTimeout is the age beyond which a node is unreachable.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultProbeDeadline bounds presence checks during prepare.
	DefaultProbeDeadline = 2 * time.Second
	// DefaultPopularityHot is the popularity threshold above which a stream
	// is replicated instead of erasure coded.
	DefaultPopularityHot = 1000
	// DefaultReplication is the replica factor R for hot streams.
	DefaultReplication = 3
	// DefaultWarnUsage excludes nodes from the healthy set.
	DefaultWarnUsage = 0.85
	// DefaultCritUsage marks nodes critical.
	DefaultCritUsage = 0.95
)

// Config carries the coordinator's knobs. Zero values take the defaults.
type Config struct {
	DBPath           string
	HeartbeatTimeout time.Duration
	ProbeDeadline    time.Duration
	PopularityHot    int64
	Replication      int
	DataShards       int
	ParityShards     int
	WarnUsage        float64
	CritUsage        float64
	Now              func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.HeartbeatTimeout = cmp.Or(c.HeartbeatTimeout, DefaultHeartbeatTimeout)
	c.ProbeDeadline = cmp.Or(c.ProbeDeadline, DefaultProbeDeadline)
	c.PopularityHot = cmp.Or(c.PopularityHot, int64(DefaultPopularityHot))
	c.Replication = cmp.Or(c.Replication, DefaultReplication)
	c.DataShards = cmp.Or(c.DataShards, erasure.DefaultDataShards)
	c.ParityShards = cmp.Or(c.ParityShards, erasure.DefaultParityShards)
	c.WarnUsage = cmp.Or(c.WarnUsage, DefaultWarnUsage)
	c.CritUsage = cmp.Or(c.CritUsage, DefaultCritUsage)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Coordinator wires the catalog, registry, and placement protocol together.
type Coordinator struct {
	cfg       Config
	cat       *catalog.Catalog
	registry  *Registry
	placement *Placement
	logger    *slog.Logger
}

// New opens the catalog and builds the coordinator.
func New(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	logger := logging.Default(cfg.Logger).With("component", "coordinator")

	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(cat, cfg, logger)
	placement := NewPlacement(cat, registry, cfg, &http.Client{}, logger)

	return &Coordinator{
		cfg:       cfg,
		cat:       cat,
		registry:  registry,
		placement: placement,
		logger:    logger,
	}, nil
}

// Catalog exposes the underlying catalog (used by the HTTP surface).
func (c *Coordinator) Catalog() *catalog.Catalog { return c.cat }

// Registry exposes the node registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Placement exposes the commit protocol.
func (c *Coordinator) Placement() *Placement { return c.placement }

// Close flushes and closes the catalog.
func (c *Coordinator) Close() error {
	return c.cat.Close()
}
