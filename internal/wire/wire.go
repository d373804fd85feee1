// Package wire defines the JSON payloads exchanged between the storage
// nodes, the coordinator, the writer, and the reader. Every endpoint has a
// closed record type; the manifest entry carries either a replica list or a
// fragment list depending on the redundancy mode.
package wire

import "time"

// RedundancyMode selects how a stream's chunks are made durable.
type RedundancyMode string

const (
	ModeReplicated RedundancyMode = "replicated"
	ModeErasure    RedundancyMode = "erasure"
)

// Valid reports whether the mode is one of the two known values.
func (m RedundancyMode) Valid() bool {
	return m == ModeReplicated || m == ModeErasure
}

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	StreamUploading StreamStatus = "uploading"
	StreamActive    StreamStatus = "active"
	StreamDeleted   StreamStatus = "deleted"
)

// NodeState is the health state derived for a registered node.
type NodeState string

const (
	NodeHealthy     NodeState = "healthy"
	NodeWarning     NodeState = "warning"
	NodeCritical    NodeState = "critical"
	NodeUnreachable NodeState = "unreachable"
)

// RegisterRequest is posted by a node when joining.
type RegisterRequest struct {
	NodeID  string `json:"node_id"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

// HeartbeatRequest carries a node's periodic self-report.
type HeartbeatRequest struct {
	DiskUsage  float64 `json:"disk_usage"`
	ChunkCount int     `json:"chunk_count"`
}

// NodeRecord is the coordinator's view of a registered node.
type NodeRecord struct {
	NodeID        string    `json:"node_id"`
	URL           string    `json:"url"`
	Version       string    `json:"version,omitempty"`
	State         NodeState `json:"state"`
	DiskUsage     float64   `json:"disk_usage"`
	ChunkCount    int       `json:"chunk_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// NodeSummary aggregates registry health for the admin surface.
type NodeSummary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Warning     int `json:"warning"`
	Critical    int `json:"critical"`
	Unreachable int `json:"unreachable"`
}

// HealthResponse is a storage node's rich diagnostic report.
type HealthResponse struct {
	Status     string  `json:"status"`
	NodeID     string  `json:"node_id"`
	DiskUsage  float64 `json:"disk_usage"`
	ChunkCount int     `json:"chunk_count"`
	UptimeSec  int64   `json:"uptime"`
}

// CreateStreamRequest registers a new stream in the catalog.
type CreateStreamRequest struct {
	Title         string `json:"title"`
	DurationSec   int    `json:"duration_sec"`
	ChunkSec      int    `json:"chunk_sec,omitempty"`
	ChunkBytes    int    `json:"chunk_bytes,omitempty"`
	ChunkCount    int    `json:"chunk_count"`
	ForceMode     string `json:"force_mode,omitempty"`
	SeedPopularity int64 `json:"seed_popularity,omitempty"`
}

// StreamRecord is the catalog's view of a stream.
type StreamRecord struct {
	StreamID     string         `json:"stream_id"`
	Title        string         `json:"title"`
	DurationSec  int            `json:"duration_sec"`
	ChunkSec     int            `json:"chunk_sec"`
	ChunkBytes   int            `json:"chunk_bytes"`
	ChunkCount   int            `json:"chunk_count"`
	Status       StreamStatus   `json:"status"`
	Mode         RedundancyMode `json:"redundancy_mode,omitempty"`
	ModeOverride RedundancyMode `json:"mode_override,omitempty"`
	Popularity   int64          `json:"popularity"`
	CreatedAt    time.Time      `json:"created_at"`
}

// FragmentMeta describes one erasure fragment at commit time.
type FragmentMeta struct {
	Index  int    `json:"index"`
	NodeID string `json:"node_id"`
	Size   int    `json:"size"`
	Hash   string `json:"hash"`
}

// CommitRequest asks the coordinator to commit a chunk's placement.
type CommitRequest struct {
	StreamID  string         `json:"stream_id"`
	Seq       int            `json:"sequence_num"`
	NodeIDs   []string       `json:"node_ids"`
	Hash      string         `json:"hash"`
	Size      int            `json:"size"`
	Mode      RedundancyMode `json:"redundancy_mode"`
	Fragments []FragmentMeta `json:"fragments,omitempty"`
}

// CommitResponse reports the outcome of a placement commit.
type CommitResponse struct {
	ChunkID   string   `json:"chunk_id"`
	Ballot    int64    `json:"ballot"`
	Committed []string `json:"committed_nodes"`
}

// ProposalState exposes the persisted placement proposal for a chunk.
type ProposalState struct {
	ChunkID        string   `json:"chunk_id"`
	PromisedBallot int64    `json:"promised_ballot"`
	AcceptedBallot int64    `json:"accepted_ballot"`
	AcceptedValue  []string `json:"accepted_value,omitempty"`
	Phase          string   `json:"phase"`
}

// ReplicaLocation is one replica of a replicated-mode chunk.
type ReplicaLocation struct {
	NodeID string `json:"node_id"`
	URL    string `json:"url"`
}

// FragmentLocation is one fragment of an erasure-mode chunk.
type FragmentLocation struct {
	Index  int    `json:"index"`
	NodeID string `json:"node_id"`
	URL    string `json:"url"`
	Size   int    `json:"size"`
	Hash   string `json:"hash"`
}

// ManifestEntry describes one chunk of a stream. Exactly one of Replicas
// or Fragments is populated, according to Mode.
type ManifestEntry struct {
	ChunkID   string             `json:"chunk_id"`
	Seq       int                `json:"sequence_num"`
	Size      int                `json:"size"`
	Hash      string             `json:"hash"`
	Mode      RedundancyMode     `json:"redundancy_mode"`
	Replicas  []ReplicaLocation  `json:"replicas,omitempty"`
	Fragments []FragmentLocation `json:"fragments,omitempty"`
	DataK     int                `json:"data_shards,omitempty"`
	ParityM   int                `json:"parity_shards,omitempty"`
}

// Manifest is the self-contained chunk listing handed to readers.
type Manifest struct {
	StreamID   string          `json:"stream_id"`
	Title      string          `json:"title"`
	ChunkSec   int             `json:"chunk_sec"`
	ChunkCount int             `json:"chunk_count"`
	Status     StreamStatus    `json:"status"`
	Entries    []ManifestEntry `json:"entries"`
}

// RecommendRequest asks the coordinator which mode a stream would get.
type RecommendRequest struct {
	StreamID string `json:"stream_id"`
}

// RecommendResponse is the redundancy recommendation.
type RecommendResponse struct {
	Mode       RedundancyMode `json:"mode"`
	Replicas   int            `json:"replicas,omitempty"`
	DataK      int            `json:"data_shards,omitempty"`
	ParityM    int            `json:"parity_shards,omitempty"`
	Popularity int64          `json:"popularity"`
	Overridden bool           `json:"overridden"`
}

// OverrideRequest pins a stream's redundancy mode.
type OverrideRequest struct {
	Mode RedundancyMode `json:"mode"`
}

// EfficiencyReport summarizes storage overhead.
type EfficiencyReport struct {
	LogicalBytes   int64   `json:"logical_bytes"`
	PhysicalBytes  int64   `json:"physical_bytes"`
	Overhead       float64 `json:"overhead"`
	ErasureSavings float64 `json:"erasure_savings_vs_replication"`
}

// ErrorResponse is the JSON body carried on any non-2xx response.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
