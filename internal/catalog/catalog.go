// Package catalog is the coordinator's durable state: streams, chunks,
// replicas, fragments, node records, and placement proposals, backed by
// SQLite. Every multi-row mutation runs inside one transaction so a commit
// either becomes fully visible or not at all.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"vstack/internal/id"
	"vstack/internal/wire"
)

const timeFormat = time.RFC3339Nano

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrChunkNotFound  = errors.New("chunk not found")
	ErrNodeNotFound   = errors.New("node not registered")
	ErrConflict       = errors.New("ballot conflict")
	ErrCommitted      = errors.New("proposal already committed")
)

// Proposal phases, monotonic per chunk.
const (
	PhaseNone      = "none"
	PhasePrepare   = "prepare"
	PhaseAccept    = "accept"
	PhaseCommitted = "committed"
)

// Replica statuses.
const (
	ReplicaPending = "pending"
	ReplicaActive  = "active"
	ReplicaFailed  = "failed"
)

// Catalog wraps the SQLite database.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the catalog at path and runs migrations.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Catalog{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Stream is a catalog row for one stream.
type Stream struct {
	ID           id.StreamID
	Title        string
	DurationSec  int
	ChunkSec     int
	ChunkBytes   int
	ChunkCount   int
	Status       wire.StreamStatus
	Mode         wire.RedundancyMode // empty until first commit
	ModeOverride wire.RedundancyMode // empty unless set
	Popularity   int64
	CreatedAt    time.Time
}

// Chunk is a catalog row for one committed chunk.
type Chunk struct {
	ID       id.ChunkID
	StreamID id.StreamID
	Seq      int
	Size     int
	Hash     id.ContentHash
	Mode     wire.RedundancyMode
}

// Replica is one (chunk, node) placement in replicated mode.
type Replica struct {
	ChunkID id.ChunkID
	NodeID  id.NodeID
	Status  string
	Ballot  int64
}

// Fragment is one erasure fragment placement.
type Fragment struct {
	ChunkID id.ChunkID
	Index   int
	NodeID  id.NodeID
	Size    int
	Hash    id.ContentHash
	Status  string
}

// Node is a registered storage node.
type Node struct {
	ID            id.NodeID
	URL           string
	Version       string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	DiskUsage     float64
	ChunkCount    int
}

// Proposal is the persisted placement consensus state for one chunk id.
type Proposal struct {
	ChunkID        id.ChunkID
	PromisedBallot int64
	AcceptedBallot int64
	AcceptedValue  []id.NodeID
	Phase          string
}

// CreateStream inserts a stream in status uploading.
func (c *Catalog) CreateStream(ctx context.Context, s Stream) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = wire.StreamUploading
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO streams (id, title, duration_sec, chunk_sec, chunk_bytes,
			chunk_count, status, redundancy_mode, mode_override, popularity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.Title, s.DurationSec, s.ChunkSec, s.ChunkBytes,
		s.ChunkCount, string(s.Status), nullIfEmpty(string(s.Mode)),
		nullIfEmpty(string(s.ModeOverride)), s.Popularity, s.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// GetStream loads one stream.
func (c *Catalog) GetStream(ctx context.Context, streamID id.StreamID) (Stream, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, title, duration_sec, chunk_sec, chunk_bytes, chunk_count,
			status, redundancy_mode, mode_override, popularity, created_at
		FROM streams WHERE id = ?`, streamID.String())
	return scanStream(row)
}

// ListStreams returns all streams ordered by creation time.
func (c *Catalog) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, duration_sec, chunk_sec, chunk_bytes, chunk_count,
			status, redundancy_mode, mode_override, popularity, created_at
		FROM streams ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (Stream, error) {
	var (
		s                    Stream
		sid, status, created string
		mode, override       sql.NullString
	)
	err := row.Scan(&sid, &s.Title, &s.DurationSec, &s.ChunkSec, &s.ChunkBytes,
		&s.ChunkCount, &status, &mode, &override, &s.Popularity, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, ErrStreamNotFound
	}
	if err != nil {
		return Stream{}, fmt.Errorf("scan stream: %w", err)
	}
	s.ID, err = id.ParseStreamID(sid)
	if err != nil {
		return Stream{}, err
	}
	s.Status = wire.StreamStatus(status)
	if mode.Valid {
		s.Mode = wire.RedundancyMode(mode.String)
	}
	if override.Valid {
		s.ModeOverride = wire.RedundancyMode(override.String)
	}
	s.CreatedAt, _ = time.Parse(timeFormat, created)
	return s, nil
}

// SetStreamStatus updates the lifecycle status.
func (c *Catalog) SetStreamStatus(ctx context.Context, streamID id.StreamID, status wire.StreamStatus) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE streams SET status = ? WHERE id = ?", string(status), streamID.String())
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return requireRow(res, ErrStreamNotFound)
}

// IncrementPopularity bumps the counter and returns the new value.
func (c *Catalog) IncrementPopularity(ctx context.Context, streamID id.StreamID) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		"UPDATE streams SET popularity = popularity + 1 WHERE id = ?", streamID.String())
	if err != nil {
		return 0, fmt.Errorf("increment popularity: %w", err)
	}
	if err := requireRow(res, ErrStreamNotFound); err != nil {
		return 0, err
	}
	var pop int64
	if err := c.db.QueryRowContext(ctx,
		"SELECT popularity FROM streams WHERE id = ?", streamID.String()).Scan(&pop); err != nil {
		return 0, fmt.Errorf("read popularity: %w", err)
	}
	return pop, nil
}

// SetModeOverride pins the stream's redundancy mode; empty clears it.
func (c *Catalog) SetModeOverride(ctx context.Context, streamID id.StreamID, mode wire.RedundancyMode) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE streams SET mode_override = ? WHERE id = ?",
		nullIfEmpty(string(mode)), streamID.String())
	if err != nil {
		return fmt.Errorf("set mode override: %w", err)
	}
	return requireRow(res, ErrStreamNotFound)
}

// DeleteStream marks the stream deleted. Chunk rows cascade when the row is
// purged; the soft status keeps the manifest surface honest in the meantime.
func (c *Catalog) DeleteStream(ctx context.Context, streamID id.StreamID) error {
	return c.SetStreamStatus(ctx, streamID, wire.StreamDeleted)
}

// GetChunk loads one chunk row.
func (c *Catalog) GetChunk(ctx context.Context, chunkID id.ChunkID) (Chunk, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, stream_id, seq, size, hash, mode FROM chunks WHERE id = ?", chunkID.String())
	var (
		ch       Chunk
		cid, sid string
		hash     string
		mode     string
	)
	err := row.Scan(&cid, &sid, &ch.Seq, &ch.Size, &hash, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, ErrChunkNotFound
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	ch.ID = id.ChunkID(cid)
	ch.StreamID, err = id.ParseStreamID(sid)
	if err != nil {
		return Chunk{}, err
	}
	ch.Hash = id.ContentHash(hash)
	ch.Mode = wire.RedundancyMode(mode)
	return ch, nil
}

// Replicas returns the replica rows for a chunk.
func (c *Catalog) Replicas(ctx context.Context, chunkID id.ChunkID) ([]Replica, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT chunk_id, node_id, status, ballot FROM replicas WHERE chunk_id = ? ORDER BY node_id",
		chunkID.String())
	if err != nil {
		return nil, fmt.Errorf("query replicas: %w", err)
	}
	defer rows.Close()

	var out []Replica
	for rows.Next() {
		var r Replica
		var cid, nid string
		if err := rows.Scan(&cid, &nid, &r.Status, &r.Ballot); err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		r.ChunkID = id.ChunkID(cid)
		r.NodeID = id.NodeID(nid)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Fragments returns the fragment rows for a chunk ordered by index.
func (c *Catalog) Fragments(ctx context.Context, chunkID id.ChunkID) ([]Fragment, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT chunk_id, frag_index, node_id, size, hash, status FROM fragments WHERE chunk_id = ? ORDER BY frag_index",
		chunkID.String())
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		var cid, nid, hash string
		if err := rows.Scan(&cid, &f.Index, &nid, &f.Size, &hash, &f.Status); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.ChunkID = id.ChunkID(cid)
		f.NodeID = id.NodeID(nid)
		f.Hash = id.ContentHash(hash)
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkReplicaFailed flags a replica later found missing.
func (c *Catalog) MarkReplicaFailed(ctx context.Context, chunkID id.ChunkID, nodeID id.NodeID) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE replicas SET status = ? WHERE chunk_id = ? AND node_id = ?",
		ReplicaFailed, chunkID.String(), nodeID.String())
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func encodeNodeIDs(ids []id.NodeID) (string, error) {
	strs := make([]string, len(ids))
	for i, n := range ids {
		strs[i] = n.String()
	}
	data, err := json.Marshal(strs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeNodeIDs(data string) ([]id.NodeID, error) {
	if data == "" {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal([]byte(data), &strs); err != nil {
		return nil, err
	}
	ids := make([]id.NodeID, len(strs))
	for i, s := range strs {
		ids[i] = id.NodeID(s)
	}
	return ids, nil
}
