package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vstack/internal/id"
)

// RegisterNode inserts a node record, or updates URL and version when the
// id is already registered (nodes may be replaced in place).
func (c *Catalog) RegisterNode(ctx context.Context, n Node) error {
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO nodes (id, url, version, registered_at, last_heartbeat, disk_usage, chunk_count)
		VALUES (?, ?, ?, ?, NULL, 0, 0)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, version = excluded.version`,
		n.ID.String(), n.URL, n.Version, n.RegisteredAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// Heartbeat records a node's self-report. Heartbeats for unregistered node
// ids are rejected.
func (c *Catalog) Heartbeat(ctx context.Context, nodeID id.NodeID, diskUsage float64, chunkCount int, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE nodes SET last_heartbeat = ?, disk_usage = ?, chunk_count = ?
		WHERE id = ?`,
		at.UTC().Format(timeFormat), diskUsage, chunkCount, nodeID.String())
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return requireRow(res, ErrNodeNotFound)
}

// GetNode loads one node record.
func (c *Catalog) GetNode(ctx context.Context, nodeID id.NodeID) (Node, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, url, version, registered_at, last_heartbeat, disk_usage, chunk_count
		FROM nodes WHERE id = ?`, nodeID.String())
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNodeNotFound
	}
	return n, err
}

// ListNodes returns every registered node.
func (c *Catalog) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, url, version, registered_at, last_heartbeat, disk_usage, chunk_count
		FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NodeURLs resolves ids to URLs for the given set. Unknown ids are omitted.
func (c *Catalog) NodeURLs(ctx context.Context, ids []id.NodeID) (map[id.NodeID]string, error) {
	urls := make(map[id.NodeID]string, len(ids))
	for _, nid := range ids {
		n, err := c.GetNode(ctx, nid)
		if errors.Is(err, ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		urls[nid] = n.URL
	}
	return urls, nil
}

func scanNode(row scanner) (Node, error) {
	var (
		n          Node
		nid        string
		registered string
		heartbeat  sql.NullString
	)
	err := row.Scan(&nid, &n.URL, &n.Version, &registered, &heartbeat, &n.DiskUsage, &n.ChunkCount)
	if err != nil {
		return Node{}, err
	}
	n.ID = id.NodeID(nid)
	n.RegisteredAt, _ = time.Parse(timeFormat, registered)
	if heartbeat.Valid {
		n.LastHeartbeat, _ = time.Parse(timeFormat, heartbeat.String)
	}
	return n, nil
}
