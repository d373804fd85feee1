package catalog

import (
	"context"
	"fmt"

	"vstack/internal/id"
	"vstack/internal/wire"
)

// Manifest assembles the self-contained chunk listing for a stream. Node
// URLs are resolved at assembly time; the entry set itself never changes
// for an active stream.
func (c *Catalog) Manifest(ctx context.Context, streamID id.StreamID, dataK, parityM int) (wire.Manifest, error) {
	s, err := c.GetStream(ctx, streamID)
	if err != nil {
		return wire.Manifest{}, err
	}

	m := wire.Manifest{
		StreamID:   s.ID.String(),
		Title:      s.Title,
		ChunkSec:   s.ChunkSec,
		ChunkCount: s.ChunkCount,
		Status:     s.Status,
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, seq, size, hash, mode FROM chunks
		WHERE stream_id = ? ORDER BY seq`, streamID.String())
	if err != nil {
		return wire.Manifest{}, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var entries []wire.ManifestEntry
	for rows.Next() {
		var (
			e          wire.ManifestEntry
			mode, hash string
		)
		if err := rows.Scan(&e.ChunkID, &e.Seq, &e.Size, &hash, &mode); err != nil {
			return wire.Manifest{}, fmt.Errorf("scan chunk: %w", err)
		}
		e.Hash = hash
		e.Mode = wire.RedundancyMode(mode)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return wire.Manifest{}, err
	}

	urls, err := c.allNodeURLs(ctx)
	if err != nil {
		return wire.Manifest{}, err
	}

	for i := range entries {
		e := &entries[i]
		if e.Mode == wire.ModeErasure {
			frags, err := c.Fragments(ctx, id.ChunkID(e.ChunkID))
			if err != nil {
				return wire.Manifest{}, err
			}
			e.DataK = dataK
			e.ParityM = parityM
			for _, f := range frags {
				e.Fragments = append(e.Fragments, wire.FragmentLocation{
					Index:  f.Index,
					NodeID: f.NodeID.String(),
					URL:    urls[f.NodeID],
					Size:   f.Size,
					Hash:   f.Hash.String(),
				})
			}
		} else {
			reps, err := c.Replicas(ctx, id.ChunkID(e.ChunkID))
			if err != nil {
				return wire.Manifest{}, err
			}
			for _, r := range reps {
				if r.Status != ReplicaActive {
					continue
				}
				e.Replicas = append(e.Replicas, wire.ReplicaLocation{
					NodeID: r.NodeID.String(),
					URL:    urls[r.NodeID],
				})
			}
		}
	}

	m.Entries = entries
	return m, nil
}

func (c *Catalog) allNodeURLs(ctx context.Context) (map[id.NodeID]string, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	urls := make(map[id.NodeID]string, len(nodes))
	for _, n := range nodes {
		urls[n.ID] = n.URL
	}
	return urls, nil
}

// Overhead reports physical stored bytes over logical payload bytes across
// all committed chunks: R for replicated streams, N/K for erasure streams.
func (c *Catalog) Overhead(ctx context.Context) (logical, physical int64, err error) {
	var repLogical, repPhysical int64
	err = c.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ch.size), 0), COALESCE(SUM(ch.size * rc.cnt), 0)
		FROM chunks ch
		JOIN (SELECT chunk_id, count(*) AS cnt FROM replicas WHERE status = 'active' GROUP BY chunk_id) rc
		  ON rc.chunk_id = ch.id
		WHERE ch.mode = 'replicated'`).Scan(&repLogical, &repPhysical)
	if err != nil {
		return 0, 0, fmt.Errorf("replicated overhead: %w", err)
	}

	var ecLogical, ecPhysical int64
	err = c.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ch.size), 0),
		       COALESCE((SELECT SUM(f.size) FROM fragments f
		                 JOIN chunks c2 ON c2.id = f.chunk_id WHERE c2.mode = 'erasure'), 0)
		FROM chunks ch WHERE ch.mode = 'erasure'`).Scan(&ecLogical, &ecPhysical)
	if err != nil {
		return 0, 0, fmt.Errorf("erasure overhead: %w", err)
	}

	return repLogical + ecLogical, repPhysical + ecPhysical, nil
}
