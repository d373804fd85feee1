package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vstack/internal/id"
	"vstack/internal/wire"
)

// GetProposal loads the persisted proposal state for a chunk. An absent row
// is phase none with zero ballots.
func (c *Catalog) GetProposal(ctx context.Context, chunkID id.ChunkID) (Proposal, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT chunk_id, promised_ballot, accepted_ballot, accepted_value, phase
		FROM proposals WHERE chunk_id = ?`, chunkID.String())

	var (
		p     Proposal
		cid   string
		value sql.NullString
	)
	err := row.Scan(&cid, &p.PromisedBallot, &p.AcceptedBallot, &value, &p.Phase)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{ChunkID: chunkID, Phase: PhaseNone}, nil
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	p.ChunkID = id.ChunkID(cid)
	if value.Valid {
		p.AcceptedValue, err = decodeNodeIDs(value.String)
		if err != nil {
			return Proposal{}, fmt.Errorf("decode accepted value: %w", err)
		}
	}
	return p, nil
}

// Promise records ballot as the promised ballot for the chunk, entering the
// prepare phase. Fails with ErrConflict if an equal or higher ballot was
// already promised, and with ErrCommitted if the chunk is committed.
func (c *Catalog) Promise(ctx context.Context, chunkID id.ChunkID, ballot int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promise: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		promised int64
		phase    string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT promised_ballot, phase FROM proposals WHERE chunk_id = ?",
		chunkID.String()).Scan(&promised, &phase)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (chunk_id, promised_ballot, phase) VALUES (?, ?, ?)`,
			chunkID.String(), ballot, PhasePrepare); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read proposal: %w", err)
	default:
		if phase == PhaseCommitted {
			return ErrCommitted
		}
		if ballot <= promised {
			return fmt.Errorf("%w: ballot %d <= promised %d", ErrConflict, ballot, promised)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET promised_ballot = ?, phase = ? WHERE chunk_id = ?`,
			ballot, PhasePrepare, chunkID.String()); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
	}

	return tx.Commit()
}

// PlacementCommit is the atomic unit recorded when a quorum confirmed.
type PlacementCommit struct {
	Chunk     Chunk
	Ballot    int64
	NodeIDs   []id.NodeID // confirming nodes, becomes the accepted value
	Fragments []Fragment  // erasure mode only
}

// CommitPlacement writes the chunk row, its replica (or fragment) rows, and
// the committed proposal in a single transaction. The ballot must be at
// least the promised ballot; a racing higher promise fails the commit
// with ErrConflict. Freezes the stream's redundancy mode on first commit
// and advances the stream to active when its last chunk commits.
func (c *Catalog) CommitPlacement(ctx context.Context, pc PlacementCommit) error {
	if len(pc.NodeIDs) == 0 {
		return errors.New("empty accepted value")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		promised int64
		phase    string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT promised_ballot, phase FROM proposals WHERE chunk_id = ?",
		pc.Chunk.ID.String()).Scan(&promised, &phase)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: commit without prepare", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("read proposal: %w", err)
	}
	if phase == PhaseCommitted {
		return ErrCommitted
	}
	if pc.Ballot < promised {
		return fmt.Errorf("%w: ballot %d < promised %d", ErrConflict, pc.Ballot, promised)
	}

	value, err := encodeNodeIDs(pc.NodeIDs)
	if err != nil {
		return fmt.Errorf("encode accepted value: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (id, stream_id, seq, size, hash, mode)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		pc.Chunk.ID.String(), pc.Chunk.StreamID.String(), pc.Chunk.Seq,
		pc.Chunk.Size, pc.Chunk.Hash.String(), string(pc.Chunk.Mode)); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	// Replace any rows left behind by a lower-ballot attempt.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM replicas WHERE chunk_id = ?", pc.Chunk.ID.String()); err != nil {
		return fmt.Errorf("clear replicas: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM fragments WHERE chunk_id = ?", pc.Chunk.ID.String()); err != nil {
		return fmt.Errorf("clear fragments: %w", err)
	}

	if pc.Chunk.Mode == wire.ModeErasure {
		for _, f := range pc.Fragments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fragments (chunk_id, frag_index, node_id, size, hash, status)
				VALUES (?, ?, ?, ?, ?, ?)`,
				pc.Chunk.ID.String(), f.Index, f.NodeID.String(), f.Size,
				f.Hash.String(), ReplicaActive); err != nil {
				return fmt.Errorf("insert fragment %d: %w", f.Index, err)
			}
		}
	} else {
		for _, nid := range pc.NodeIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO replicas (chunk_id, node_id, status, ballot)
				VALUES (?, ?, ?, ?)`,
				pc.Chunk.ID.String(), nid.String(), ReplicaActive, pc.Ballot); err != nil {
				return fmt.Errorf("insert replica %s: %w", nid, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET accepted_ballot = ?, accepted_value = ?, phase = ?
		WHERE chunk_id = ?`,
		pc.Ballot, value, PhaseCommitted, pc.Chunk.ID.String()); err != nil {
		return fmt.Errorf("commit proposal: %w", err)
	}

	// Freeze the stream's mode at first commit.
	if _, err := tx.ExecContext(ctx, `
		UPDATE streams SET redundancy_mode = ?
		WHERE id = ? AND redundancy_mode IS NULL`,
		string(pc.Chunk.Mode), pc.Chunk.StreamID.String()); err != nil {
		return fmt.Errorf("freeze stream mode: %w", err)
	}

	// Advance to active once every chunk has committed.
	if _, err := tx.ExecContext(ctx, `
		UPDATE streams SET status = ?
		WHERE id = ? AND status = ?
		  AND chunk_count > 0
		  AND chunk_count = (SELECT count(*) FROM chunks WHERE stream_id = streams.id)`,
		string(wire.StreamActive), pc.Chunk.StreamID.String(), string(wire.StreamUploading)); err != nil {
		return fmt.Errorf("advance stream status: %w", err)
	}

	return tx.Commit()
}
