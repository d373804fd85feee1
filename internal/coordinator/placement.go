package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"vstack/internal/catalog"
	"vstack/internal/id"
	"vstack/internal/verrors"
	"vstack/internal/wire"
)

// Placement runs the per-chunk commit protocol. Proposals for distinct
// chunk ids never interact: each chunk id serializes through its own lock
// and its own proposal row.
type Placement struct {
	cat      *catalog.Catalog
	registry *Registry
	cfg      Config
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[id.ChunkID]*sync.Mutex
}

// NewPlacement builds the protocol runner.
func NewPlacement(cat *catalog.Catalog, registry *Registry, cfg Config, client *http.Client, logger *slog.Logger) *Placement {
	return &Placement{
		cat:      cat,
		registry: registry,
		cfg:      cfg,
		client:   client,
		logger:   logger.With("subsystem", "placement"),
		locks:    make(map[id.ChunkID]*sync.Mutex),
	}
}

// lockFor returns the per-chunk mutex, creating it on first use. Locks are
// never removed, so the table holds one entry for every chunk id this
// coordinator has placed since it started.
func (p *Placement) lockFor(chunkID id.ChunkID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[chunkID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[chunkID] = l
	}
	return l
}

// Quorum is the majority of a candidate set.
func Quorum(n int) int { return n/2 + 1 }

// Commit executes the protocol for one chunk: choose a fresh ballot,
// verify presence on the candidate nodes, and atomically record the
// accepted placement if a quorum confirmed.
func (p *Placement) Commit(ctx context.Context, req wire.CommitRequest) (wire.CommitResponse, error) {
	streamID, err := id.ParseStreamID(req.StreamID)
	if err != nil {
		return wire.CommitResponse{}, verrors.New(verrors.KindBadRequest, err)
	}
	hash, err := id.ParseContentHash(req.Hash)
	if err != nil {
		return wire.CommitResponse{}, verrors.New(verrors.KindBadRequest, err)
	}
	if req.Seq < 0 || req.Size <= 0 {
		return wire.CommitResponse{}, verrors.Newf(verrors.KindBadRequest, "bad sequence or size")
	}
	if !req.Mode.Valid() {
		return wire.CommitResponse{}, verrors.Newf(verrors.KindBadRequest, "unknown redundancy mode %q", req.Mode)
	}
	if len(req.NodeIDs) < 2 {
		return wire.CommitResponse{}, verrors.Newf(verrors.KindBadRequest, "commit below 2 nodes is refused")
	}
	if req.Mode == wire.ModeErasure && len(req.Fragments) != len(req.NodeIDs) {
		return wire.CommitResponse{}, verrors.Newf(verrors.KindBadRequest,
			"erasure commit needs one fragment per node: %d fragments, %d nodes", len(req.Fragments), len(req.NodeIDs))
	}

	if _, err := p.cat.GetStream(ctx, streamID); err != nil {
		if errors.Is(err, catalog.ErrStreamNotFound) {
			return wire.CommitResponse{}, verrors.New(verrors.KindBadRequest, err)
		}
		return wire.CommitResponse{}, err
	}

	chunkID := id.ChunkIDFor(streamID, req.Seq)

	nodeIDs := make([]id.NodeID, len(req.NodeIDs))
	for i, n := range req.NodeIDs {
		nodeIDs[i] = id.NodeID(n)
	}
	urls, err := p.registry.URLsFor(ctx, nodeIDs)
	if err != nil {
		if errors.Is(err, catalog.ErrNodeNotFound) {
			return wire.CommitResponse{}, verrors.New(verrors.KindBadRequest, err)
		}
		return wire.CommitResponse{}, err
	}

	lock := p.lockFor(chunkID)
	lock.Lock()
	defer lock.Unlock()

	// Choose a ballot strictly greater than any seen for this chunk.
	prop, err := p.cat.GetProposal(ctx, chunkID)
	if err != nil {
		return wire.CommitResponse{}, err
	}
	if prop.Phase == catalog.PhaseCommitted {
		return wire.CommitResponse{}, verrors.Newf(verrors.KindConflict,
			"chunk %s already committed at ballot %d", chunkID, prop.AcceptedBallot)
	}
	ballot := max(prop.PromisedBallot, prop.AcceptedBallot) + 1

	if err := p.cat.Promise(ctx, chunkID, ballot); err != nil {
		if errors.Is(err, catalog.ErrConflict) || errors.Is(err, catalog.ErrCommitted) {
			return wire.CommitResponse{}, verrors.New(verrors.KindConflict, err)
		}
		return wire.CommitResponse{}, err
	}

	confirmed := p.verifyPresence(ctx, req, chunkID, nodeIDs, urls)

	quorum := Quorum(len(nodeIDs))
	required := quorum
	if req.Mode == wire.ModeErasure {
		// An erasure placement is one fragment per node: every fragment
		// holder must confirm, or the committed value would be short.
		required = len(nodeIDs)
	}
	if len(confirmed) < required {
		p.logger.Warn("quorum not reached",
			"chunk", chunkID.String(),
			"ballot", ballot,
			"confirmed", len(confirmed),
			"required", required,
		)
		return wire.CommitResponse{}, verrors.Newf(verrors.KindQuorumNotReached,
			"chunk %s: %d of %d nodes confirmed, need %d", chunkID, len(confirmed), len(nodeIDs), required)
	}

	var frags []catalog.Fragment
	if req.Mode == wire.ModeErasure {
		for _, f := range req.Fragments {
			fh, err := id.ParseContentHash(f.Hash)
			if err != nil {
				return wire.CommitResponse{}, verrors.New(verrors.KindBadRequest, err)
			}
			frags = append(frags, catalog.Fragment{
				ChunkID: chunkID,
				Index:   f.Index,
				NodeID:  id.NodeID(f.NodeID),
				Size:    f.Size,
				Hash:    fh,
			})
		}
	}

	pc := catalog.PlacementCommit{
		Chunk: catalog.Chunk{
			ID:       chunkID,
			StreamID: streamID,
			Seq:      req.Seq,
			Size:     req.Size,
			Hash:     hash,
			Mode:     req.Mode,
		},
		Ballot:    ballot,
		NodeIDs:   confirmed,
		Fragments: frags,
	}
	if err := p.cat.CommitPlacement(ctx, pc); err != nil {
		if errors.Is(err, catalog.ErrConflict) || errors.Is(err, catalog.ErrCommitted) {
			return wire.CommitResponse{}, verrors.New(verrors.KindConflict, err)
		}
		return wire.CommitResponse{}, err
	}

	p.logger.Info("placement committed",
		"chunk", chunkID.String(),
		"ballot", ballot,
		"mode", string(req.Mode),
		"nodes", len(confirmed),
	)

	out := wire.CommitResponse{ChunkID: chunkID.String(), Ballot: ballot}
	for _, n := range confirmed {
		out.Committed = append(out.Committed, n.String())
	}
	return out, nil
}

// verifyPresence issues a parallel head request per candidate node. A node
// that errors or exceeds the probe deadline is counted as a
// non-confirmation; it is not retried within the same proposal.
func (p *Placement) verifyPresence(ctx context.Context, req wire.CommitRequest, chunkID id.ChunkID, nodeIDs []id.NodeID, urls map[id.NodeID]string) []id.NodeID {
	// In erasure mode each node holds its own fragment id.
	fragFor := make(map[id.NodeID]id.ChunkID, len(nodeIDs))
	if req.Mode == wire.ModeErasure {
		for _, f := range req.Fragments {
			fragFor[id.NodeID(f.NodeID)] = id.FragmentChunkID(chunkID, f.Index)
		}
	}

	results := make([]bool, len(nodeIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, nid := range nodeIDs {
		g.Go(func() error {
			target := chunkID
			if req.Mode == wire.ModeErasure {
				target = fragFor[nid]
			}
			results[i] = p.headChunk(gctx, urls[nid], target)
			return nil
		})
	}
	_ = g.Wait()

	var confirmed []id.NodeID
	for i, ok := range results {
		if ok {
			confirmed = append(confirmed, nodeIDs[i])
		}
	}
	return confirmed
}

func (p *Placement) headChunk(ctx context.Context, base string, chunkID id.ChunkID) bool {
	if base == "" {
		return false
	}
	u, err := url.JoinPath(base, "chunk", chunkID.String())
	if err != nil {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeDeadline)
	defer cancel()

	hreq, err := http.NewRequestWithContext(hctx, http.MethodHead, u, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(hreq)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
