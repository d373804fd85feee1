package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"

	"vstack/internal/catalog"
	"vstack/internal/id"
	"vstack/internal/verrors"
	"vstack/internal/wire"
)

// Handler builds the coordinator's HTTP surface. Manifest responses can be
// large for long streams, so the whole surface is wrapped with gzip
// transport compression.
func (c *Coordinator) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/streams", c.createStream)
	router.GET("/streams", c.listStreams)
	router.GET("/streams/:id", c.getStream)
	router.DELETE("/streams/:id", c.deleteStream)
	router.GET("/streams/:id/manifest", c.getManifest)
	router.POST("/streams/:id/popularity", c.bumpPopularity)
	router.GET("/streams/:id/recommend", c.recommend)
	router.PUT("/streams/:id/redundancy", c.setOverride)
	router.DELETE("/streams/:id/redundancy", c.clearOverride)

	router.GET("/redundancy/efficiency", c.efficiency)

	router.POST("/chunks/commit", c.commitChunk)
	router.GET("/chunks/:id/placement", c.getPlacement)
	router.GET("/chunks/:id/proposal", c.getProposal)

	router.POST("/nodes", c.registerNode)
	router.POST("/nodes/:id/heartbeat", c.heartbeat)
	router.GET("/nodes", c.listNodes)
	router.GET("/nodes/healthy", c.listHealthy)
	router.GET("/nodes/summary", c.nodeSummary)

	return gzhttp.GzipHandler(router)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error to its wire status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	kind := verrors.KindOf(err)
	if kind == verrors.KindUnknown {
		switch {
		case errors.Is(err, catalog.ErrStreamNotFound),
			errors.Is(err, catalog.ErrChunkNotFound),
			errors.Is(err, catalog.ErrNodeNotFound):
			kind = verrors.KindNotFound
		case errors.Is(err, catalog.ErrConflict), errors.Is(err, catalog.ErrCommitted):
			kind = verrors.KindConflict
		case errors.Is(err, id.ErrInvalidChunkID),
			errors.Is(err, id.ErrInvalidStreamID),
			errors.Is(err, id.ErrInvalidHash):
			kind = verrors.KindBadRequest
		}
	}
	writeJSON(w, verrors.HTTPStatus(kind), wire.ErrorResponse{
		Kind:    kind.String(),
		Message: err.Error(),
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return verrors.Newf(verrors.KindBadRequest, "decode request: %v", err)
	}
	return nil
}

func streamParam(ps httprouter.Params) (id.StreamID, error) {
	sid, err := id.ParseStreamID(ps.ByName("id"))
	if err != nil {
		return id.StreamID{}, verrors.New(verrors.KindBadRequest, err)
	}
	return sid, nil
}

func streamToWire(s catalog.Stream) wire.StreamRecord {
	return wire.StreamRecord{
		StreamID:     s.ID.String(),
		Title:        s.Title,
		DurationSec:  s.DurationSec,
		ChunkSec:     s.ChunkSec,
		ChunkBytes:   s.ChunkBytes,
		ChunkCount:   s.ChunkCount,
		Status:       s.Status,
		Mode:         s.Mode,
		ModeOverride: s.ModeOverride,
		Popularity:   s.Popularity,
		CreatedAt:    s.CreatedAt,
	}
}

func (c *Coordinator) createStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req wire.CreateStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" || req.ChunkCount <= 0 {
		writeError(w, verrors.Newf(verrors.KindBadRequest, "title and chunk_count are required"))
		return
	}
	if req.ForceMode != "" && !wire.RedundancyMode(req.ForceMode).Valid() {
		writeError(w, verrors.Newf(verrors.KindBadRequest, "unknown force_mode %q", req.ForceMode))
		return
	}

	s := catalog.Stream{
		ID:           id.NewStreamID(),
		Title:        req.Title,
		DurationSec:  req.DurationSec,
		ChunkSec:     req.ChunkSec,
		ChunkBytes:   req.ChunkBytes,
		ChunkCount:   req.ChunkCount,
		ModeOverride: wire.RedundancyMode(req.ForceMode),
		Popularity:   req.SeedPopularity,
	}
	if s.ChunkSec == 0 {
		s.ChunkSec = 10
	}
	if s.ChunkBytes == 0 {
		s.ChunkBytes = 2 << 20
	}
	if err := c.cat.CreateStream(r.Context(), s); err != nil {
		writeError(w, err)
		return
	}
	created, err := c.cat.GetStream(r.Context(), s.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, streamToWire(created))
}

func (c *Coordinator) listStreams(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	streams, err := c.cat.ListStreams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]wire.StreamRecord, 0, len(streams))
	for _, s := range streams {
		out = append(out, streamToWire(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Coordinator) getStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := c.cat.GetStream(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, streamToWire(s))
}

func (c *Coordinator) deleteStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.cat.DeleteStream(r.Context(), sid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getManifest dispenses the manifest and counts the access toward the
// stream's popularity.
func (c *Coordinator) getManifest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := c.cat.Manifest(r.Context(), sid, c.cfg.DataShards, c.cfg.ParityShards)
	if err != nil {
		writeError(w, err)
		return
	}
	if m.Status == wire.StreamDeleted {
		writeError(w, verrors.Newf(verrors.KindNotFound, "stream %s is deleted", sid))
		return
	}
	if _, err := c.cat.IncrementPopularity(r.Context(), sid); err != nil {
		c.logger.Warn("popularity increment failed", "stream", sid.String(), "error", err)
	}
	writeJSON(w, http.StatusOK, m)
}

func (c *Coordinator) bumpPopularity(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	pop, err := c.cat.IncrementPopularity(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"popularity": pop})
}

func (c *Coordinator) recommend(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := c.Recommend(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Coordinator) setOverride(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	var req wire.OverrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Mode.Valid() {
		writeError(w, verrors.Newf(verrors.KindBadRequest, "unknown mode %q", req.Mode))
		return
	}
	if err := c.cat.SetModeOverride(r.Context(), sid, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) clearOverride(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid, err := streamParam(ps)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.cat.SetModeOverride(r.Context(), sid, ""); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) efficiency(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report, err := c.Efficiency(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (c *Coordinator) commitChunk(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req wire.CommitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := c.placement.Commit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// getPlacement returns the committed replica or fragment locations for a
// chunk.
func (c *Coordinator) getPlacement(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkID, err := id.ParseChunkID(ps.ByName("id"))
	if err != nil {
		writeError(w, verrors.New(verrors.KindBadRequest, err))
		return
	}
	ch, err := c.cat.GetChunk(r.Context(), chunkID)
	if err != nil {
		writeError(w, err)
		return
	}

	entry := wire.ManifestEntry{
		ChunkID: ch.ID.String(),
		Seq:     ch.Seq,
		Size:    ch.Size,
		Hash:    ch.Hash.String(),
		Mode:    ch.Mode,
	}
	if ch.Mode == wire.ModeErasure {
		frags, err := c.cat.Fragments(r.Context(), chunkID)
		if err != nil {
			writeError(w, err)
			return
		}
		entry.DataK = c.cfg.DataShards
		entry.ParityM = c.cfg.ParityShards
		urls, err := c.cat.NodeURLs(r.Context(), fragmentNodes(frags))
		if err != nil {
			writeError(w, err)
			return
		}
		for _, f := range frags {
			entry.Fragments = append(entry.Fragments, wire.FragmentLocation{
				Index:  f.Index,
				NodeID: f.NodeID.String(),
				URL:    urls[f.NodeID],
				Size:   f.Size,
				Hash:   f.Hash.String(),
			})
		}
	} else {
		reps, err := c.cat.Replicas(r.Context(), chunkID)
		if err != nil {
			writeError(w, err)
			return
		}
		urls, err := c.cat.NodeURLs(r.Context(), replicaNodes(reps))
		if err != nil {
			writeError(w, err)
			return
		}
		for _, rep := range reps {
			if rep.Status != catalog.ReplicaActive {
				continue
			}
			entry.Replicas = append(entry.Replicas, wire.ReplicaLocation{
				NodeID: rep.NodeID.String(),
				URL:    urls[rep.NodeID],
			})
		}
	}
	writeJSON(w, http.StatusOK, entry)
}

func fragmentNodes(frags []catalog.Fragment) []id.NodeID {
	out := make([]id.NodeID, 0, len(frags))
	for _, f := range frags {
		out = append(out, f.NodeID)
	}
	return out
}

func replicaNodes(reps []catalog.Replica) []id.NodeID {
	out := make([]id.NodeID, 0, len(reps))
	for _, r := range reps {
		out = append(out, r.NodeID)
	}
	return out
}

func (c *Coordinator) getProposal(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkID, err := id.ParseChunkID(ps.ByName("id"))
	if err != nil {
		writeError(w, verrors.New(verrors.KindBadRequest, err))
		return
	}
	p, err := c.cat.GetProposal(r.Context(), chunkID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := wire.ProposalState{
		ChunkID:        p.ChunkID.String(),
		PromisedBallot: p.PromisedBallot,
		AcceptedBallot: p.AcceptedBallot,
		Phase:          p.Phase,
	}
	for _, n := range p.AcceptedValue {
		resp.AcceptedValue = append(resp.AcceptedValue, n.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Coordinator) registerNode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req wire.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.URL == "" {
		writeError(w, verrors.Newf(verrors.KindBadRequest, "node_id and url are required"))
		return
	}
	if err := c.registry.Register(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (c *Coordinator) heartbeat(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req wire.HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := c.registry.Heartbeat(r.Context(), id.NodeID(ps.ByName("id")), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) listNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nodes, err := c.registry.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (c *Coordinator) listHealthy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nodes, err := c.registry.Healthy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]wire.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wire.NodeRecord{
			NodeID:        n.ID.String(),
			URL:           n.URL,
			State:         wire.NodeHealthy,
			DiskUsage:     n.DiskUsage,
			ChunkCount:    n.ChunkCount,
			LastHeartbeat: n.LastHeartbeat,
			RegisteredAt:  n.RegisteredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Coordinator) nodeSummary(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sum, err := c.registry.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
