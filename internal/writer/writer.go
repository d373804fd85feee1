// Package writer is the placement client: it splits an input into chunks,
// uploads each chunk (or its erasure fragments) to candidate nodes in
// parallel, and asks the coordinator to commit the placement.
package writer

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"vstack/internal/erasure"
	"vstack/internal/id"
	"vstack/internal/logging"
	"vstack/internal/verrors"
	"vstack/internal/wire"
)

const (
	// DefaultChunkBytes is the nominal chunk payload size.
	DefaultChunkBytes = 2 << 20
	// DefaultChunkSec is the nominal chunk duration.
	DefaultChunkSec = 10

	retryAttempts = 3
)

var ErrTooFewNodes = errors.New("not enough healthy nodes")

// Config carries the writer's knobs.
type Config struct {
	CoordinatorURL string
	ChunkBytes     int
	ChunkSec       int
	RetryBase      time.Duration
	Client         *http.Client

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Writer uploads streams.
type Writer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New builds a writer against a coordinator.
func New(cfg Config) *Writer {
	cfg.ChunkBytes = cmp.Or(cfg.ChunkBytes, DefaultChunkBytes)
	cfg.ChunkSec = cmp.Or(cfg.ChunkSec, DefaultChunkSec)
	cfg.RetryBase = cmp.Or(cfg.RetryBase, time.Second)
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Writer{
		cfg:    cfg,
		client: cfg.Client,
		logger: logging.Default(cfg.Logger).With("component", "writer"),
	}
}

// Result summarizes an uploaded stream.
type Result struct {
	Stream wire.StreamRecord
	Chunks []wire.CommitResponse
}

// Upload splits src into chunks, creates the stream, places every chunk,
// and returns once the stream is active.
func (w *Writer) Upload(ctx context.Context, title string, src io.Reader) (Result, error) {
	chunks, err := w.segment(src)
	if err != nil {
		return Result{}, err
	}
	if len(chunks) == 0 {
		return Result{}, errors.New("empty input")
	}

	stream, err := w.createStream(ctx, title, len(chunks))
	if err != nil {
		return Result{}, err
	}
	streamID, err := id.ParseStreamID(stream.StreamID)
	if err != nil {
		return Result{}, err
	}

	rec, err := w.recommend(ctx, streamID)
	if err != nil {
		return Result{}, err
	}

	result := Result{Stream: stream}
	for seq, data := range chunks {
		commit, err := w.placeChunk(ctx, streamID, seq, data, rec)
		if err != nil {
			return result, fmt.Errorf("chunk %d: %w", seq, err)
		}
		result.Chunks = append(result.Chunks, commit)
	}

	w.logger.Info("stream uploaded",
		"stream", stream.StreamID,
		"chunks", len(chunks),
		"mode", string(rec.Mode),
	)
	return result, nil
}

// segment reads src into fixed-size chunk payloads.
func (w *Writer) segment(src io.Reader) ([][]byte, error) {
	var chunks [][]byte
	for {
		buf := make([]byte, w.cfg.ChunkBytes)
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
}

// placeChunk uploads one chunk to its candidate nodes and commits the
// placement, retrying transient and quorum failures with exponential
// backoff. Each attempt re-reads the healthy node list and uses up to the
// recommended number of nodes from it, so the candidate set shrinks only
// when fewer nodes are healthy; a quorum failure does not by itself shrink
// it. An attempt with fewer than 2 nodes fails.
func (w *Writer) placeChunk(ctx context.Context, streamID id.StreamID, seq int, data []byte, rec wire.RecommendResponse) (wire.CommitResponse, error) {
	want := rec.Replicas
	if rec.Mode == wire.ModeErasure {
		want = rec.DataK + rec.ParityM
	}

	backoff := w.cfg.RetryBase
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wire.CommitResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		nodes, err := w.healthyNodes(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(nodes) > want {
			nodes = nodes[:want]
		}
		if rec.Mode == wire.ModeErasure && len(nodes) < want {
			// Erasure needs one distinct node per fragment.
			lastErr = fmt.Errorf("%w: %d of %d for erasure", ErrTooFewNodes, len(nodes), want)
			continue
		}
		if len(nodes) < 2 {
			lastErr = fmt.Errorf("%w: %d", ErrTooFewNodes, len(nodes))
			continue
		}

		commit, err := w.uploadAndCommit(ctx, streamID, seq, data, rec, nodes)
		if err == nil {
			return commit, nil
		}
		lastErr = err
		if !verrors.Retryable(verrors.KindOf(err)) {
			return wire.CommitResponse{}, err
		}
		w.logger.Warn("placement attempt failed",
			"stream", streamID.String(), "seq", seq, "attempt", attempt, "error", err)
	}
	return wire.CommitResponse{}, lastErr
}

func (w *Writer) uploadAndCommit(ctx context.Context, streamID id.StreamID, seq int, data []byte, rec wire.RecommendResponse, nodes []wire.NodeRecord) (wire.CommitResponse, error) {
	chunkID := id.ChunkIDFor(streamID, seq)
	hash := id.HashBytes(data)

	req := wire.CommitRequest{
		StreamID: streamID.String(),
		Seq:      seq,
		Hash:     hash.String(),
		Size:     len(data),
		Mode:     rec.Mode,
	}

	if rec.Mode == wire.ModeErasure {
		coder, err := erasure.NewCoder(erasure.Params{Data: rec.DataK, Parity: rec.ParityM})
		if err != nil {
			return wire.CommitResponse{}, err
		}
		shards, err := coder.Encode(data)
		if err != nil {
			return wire.CommitResponse{}, err
		}

		g, gctx := errgroup.WithContext(ctx)
		for i, shard := range shards {
			node := nodes[i]
			fragID := id.FragmentChunkID(chunkID, i)
			g.Go(func() error {
				return w.putChunk(gctx, node.URL, fragID, shard)
			})
			req.NodeIDs = append(req.NodeIDs, node.NodeID)
			req.Fragments = append(req.Fragments, wire.FragmentMeta{
				Index:  i,
				NodeID: node.NodeID,
				Size:   len(shard),
				Hash:   id.HashBytes(shard).String(),
			})
		}
		if err := g.Wait(); err != nil {
			return wire.CommitResponse{}, err
		}
	} else {
		// Replicated: upload the whole chunk to each candidate. A single
		// failed upload is tolerated; the quorum check decides.
		g, gctx := errgroup.WithContext(ctx)
		for _, node := range nodes {
			req.NodeIDs = append(req.NodeIDs, node.NodeID)
			g.Go(func() error {
				if err := w.putChunk(gctx, node.URL, chunkID, data); err != nil {
					w.logger.Warn("chunk upload failed", "chunk", chunkID.String(), "node", node.NodeID, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return w.commit(ctx, req)
}

func (w *Writer) putChunk(ctx context.Context, nodeURL string, chunkID id.ChunkID, data []byte) error {
	url := fmt.Sprintf("%s/chunk/%s", nodeURL, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("X-Chunk-Checksum", id.HashBytes(data).String())

	resp, err := w.client.Do(req)
	if err != nil {
		return verrors.New(verrors.KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return verrors.Newf(verrors.FromStatus(resp.StatusCode),
			"put %s: node returned %d", chunkID, resp.StatusCode)
	}
	return nil
}

func (w *Writer) commit(ctx context.Context, req wire.CommitRequest) (wire.CommitResponse, error) {
	var resp wire.CommitResponse
	err := w.postJSON(ctx, w.cfg.CoordinatorURL+"/chunks/commit", req, &resp)
	return resp, err
}

func (w *Writer) createStream(ctx context.Context, title string, chunkCount int) (wire.StreamRecord, error) {
	var stream wire.StreamRecord
	err := w.postJSON(ctx, w.cfg.CoordinatorURL+"/streams", wire.CreateStreamRequest{
		Title:      title,
		ChunkSec:   w.cfg.ChunkSec,
		ChunkBytes: w.cfg.ChunkBytes,
		ChunkCount: chunkCount,
	}, &stream)
	return stream, err
}

func (w *Writer) recommend(ctx context.Context, streamID id.StreamID) (wire.RecommendResponse, error) {
	var rec wire.RecommendResponse
	err := w.getJSON(ctx, fmt.Sprintf("%s/streams/%s/recommend", w.cfg.CoordinatorURL, streamID), &rec)
	return rec, err
}

func (w *Writer) healthyNodes(ctx context.Context) ([]wire.NodeRecord, error) {
	var nodes []wire.NodeRecord
	if err := w.getJSON(ctx, w.cfg.CoordinatorURL+"/nodes/healthy", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (w *Writer) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return w.doJSON(req, out)
}

func (w *Writer) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	return w.doJSON(req, out)
}

func (w *Writer) doJSON(req *http.Request, out any) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return verrors.New(verrors.KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var werr wire.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&werr) == nil && werr.Message != "" {
			kind := verrors.FromStatus(resp.StatusCode)
			if werr.Kind == verrors.KindQuorumNotReached.String() {
				kind = verrors.KindQuorumNotReached
			}
			return verrors.Newf(kind, "%s: %s", req.URL.Path, werr.Message)
		}
		return verrors.Newf(verrors.FromStatus(resp.StatusCode),
			"%s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
