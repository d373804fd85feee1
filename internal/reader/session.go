// Package reader implements the adaptive client: it fetches a manifest,
// probes every candidate node, schedules parallel chunk downloads against
// the best-scoring replicas with failover, and surfaces chunks to the
// playout consumer in strict sequence order.
package reader

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vstack/internal/erasure"
	"vstack/internal/id"
	"vstack/internal/logging"
	"vstack/internal/verrors"
	"vstack/internal/wire"
)

const (
	// DefaultConcurrency caps simultaneous chunk downloads.
	DefaultConcurrency = 4
	// DefaultDownloadDeadline bounds one download attempt.
	DefaultDownloadDeadline = 30 * time.Second
	// DefaultRetryBase seeds the failover backoff.
	DefaultRetryBase = time.Second
)

var (
	ErrNoReplicas   = errors.New("chunk has no replicas")
	ErrAllExhausted = errors.New("all replicas exhausted")
)

// Config carries the reader session's knobs.
type Config struct {
	Concurrency      int
	DownloadDeadline time.Duration
	ProbeInterval    time.Duration
	ProbeDeadline    time.Duration
	RetryBase        time.Duration
	StartSec         int
	LowWaterSec      int
	TargetSec        int
	Client           *http.Client

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.Concurrency = cmp.Or(c.Concurrency, DefaultConcurrency)
	c.DownloadDeadline = cmp.Or(c.DownloadDeadline, DefaultDownloadDeadline)
	c.ProbeInterval = cmp.Or(c.ProbeInterval, DefaultProbeInterval)
	c.ProbeDeadline = cmp.Or(c.ProbeDeadline, DefaultProbeDeadline)
	c.RetryBase = cmp.Or(c.RetryBase, DefaultRetryBase)
	c.StartSec = cmp.Or(c.StartSec, DefaultStartSec)
	c.LowWaterSec = cmp.Or(c.LowWaterSec, DefaultLowWaterSec)
	c.TargetSec = cmp.Or(c.TargetSec, DefaultTargetSec)
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

// FetchManifest retrieves a stream's manifest from the coordinator.
func FetchManifest(ctx context.Context, client *http.Client, coordinatorURL string, streamID id.StreamID) (wire.Manifest, error) {
	if client == nil {
		client = &http.Client{}
	}
	url := fmt.Sprintf("%s/streams/%s/manifest", coordinatorURL, streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return wire.Manifest{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return wire.Manifest{}, verrors.New(verrors.KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return wire.Manifest{}, verrors.Newf(verrors.FromStatus(resp.StatusCode),
			"manifest fetch: coordinator returned %d", resp.StatusCode)
	}
	var m wire.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return wire.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Session is one playout session over a fixed manifest. All state is
// per-session; nothing is shared across sessions.
type Session struct {
	manifest wire.Manifest
	cfg      Config
	prober   *Prober
	buffer   *PlayoutBuffer
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]int // node URL -> concurrent downloads
	failed   int            // chunks whose every replica failed

	coderMu sync.Mutex
	coders  map[erasure.Params]*erasure.Coder
}

// NewSession builds a session for the manifest.
func NewSession(manifest wire.Manifest, cfg Config) *Session {
	cfg = cfg.withDefaults()
	logger := logging.Default(cfg.Logger).With("component", "reader", "stream", manifest.StreamID)

	urls := manifestNodeURLs(manifest)
	return &Session{
		manifest: manifest,
		cfg:      cfg,
		prober:   NewProber(urls, cfg.ProbeInterval, cfg.ProbeDeadline, cfg.Client),
		buffer:   NewPlayoutBuffer(manifest.ChunkSec, cfg.StartSec, cfg.TargetSec, len(manifest.Entries)),
		logger:   logger,
		inflight: make(map[string]int),
		coders:   make(map[erasure.Params]*erasure.Coder),
	}
}

func manifestNodeURLs(m wire.Manifest) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, e := range m.Entries {
		for _, r := range e.Replicas {
			if r.URL != "" && !seen[r.URL] {
				seen[r.URL] = true
				urls = append(urls, r.URL)
			}
		}
		for _, f := range e.Fragments {
			if f.URL != "" && !seen[f.URL] {
				seen[f.URL] = true
				urls = append(urls, f.URL)
			}
		}
	}
	return urls
}

// Buffer exposes playout state for observation.
func (s *Session) Buffer() *PlayoutBuffer { return s.buffer }

// FailedChunks reports how many chunks exhausted every replica.
func (s *Session) FailedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Run downloads the stream and calls emit for each chunk in sequence
// order. A chunk whose every replica failed is emitted with nil data.
// Returns once every chunk has been surfaced or ctx is cancelled.
func (s *Session) Run(ctx context.Context, emit func(seq int, data []byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.prober.Run(ctx)
	go func() {
		<-ctx.Done()
		s.buffer.Close()
	}()

	var wg sync.WaitGroup
	jobs := make(chan int)

	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range jobs {
				s.downloadChunk(ctx, seq)
			}
		}()
	}

	// Feed sequence numbers in order, pausing while the buffer holds the
	// soft prefetch target. Refill naturally outranks prefetch: the lowest
	// missing sequence is always dispatched first.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for seq := range s.manifest.Entries {
			for !s.buffer.WantMore() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			select {
			case jobs <- seq:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Surface chunks in strict sequence order.
	var emitErr error
	for {
		seq, data, ok := s.buffer.Next()
		if !ok {
			break
		}
		if emit != nil {
			if err := emit(seq, data); err != nil {
				emitErr = err
				cancel()
				break
			}
		}
		if s.buffer.State() == StatePlaying && s.buffer.BufferedSec() < s.cfg.LowWaterSec {
			s.logger.Debug("buffer below low water",
				"seq", seq, "buffered_sec", s.buffer.BufferedSec())
		}
	}

	cancel()
	wg.Wait()
	return emitErr
}

// downloadChunk fetches one chunk with failover and hands it to the buffer.
func (s *Session) downloadChunk(ctx context.Context, seq int) {
	entry := s.manifest.Entries[seq]

	var (
		data []byte
		err  error
	)
	if entry.Mode == wire.ModeErasure {
		data, err = s.fetchErasure(ctx, entry)
	} else {
		data, err = s.fetchReplicated(ctx, entry)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("chunk download failed", "chunk", entry.ChunkID, "seq", seq, "error", err)
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
		}
		s.buffer.Skip(seq)
		return
	}
	s.buffer.Insert(seq, data)
}

func (s *Session) acquire(url string) {
	s.mu.Lock()
	s.inflight[url]++
	s.mu.Unlock()
}

func (s *Session) release(url string) {
	s.mu.Lock()
	s.inflight[url]--
	s.mu.Unlock()
}

func (s *Session) busy(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[url] > 0
}

// fetchReplicated walks the replica list best-score first with bounded
// exponential backoff between attempts.
func (s *Session) fetchReplicated(ctx context.Context, entry wire.ManifestEntry) ([]byte, error) {
	if len(entry.Replicas) == 0 {
		return nil, ErrNoReplicas
	}

	remaining := make([]string, 0, len(entry.Replicas))
	for _, r := range entry.Replicas {
		if r.URL != "" {
			remaining = append(remaining, r.URL)
		}
	}

	backoff := s.cfg.RetryBase
	for attempt := 0; len(remaining) > 0; attempt++ {
		url := s.prober.Pick(remaining, s.busy)
		if url == "" {
			break
		}
		remaining = removeString(remaining, url)

		data, err := s.fetchChunkBody(ctx, url, id.ChunkID(entry.ChunkID), id.ContentHash(entry.Hash), entry.Size)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.prober.RecordFailure(url)
		s.logger.Debug("replica attempt failed", "chunk", entry.ChunkID, "node", url, "error", err)

		if len(remaining) > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, ErrAllExhausted
}

// fetchChunkBody downloads and verifies one chunk (or fragment) body.
func (s *Session) fetchChunkBody(ctx context.Context, nodeURL string, chunkID id.ChunkID, expect id.ContentHash, size int) ([]byte, error) {
	s.acquire(nodeURL)
	defer s.release(nodeURL)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(dctx, http.MethodGet,
		fmt.Sprintf("%s/chunk/%s", nodeURL, chunkID), http.NoBody)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, verrors.New(verrors.KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, verrors.Newf(verrors.FromStatus(resp.StatusCode),
			"node returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, verrors.New(verrors.KindTransient, err)
	}
	if size > 0 && len(data) != size {
		return nil, verrors.Newf(verrors.KindCorruptionDetected,
			"short read: %d of %d bytes", len(data), size)
	}
	if got := id.HashBytes(data); got != expect {
		return nil, verrors.Newf(verrors.KindIntegrityMismatch,
			"hash mismatch: expected %s, got %s", expect, got)
	}

	s.prober.RecordTransfer(nodeURL, len(data), time.Since(start))
	return data, nil
}

// fetchErasure collects K valid fragments (best-score first, the first K
// in parallel), widening to additional fragments on failure, then
// reconstructs and verifies against the chunk's top-level hash.
func (s *Session) fetchErasure(ctx context.Context, entry wire.ManifestEntry) ([]byte, error) {
	if len(entry.Fragments) == 0 {
		return nil, ErrNoReplicas
	}
	params := erasure.Params{Data: entry.DataK, Parity: entry.ParityM}
	coder, err := s.coderFor(params)
	if err != nil {
		return nil, err
	}

	// Order fragment candidates by node score.
	candidates := append([]wire.FragmentLocation(nil), entry.Fragments...)
	sort.SliceStable(candidates, func(i, j int) bool {
		return s.prober.Score(candidates[i].URL) > s.prober.Score(candidates[j].URL)
	})

	shards := make([][]byte, params.Total())
	have := 0

	fetchFrag := func(ctx context.Context, f wire.FragmentLocation) ([]byte, error) {
		fragID := id.FragmentChunkID(id.ChunkID(entry.ChunkID), f.Index)
		return s.fetchChunkBody(ctx, f.URL, fragID, id.ContentHash(f.Hash), f.Size)
	}

	// First wave: the best K fragments in parallel.
	wave := candidates
	if len(wave) > params.Data {
		wave = candidates[:params.Data]
	}
	rest := candidates[len(wave):]

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range wave {
		g.Go(func() error {
			data, err := fetchFrag(gctx, f)
			if err != nil {
				s.prober.RecordFailure(f.URL)
				s.logger.Debug("fragment attempt failed", "chunk", entry.ChunkID, "index", f.Index, "error", err)
				return nil
			}
			mu.Lock()
			if shards[f.Index] == nil {
				shards[f.Index] = data
				have++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Top up sequentially from the remaining fragments until K are valid.
	for _, f := range rest {
		if have >= params.Data {
			break
		}
		if shards[f.Index] != nil {
			continue
		}
		data, err := fetchFrag(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.prober.RecordFailure(f.URL)
			continue
		}
		shards[f.Index] = data
		have++
	}

	if have < params.Data {
		return nil, fmt.Errorf("%w: %d of %d fragments", ErrAllExhausted, have, params.Data)
	}

	return coder.ReconstructVerified(shards, entry.Size, id.ContentHash(entry.Hash))
}

func (s *Session) coderFor(params erasure.Params) (*erasure.Coder, error) {
	s.coderMu.Lock()
	defer s.coderMu.Unlock()
	if c, ok := s.coders[params]; ok {
		return c, nil
	}
	c, err := erasure.NewCoder(params)
	if err != nil {
		return nil, err
	}
	s.coders[params] = c
	return c, nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
