// Package node runs a storage node: the HTTP request surface over the
// chunk store, plus the background heartbeat and index snapshot jobs.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"vstack/internal/id"
	"vstack/internal/logging"
	"vstack/internal/store"
	"vstack/internal/wire"
)

// Server is the node's HTTP surface.
type Server struct {
	store   *store.Store
	limiter *rateLimiter
	logger  *slog.Logger
}

// NewServer builds the surface over an open store.
func NewServer(st *store.Store, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		limiter: newRateLimiter(defaultPutRate, defaultPutBurst),
		logger:  logging.Default(logger).With("component", "node-server"),
	}
}

// Handler wires the routes.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.PUT("/chunk/:id", s.limiter.wrap(s.putChunk))
	router.GET("/chunk/:id", s.getChunk)
	router.HEAD("/chunk/:id", s.headChunk)
	router.DELETE("/chunk/:id", s.deleteChunk)
	router.HEAD("/ping", s.ping)
	router.GET("/health", s.health)

	return router
}

// statusFor maps store errors onto the wire contract.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrCapacityExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, store.ErrEmptyBody),
		errors.Is(err, store.ErrHashMismatch),
		errors.Is(err, id.ErrInvalidChunkID):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrMidWrite):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Message: err.Error()})
}

func (s *Server) putChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkID, err := id.ParseChunkID(ps.ByName("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.store.MaxChunk()+1))
	if err != nil {
		writeStoreError(w, fmt.Errorf("read body: %w", err))
		return
	}

	var expected id.ContentHash
	if h := r.Header.Get("X-Chunk-Checksum"); h != "" {
		expected, err = id.ParseContentHash(h)
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}

	hash, created, err := s.store.Put(chunkID, body, expected)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Location", "/chunk/"+chunkID.String())
	w.Header().Set("ETag", hash.String())
	w.Header().Set("X-Chunk-Size", fmt.Sprint(len(body)))
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) getChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkID, err := id.ParseChunkID(ps.ByName("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	data, hash, err := s.store.Get(chunkID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	entry, err := s.store.Head(chunkID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("ETag", hash.String())
	w.Header().Set("X-Superblock-ID", fmt.Sprint(entry.Superblock))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) headChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkID, err := id.ParseChunkID(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	entry, err := s.store.Head(chunkID)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(entry.Length))
	w.Header().Set("ETag", entry.Hash.String())
	w.Header().Set("X-Superblock-ID", fmt.Sprint(entry.Superblock))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteChunk(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkID, err := id.ParseChunkID(ps.ByName("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	existed, err := s.store.Delete(chunkID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !existed {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ping is the reader's latency measurement target: answer from in-memory
// state only, never touch disk.
func (s *Server) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()
	stats := s.store.Stats()
	w.Header().Set("X-Node-ID", stats.NodeID.String())
	w.Header().Set("X-Disk-Usage-Percent", fmt.Sprintf("%.2f", stats.DiskUsage*100))
	w.Header().Set("X-Chunk-Count", fmt.Sprint(stats.ChunkCount))
	w.Header().Set("X-Response-Time", time.Since(start).String())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := s.store.Stats()
	state := s.store.HealthState()

	status := http.StatusOK
	if state == "critical" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.HealthResponse{
		Status:     state,
		NodeID:     stats.NodeID.String(),
		DiskUsage:  stats.DiskUsage,
		ChunkCount: stats.ChunkCount,
		UptimeSec:  stats.UptimeSec,
	})
}
