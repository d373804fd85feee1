package node

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vstack/internal/id"
	"vstack/internal/store"
	"vstack/internal/wire"
)

func testServer(t *testing.T, cfg store.Config) (*httptest.Server, *store.Store) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-http"
	}
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer(NewServer(st, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func doPut(t *testing.T, srv *httptest.Server, chunkID string, body []byte, checksum string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/chunk/"+chunkID, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if checksum != "" {
		req.Header.Set("X-Chunk-Checksum", checksum)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPutGetHeadDelete(t *testing.T) {
	srv, _ := testServer(t, store.Config{})
	data := []byte("chunk over http")
	hash := id.HashBytes(data)

	resp := doPut(t, srv, "http-chunk", data, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put status: expected 201, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("ETag"); got != hash.String() {
		t.Fatalf("put etag: expected %s, got %s", hash, got)
	}

	// Repeat put is idempotent and returns 200.
	resp = doPut(t, srv, "http-chunk", data, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat put status: expected 200, got %d", resp.StatusCode)
	}

	// Get returns the bytes with headers.
	getResp, err := srv.Client().Get(srv.URL + "/chunk/http-chunk")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	got, _ := io.ReadAll(getResp.Body)
	if !bytes.Equal(got, data) {
		t.Fatal("get body mismatch")
	}
	if getResp.Header.Get("X-Superblock-ID") != "0" {
		t.Fatalf("superblock header: %s", getResp.Header.Get("X-Superblock-ID"))
	}

	// Head carries the same headers, no body.
	headResp, err := srv.Client().Head(srv.URL + "/chunk/http-chunk")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	_ = headResp.Body.Close()
	if headResp.StatusCode != http.StatusOK {
		t.Fatalf("head status: %d", headResp.StatusCode)
	}
	if headResp.Header.Get("ETag") != hash.String() {
		t.Fatalf("head etag: %s", headResp.Header.Get("ETag"))
	}

	// Delete then 404.
	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/chunk/http-chunk", nil)
	delResp, err := srv.Client().Do(delReq)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: expected 204, got %d", delResp.StatusCode)
	}
	delResp2, err := srv.Client().Do(delReq)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	_ = delResp2.Body.Close()
	if delResp2.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status: expected 404, got %d", delResp2.StatusCode)
	}
}

func TestPutErrors(t *testing.T) {
	srv, _ := testServer(t, store.Config{MaxChunk: 512, Capacity: 1 << 20})

	// Empty body.
	resp := doPut(t, srv, "empty", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", resp.StatusCode)
	}

	// Oversize body.
	resp = doPut(t, srv, "big", make([]byte, 513), "")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize: expected 413, got %d", resp.StatusCode)
	}

	// Invalid id.
	resp = doPut(t, srv, strings.Repeat("a", 65), []byte("x"), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("long id: expected 400, got %d", resp.StatusCode)
	}

	// Checksum mismatch.
	wrong := id.HashBytes([]byte("other"))
	resp = doPut(t, srv, "sum", []byte("payload"), wrong.String())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("checksum mismatch: expected 400, got %d", resp.StatusCode)
	}
}

func TestPutCapacityExhausted(t *testing.T) {
	srv, _ := testServer(t, store.Config{Capacity: 100, CritUsage: 0.5})

	resp := doPut(t, srv, "fill", make([]byte, 60), "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("fill put: %d", resp.StatusCode)
	}
	resp = doPut(t, srv, "refused", []byte("x"), "")
	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("expected 507, got %d", resp.StatusCode)
	}
}

func TestPing(t *testing.T) {
	srv, _ := testServer(t, store.Config{NodeID: "node-ping"})

	doPut(t, srv, "p-0", []byte("x"), "")

	resp, err := srv.Client().Head(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Node-ID") != "node-ping" {
		t.Fatalf("node id header: %s", resp.Header.Get("X-Node-ID"))
	}
	if resp.Header.Get("X-Chunk-Count") != "1" {
		t.Fatalf("chunk count header: %s", resp.Header.Get("X-Chunk-Count"))
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Fatal("missing response time header")
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, store.Config{NodeID: "node-health", Capacity: 100, WarnUsage: 0.5, CritUsage: 0.8})

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var h wire.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Status != "healthy" {
		t.Fatalf("fresh node: status %d %s", resp.StatusCode, h.Status)
	}

	// Push usage past critical: health flips to 503.
	doPut(t, srv, "h-fill", make([]byte, 85), "")
	resp, err = srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("critical node: expected 503, got %d", resp.StatusCode)
	}
	if h.Status != "critical" {
		t.Fatalf("critical node: status %s", h.Status)
	}
}
