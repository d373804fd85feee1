package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vstack/internal/id"
	"vstack/internal/wire"
)

func testHandler(t *testing.T) (*Coordinator, *httptest.Server) {
	t.Helper()
	c := testCoordinator(t, Config{})
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return c, srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateAndGetStreamHTTP(t *testing.T) {
	_, srv := testHandler(t)

	resp := postJSON(t, srv, "/streams", wire.CreateStreamRequest{
		Title:      "http stream",
		ChunkCount: 4,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var created wire.StreamRecord
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != wire.StreamUploading {
		t.Fatalf("status: %s", created.Status)
	}

	getResp, err := srv.Client().Get(srv.URL + "/streams/" + created.StreamID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", getResp.StatusCode)
	}
}

func TestStreamErrorsHTTP(t *testing.T) {
	_, srv := testHandler(t)

	// Unknown stream is a 404 with the error kind in the body.
	resp, err := srv.Client().Get(srv.URL + "/streams/" + id.NewStreamID().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream: status %d", resp.StatusCode)
	}
	var werr wire.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&werr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if werr.Kind != "not-found" {
		t.Fatalf("error kind: %s", werr.Kind)
	}

	// A malformed stream id is a 400.
	resp2, err := srv.Client().Get(srv.URL + "/streams/not-a-uuid")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad stream id: status %d", resp2.StatusCode)
	}

	// Create without required fields is a 400.
	resp3 := postJSON(t, srv, "/streams", wire.CreateStreamRequest{})
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty create: status %d", resp3.StatusCode)
	}
}

func TestNodeRegistrationHTTP(t *testing.T) {
	_, srv := testHandler(t)

	resp := postJSON(t, srv, "/nodes", wire.RegisterRequest{
		NodeID: "node-http", URL: "http://node-http:9000",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}

	resp = postJSON(t, srv, "/nodes/node-http/heartbeat", wire.HeartbeatRequest{
		DiskUsage: 0.2, ChunkCount: 7,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}

	// Heartbeats for unregistered nodes are rejected.
	resp = postJSON(t, srv, "/nodes/ghost/heartbeat", wire.HeartbeatRequest{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost heartbeat: status %d", resp.StatusCode)
	}

	listResp, err := srv.Client().Get(srv.URL + "/nodes")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var nodes []wire.NodeRecord
	if err := json.NewDecoder(listResp.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != "node-http" {
		t.Fatalf("nodes: %+v", nodes)
	}
	if nodes[0].ChunkCount != 7 {
		t.Fatalf("chunk count: %d", nodes[0].ChunkCount)
	}
}

func TestProposalEndpointHTTP(t *testing.T) {
	c, srv := testHandler(t)
	s := createStream(t, c, 1, 0)
	chunkID := id.ChunkIDFor(s.ID, 0)

	// No proposal yet: phase none.
	resp, err := srv.Client().Get(srv.URL + "/chunks/" + chunkID.String() + "/proposal")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	defer resp.Body.Close()
	var p wire.ProposalState
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Phase != "none" || p.PromisedBallot != 0 {
		t.Fatalf("fresh proposal: %+v", p)
	}
}

func TestEfficiencyHTTP(t *testing.T) {
	_, srv := testHandler(t)

	resp, err := srv.Client().Get(srv.URL + "/redundancy/efficiency")
	if err != nil {
		t.Fatalf("efficiency: %v", err)
	}
	defer resp.Body.Close()
	var report wire.EfficiencyReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Defaults: 1 - (5/3)/3 ~= 0.444
	if report.ErasureSavings < 0.44 || report.ErasureSavings > 0.45 {
		t.Fatalf("savings: %v", report.ErasureSavings)
	}
}
