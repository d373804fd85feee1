package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vstack/internal/catalog"
	"vstack/internal/id"
	"vstack/internal/verrors"
	"vstack/internal/wire"
)

func testCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "catalog.db")
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeChunkNode answers HEAD /chunk/{id} from a set of present ids.
type fakeChunkNode struct {
	srv *httptest.Server

	mu      sync.Mutex
	present map[string]bool
	hang    bool
}

func newFakeChunkNode(t *testing.T, ids ...string) *fakeChunkNode {
	t.Helper()
	n := &fakeChunkNode{present: make(map[string]bool)}
	for _, cid := range ids {
		n.present[cid] = true
	}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		hang := n.hang
		cid := strings.TrimPrefix(r.URL.Path, "/chunk/")
		ok := n.present[cid]
		n.mu.Unlock()
		if hang {
			time.Sleep(2 * time.Second)
		}
		if ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeChunkNode) add(cid string) {
	n.mu.Lock()
	n.present[cid] = true
	n.mu.Unlock()
}

func registerFake(t *testing.T, c *Coordinator, nodeID string, n *fakeChunkNode) {
	t.Helper()
	ctx := context.Background()
	if err := c.Registry().Register(ctx, wire.RegisterRequest{NodeID: nodeID, URL: n.srv.URL}); err != nil {
		t.Fatalf("register %s: %v", nodeID, err)
	}
	if err := c.Registry().Heartbeat(ctx, id.NodeID(nodeID), wire.HeartbeatRequest{DiskUsage: 0.1}); err != nil {
		t.Fatalf("heartbeat %s: %v", nodeID, err)
	}
}

func createStream(t *testing.T, c *Coordinator, chunkCount int, popularity int64) catalog.Stream {
	t.Helper()
	s := catalog.Stream{
		ID:         id.NewStreamID(),
		Title:      "s",
		ChunkSec:   10,
		ChunkBytes: 1 << 20,
		ChunkCount: chunkCount,
		Popularity: popularity,
	}
	if err := c.Catalog().CreateStream(context.Background(), s); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return s
}

func TestRegistryStates(t *testing.T) {
	now := time.Now()
	c := testCoordinator(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	reg := c.Registry()
	for _, nid := range []string{"fresh", "warn", "crit", "stale", "silent"} {
		if err := reg.Register(ctx, wire.RegisterRequest{NodeID: nid, URL: "http://" + nid}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must := func(err error) {
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	must(reg.Heartbeat(ctx, "fresh", wire.HeartbeatRequest{DiskUsage: 0.2}))
	must(reg.Heartbeat(ctx, "warn", wire.HeartbeatRequest{DiskUsage: 0.9}))
	must(reg.Heartbeat(ctx, "crit", wire.HeartbeatRequest{DiskUsage: 0.99}))
	must(reg.Heartbeat(ctx, "stale", wire.HeartbeatRequest{DiskUsage: 0.1}))

	// Age out the stale node's heartbeat.
	now = now.Add(DefaultHeartbeatTimeout + time.Second)
	// Refresh the others.
	must(reg.Heartbeat(ctx, "fresh", wire.HeartbeatRequest{DiskUsage: 0.2}))
	must(reg.Heartbeat(ctx, "warn", wire.HeartbeatRequest{DiskUsage: 0.9}))
	must(reg.Heartbeat(ctx, "crit", wire.HeartbeatRequest{DiskUsage: 0.99}))

	all, err := reg.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	states := map[string]wire.NodeState{}
	for _, n := range all {
		states[n.NodeID] = n.State
	}
	want := map[string]wire.NodeState{
		"fresh":  wire.NodeHealthy,
		"warn":   wire.NodeWarning,
		"crit":   wire.NodeCritical,
		"stale":  wire.NodeUnreachable,
		"silent": wire.NodeUnreachable,
	}
	for nid, state := range want {
		if states[nid] != state {
			t.Fatalf("node %s: expected %s, got %s", nid, state, states[nid])
		}
	}

	// Only the fresh low-usage node is a placement candidate.
	healthy, err := reg.Healthy(ctx)
	if err != nil {
		t.Fatalf("healthy: %v", err)
	}
	if len(healthy) != 1 || healthy[0].ID != "fresh" {
		t.Fatalf("healthy set: %v", healthy)
	}

	sum, err := reg.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 5 || sum.Healthy != 1 || sum.Warning != 1 || sum.Critical != 1 || sum.Unreachable != 2 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestCommitQuorum(t *testing.T) {
	c := testCoordinator(t, Config{})
	ctx := context.Background()
	s := createStream(t, c, 2, 0)
	chunk0 := id.ChunkIDFor(s.ID, 0)

	// All three nodes hold chunk 0.
	n1 := newFakeChunkNode(t, chunk0.String())
	n2 := newFakeChunkNode(t, chunk0.String())
	n3 := newFakeChunkNode(t, chunk0.String())
	registerFake(t, c, "node-1", n1)
	registerFake(t, c, "node-2", n2)
	registerFake(t, c, "node-3", n3)

	req := wire.CommitRequest{
		StreamID: s.ID.String(),
		Seq:      0,
		NodeIDs:  []string{"node-1", "node-2", "node-3"},
		Hash:     id.HashBytes([]byte("c0")).String(),
		Size:     2,
		Mode:     wire.ModeReplicated,
	}
	resp, err := c.Placement().Commit(ctx, req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(resp.Committed) != 3 {
		t.Fatalf("committed nodes: %v", resp.Committed)
	}
	if resp.Ballot != 1 {
		t.Fatalf("ballot: expected 1, got %d", resp.Ballot)
	}

	// Chunk 1 is present on only one of three nodes: 1 < Q=2, so the
	// proposal aborts.
	chunk1 := id.ChunkIDFor(s.ID, 1)
	n1.add(chunk1.String())
	req1 := req
	req1.Seq = 1
	req1.Hash = id.HashBytes([]byte("c1")).String()
	_, err = c.Placement().Commit(ctx, req1)
	if !verrors.Is(err, verrors.KindQuorumNotReached) {
		t.Fatalf("expected quorum-not-reached, got %v", err)
	}

	// With a second holder, exactly Q=2 confirmations commit.
	n2.add(chunk1.String())
	resp, err = c.Placement().Commit(ctx, req1)
	if err != nil {
		t.Fatalf("commit at quorum: %v", err)
	}
	if len(resp.Committed) != 2 {
		t.Fatalf("expected 2 committed nodes, got %v", resp.Committed)
	}
}

func TestCommitBelowTwoNodesRefused(t *testing.T) {
	c := testCoordinator(t, Config{})
	s := createStream(t, c, 1, 0)

	_, err := c.Placement().Commit(context.Background(), wire.CommitRequest{
		StreamID: s.ID.String(),
		Seq:      0,
		NodeIDs:  []string{"node-1"},
		Hash:     id.HashBytes([]byte("x")).String(),
		Size:     1,
		Mode:     wire.ModeReplicated,
	})
	if !verrors.Is(err, verrors.KindBadRequest) {
		t.Fatalf("expected bad-request, got %v", err)
	}
}

// Two writers race the same chunk id with disjoint node sets. The loser
// observes a conflict, and a retry after the commit observes a conflict as
// well; the final accepted value equals exactly one of the two proposed sets.
func TestCommitBallotConflict(t *testing.T) {
	c := testCoordinator(t, Config{})
	ctx := context.Background()
	s := createStream(t, c, 1, 0)
	chunk0 := id.ChunkIDFor(s.ID, 0)

	n1 := newFakeChunkNode(t, chunk0.String())
	n2 := newFakeChunkNode(t, chunk0.String())
	n3 := newFakeChunkNode(t, chunk0.String())
	n4 := newFakeChunkNode(t, chunk0.String())
	registerFake(t, c, "a-1", n1)
	registerFake(t, c, "a-2", n2)
	registerFake(t, c, "b-1", n3)
	registerFake(t, c, "b-2", n4)

	setA := []string{"a-1", "a-2"}
	setB := []string{"b-1", "b-2"}
	base := wire.CommitRequest{
		StreamID: s.ID.String(),
		Seq:      0,
		Hash:     id.HashBytes([]byte("c")).String(),
		Size:     1,
		Mode:     wire.ModeReplicated,
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, nodes := range [][]string{setA, setB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := base
			req.NodeIDs = nodes
			_, err := c.Placement().Commit(ctx, req)
			results[i] = err
		}()
	}
	wg.Wait()

	// Exactly one writer wins; the other observes conflict.
	var conflicts, wins int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case verrors.Is(err, verrors.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}

	// The committed value is exactly one of the proposed sets.
	p, err := c.Catalog().GetProposal(ctx, chunk0)
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	got := make([]string, len(p.AcceptedValue))
	for i, n := range p.AcceptedValue {
		got[i] = n.String()
	}
	if !sameSet(got, setA) && !sameSet(got, setB) {
		t.Fatalf("accepted value %v is neither proposed set", got)
	}

	// The losing writer retrying sees the chunk already committed.
	req := base
	req.NodeIDs = setB
	_, err = c.Placement().Commit(ctx, req)
	if !verrors.Is(err, verrors.KindConflict) {
		t.Fatalf("retry after commit: expected conflict, got %v", err)
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func TestHungNodeCountsAsNonConfirmation(t *testing.T) {
	c := testCoordinator(t, Config{ProbeDeadline: 50 * time.Millisecond})
	ctx := context.Background()
	s := createStream(t, c, 1, 0)
	chunk0 := id.ChunkIDFor(s.ID, 0)

	n1 := newFakeChunkNode(t, chunk0.String())
	n2 := newFakeChunkNode(t, chunk0.String())
	hung := newFakeChunkNode(t, chunk0.String())
	hung.mu.Lock()
	hung.hang = true
	hung.mu.Unlock()

	registerFake(t, c, "node-1", n1)
	registerFake(t, c, "node-2", n2)
	registerFake(t, c, "node-hung", hung)

	resp, err := c.Placement().Commit(ctx, wire.CommitRequest{
		StreamID: s.ID.String(),
		Seq:      0,
		NodeIDs:  []string{"node-1", "node-2", "node-hung"},
		Hash:     id.HashBytes([]byte("c")).String(),
		Size:     1,
		Mode:     wire.ModeReplicated,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Quorum of 2 confirmed; the hung node is simply absent.
	if len(resp.Committed) != 2 {
		t.Fatalf("committed: %v", resp.Committed)
	}
	for _, n := range resp.Committed {
		if n == "node-hung" {
			t.Fatal("hung node must not be in the committed set")
		}
	}
}

func TestRecommendPolicy(t *testing.T) {
	c := testCoordinator(t, Config{})
	ctx := context.Background()

	cold := createStream(t, c, 1, 10)
	rec, err := c.Recommend(ctx, cold.ID)
	if err != nil {
		t.Fatalf("recommend cold: %v", err)
	}
	if rec.Mode != wire.ModeErasure || rec.DataK != 3 || rec.ParityM != 2 {
		t.Fatalf("cold stream: %+v", rec)
	}

	hot := createStream(t, c, 1, 5000)
	rec, err = c.Recommend(ctx, hot.ID)
	if err != nil {
		t.Fatalf("recommend hot: %v", err)
	}
	if rec.Mode != wire.ModeReplicated || rec.Replicas != 3 {
		t.Fatalf("hot stream: %+v", rec)
	}

	// Override supersedes the popularity test.
	if err := c.Catalog().SetModeOverride(ctx, hot.ID, wire.ModeErasure); err != nil {
		t.Fatalf("override: %v", err)
	}
	rec, err = c.Recommend(ctx, hot.ID)
	if err != nil {
		t.Fatalf("recommend overridden: %v", err)
	}
	if rec.Mode != wire.ModeErasure || !rec.Overridden {
		t.Fatalf("overridden stream: %+v", rec)
	}
}

func TestRecommendFrozenAfterFirstCommit(t *testing.T) {
	c := testCoordinator(t, Config{})
	ctx := context.Background()
	s := createStream(t, c, 2, 0) // cold: would be erasure
	chunk0 := id.ChunkIDFor(s.ID, 0)

	n1 := newFakeChunkNode(t, chunk0.String())
	n2 := newFakeChunkNode(t, chunk0.String())
	registerFake(t, c, "node-1", n1)
	registerFake(t, c, "node-2", n2)

	// Commit chunk 0 replicated despite the cold policy (e.g. an operator
	// forced it); the stream's mode freezes on that first commit.
	_, err := c.Placement().Commit(ctx, wire.CommitRequest{
		StreamID: s.ID.String(),
		Seq:      0,
		NodeIDs:  []string{"node-1", "node-2"},
		Hash:     id.HashBytes([]byte("c")).String(),
		Size:     1,
		Mode:     wire.ModeReplicated,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	rec, err := c.Recommend(ctx, s.ID)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if rec.Mode != wire.ModeReplicated {
		t.Fatalf("mode not frozen: %+v", rec)
	}
}
