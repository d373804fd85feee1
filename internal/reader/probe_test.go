package reader

import (
	"testing"
	"time"
)

func TestWindowMean(t *testing.T) {
	w := newWindow(3)
	if w.mean() != 0 {
		t.Fatalf("empty mean: %v", w.mean())
	}
	w.add(10)
	w.add(20)
	if got := w.mean(); got != 15 {
		t.Fatalf("mean: expected 15, got %v", got)
	}
	// Window slides: 10 is evicted after three more samples.
	w.add(30)
	w.add(40)
	if got := w.mean(); got != 30 {
		t.Fatalf("sliding mean: expected 30, got %v", got)
	}
}

func TestWindowAllZero(t *testing.T) {
	w := newWindow(3)
	if w.allZero() {
		t.Fatal("empty window must not read as all-zero")
	}
	w.add(0)
	w.add(0)
	if !w.allZero() {
		t.Fatal("expected all-zero")
	}
	w.add(1)
	if w.allZero() {
		t.Fatal("window with a success must not read as all-zero")
	}
}

func seedStats(p *Prober, url string, latencyMs float64, reliability []float64, bandwidthMbps float64) {
	ns := p.statsFor(url)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.latencyMs.add(latencyMs)
	for _, r := range reliability {
		ns.reliability.add(r)
	}
	ns.bandwidth.add(bandwidthMbps)
}

func TestScoreFormula(t *testing.T) {
	p := NewProber([]string{"http://a"}, time.Second, time.Second, nil)
	seedStats(p, "http://a", 10, []float64{1, 1}, 100)

	// 100 * 1 / (1 + 10*0.1) = 50
	if got := p.Score("http://a"); got != 50 {
		t.Fatalf("score: expected 50, got %v", got)
	}
}

func TestScoreSeedBandwidth(t *testing.T) {
	p := NewProber([]string{"http://fresh"}, time.Second, time.Second, nil)
	// No measurements at all: seed bandwidth 50, reliability 1, latency 0.
	if got := p.Score("http://fresh"); got != seedBandwidthMbps {
		t.Fatalf("seed score: expected %v, got %v", seedBandwidthMbps, got)
	}
}

// Scenario: node-A 10ms/100%, node-B 100ms/100%, node-C 30ms/50%. Over a
// window of downloads, node-A must serve the strict majority.
func TestPickPrefersBestNode(t *testing.T) {
	urls := []string{"http://a", "http://b", "http://c"}
	p := NewProber(urls, time.Second, time.Second, nil)

	seedStats(p, "http://a", 10, []float64{1, 1, 1, 1}, 100)
	seedStats(p, "http://b", 100, []float64{1, 1, 1, 1}, 100)
	seedStats(p, "http://c", 30, []float64{1, 0, 1, 0}, 100)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		counts[p.Pick(urls, nil)]++
	}
	if counts["http://a"] <= 5 {
		t.Fatalf("node-A should serve the strict majority, got %v", counts)
	}
}

func TestPickDemotesDeadAndBusy(t *testing.T) {
	urls := []string{"http://dead", "http://ok"}
	p := NewProber(urls, time.Second, time.Second, nil)

	seedStats(p, "http://dead", 1, []float64{0, 0, 0}, 1000)
	seedStats(p, "http://ok", 50, []float64{1, 1, 1}, 10)

	// The dead node scores 0 anyway, but even a high-bandwidth node with an
	// all-zero reliability window must be skipped.
	if got := p.Pick(urls, nil); got != "http://ok" {
		t.Fatalf("expected the live node, got %s", got)
	}

	// Busy nodes are demoted too.
	busy := func(u string) bool { return u == "http://ok" }
	if got := p.Pick(urls, busy); got != "http://dead" {
		t.Fatalf("with the live node busy, expected fallback, got %s", got)
	}

	// With every candidate demoted, someone is still chosen.
	allBusy := func(string) bool { return true }
	if got := p.Pick(urls, allBusy); got == "" {
		t.Fatal("expected a pick even with all candidates demoted")
	}
}

func TestPickTieBreaksRoundRobin(t *testing.T) {
	urls := []string{"http://x", "http://y"}
	p := NewProber(urls, time.Second, time.Second, nil)
	// Identical stats: identical scores.
	seedStats(p, "http://x", 10, []float64{1}, 100)
	seedStats(p, "http://y", 10, []float64{1}, 100)

	first := p.Pick(urls, nil)
	second := p.Pick(urls, nil)
	if first == second {
		t.Fatalf("tie should rotate selections, got %s twice", first)
	}
}
