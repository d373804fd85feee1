package reader

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultProbeInterval is how often every candidate node is probed.
	DefaultProbeInterval = 3 * time.Second
	// DefaultProbeDeadline bounds each probe; a timed-out probe counts as
	// a failure in the reliability window.
	DefaultProbeDeadline = 2 * time.Second

	latencyWindowLen     = 10
	reliabilityWindowLen = 20
	bandwidthWindowLen   = 10

	// seedBandwidthMbps stands in until the first real transfer sample.
	seedBandwidthMbps = 50.0
)

// nodeStats holds the sliding measurement windows for one node URL.
type nodeStats struct {
	mu           sync.Mutex
	latencyMs    *window
	reliability  *window
	bandwidth    *window
	lastSelected int64 // selection counter value, breaks score ties round-robin
}

func newNodeStats() *nodeStats {
	return &nodeStats{
		latencyMs:   newWindow(latencyWindowLen),
		reliability: newWindow(reliabilityWindowLen),
		bandwidth:   newWindow(bandwidthWindowLen),
	}
}

// score is the per-node selection metric:
// mean(bandwidth) * mean(reliability) / (1 + mean(latency_ms) * 0.1).
// The 0.1 factor softly prefers low latency without letting one outlier
// dominate.
func (ns *nodeStats) score() float64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	bw := ns.bandwidth.mean()
	if ns.bandwidth.count == 0 {
		bw = seedBandwidthMbps
	}
	rel := 1.0
	if ns.reliability.count > 0 {
		rel = ns.reliability.mean()
	}
	return bw * rel / (1 + ns.latencyMs.mean()*0.1)
}

// dead reports whether the reliability window is entirely zero.
func (ns *nodeStats) dead() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.reliability.allZero()
}

// Prober maintains per-node condition for every node URL in a manifest and
// feeds the selection score. One goroutine per node fires every interval.
type Prober struct {
	interval time.Duration
	deadline time.Duration
	client   *http.Client

	mu    sync.Mutex
	stats map[string]*nodeStats

	selCounter int64
}

// NewProber builds a prober for the given node URLs.
func NewProber(urls []string, interval, deadline time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	p := &Prober{
		interval: interval,
		deadline: deadline,
		client:   client,
		stats:    make(map[string]*nodeStats, len(urls)),
	}
	for _, u := range urls {
		p.stats[u] = newNodeStats()
	}
	return p
}

func (p *Prober) statsFor(url string) *nodeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.stats[url]
	if !ok {
		ns = newNodeStats()
		p.stats[url] = ns
	}
	return ns
}

// Run fires probes for every node until ctx is cancelled. Blocks; run in
// its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	p.mu.Lock()
	urls := make([]string, 0, len(p.stats))
	for u := range p.stats {
		urls = append(urls, u)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeLoop(ctx, u)
		}()
	}
	wg.Wait()
}

func (p *Prober) probeLoop(ctx context.Context, url string) {
	// Probe once immediately so scores are warm before the first pick.
	p.ProbeOnce(ctx, url)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx, url)
		}
	}
}

// ProbeOnce measures one probe round trip against a node.
func (p *Prober) ProbeOnce(ctx context.Context, url string) {
	pctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(pctx, http.MethodHead, url+"/ping", http.NoBody)
	if err != nil {
		p.recordProbe(url, 0, false)
		return
	}
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			_ = resp.Body.Close()
		}
		p.recordProbe(url, elapsed, false)
		return
	}
	_ = resp.Body.Close()
	p.recordProbe(url, elapsed, true)
}

func (p *Prober) recordProbe(url string, latency time.Duration, ok bool) {
	ns := p.statsFor(url)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ok {
		ns.latencyMs.add(float64(latency) / float64(time.Millisecond))
		ns.reliability.add(1)
	} else {
		ns.reliability.add(0)
	}
}

// RecordTransfer feeds an opportunistic bandwidth sample from a successful
// chunk download.
func (p *Prober) RecordTransfer(url string, bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	mbps := float64(bytes) * 8 / elapsed.Seconds() / 1e6
	ns := p.statsFor(url)
	ns.mu.Lock()
	ns.bandwidth.add(mbps)
	ns.reliability.add(1)
	ns.mu.Unlock()
}

// RecordFailure feeds a download failure into the reliability window.
func (p *Prober) RecordFailure(url string) {
	ns := p.statsFor(url)
	ns.mu.Lock()
	ns.reliability.add(0)
	ns.mu.Unlock()
}

// Score exposes the current score for a node.
func (p *Prober) Score(url string) float64 {
	return p.statsFor(url).score()
}

// Pick selects the best-scoring candidate. Candidates that are busy or
// whose reliability window is entirely zero are demoted: they are chosen
// only when no alternative exists. Ties break round-robin on the least
// recently selected node.
func (p *Prober) Pick(candidates []string, busy func(string) bool) string {
	if len(candidates) == 0 {
		return ""
	}

	best := func(pool []string) string {
		var (
			bestURL   string
			bestScore float64
			bestSel   int64
		)
		for _, u := range pool {
			ns := p.statsFor(u)
			score := ns.score()
			ns.mu.Lock()
			sel := ns.lastSelected
			ns.mu.Unlock()
			if bestURL == "" || score > bestScore || (score == bestScore && sel < bestSel) {
				bestURL, bestScore, bestSel = u, score, sel
			}
		}
		return bestURL
	}

	// Prefer idle live nodes, then idle nodes regardless of reliability,
	// then anyone: a busy or dead node is assigned only when nothing else
	// exists.
	var live, idle []string
	for _, u := range candidates {
		if busy != nil && busy(u) {
			continue
		}
		idle = append(idle, u)
		if !p.statsFor(u).dead() {
			live = append(live, u)
		}
	}

	choice := best(live)
	if choice == "" {
		choice = best(idle)
	}
	if choice == "" {
		choice = best(candidates)
	}
	if choice != "" {
		p.mu.Lock()
		p.selCounter++
		sel := p.selCounter
		p.mu.Unlock()
		ns := p.statsFor(choice)
		ns.mu.Lock()
		ns.lastSelected = sel
		ns.mu.Unlock()
	}
	return choice
}
