package coordinator

import (
	"context"

	"vstack/internal/catalog"
	"vstack/internal/id"
	"vstack/internal/wire"
)

// Recommend chooses the redundancy mode a stream's chunks get at first
// placement. A manual override wins; otherwise popularity above the hot
// threshold selects replication, everything colder is erasure coded. Once
// a stream's mode is frozen at first commit, the frozen mode is returned.
func (c *Coordinator) Recommend(ctx context.Context, streamID id.StreamID) (wire.RecommendResponse, error) {
	s, err := c.cat.GetStream(ctx, streamID)
	if err != nil {
		return wire.RecommendResponse{}, err
	}
	return c.recommendFor(s), nil
}

func (c *Coordinator) recommendFor(s catalog.Stream) wire.RecommendResponse {
	resp := wire.RecommendResponse{Popularity: s.Popularity}

	mode := s.Mode // frozen at first commit, if any
	switch {
	case mode != "":
	case s.ModeOverride != "":
		mode = s.ModeOverride
		resp.Overridden = true
	case s.Popularity > c.cfg.PopularityHot:
		mode = wire.ModeReplicated
	default:
		mode = wire.ModeErasure
	}

	resp.Mode = mode
	if mode == wire.ModeReplicated {
		resp.Replicas = c.cfg.Replication
	} else {
		resp.DataK = c.cfg.DataShards
		resp.ParityM = c.cfg.ParityShards
	}
	return resp
}

// Efficiency reports the storage overhead ratio across committed chunks
// and the savings of the erasure geometry against R-way replication.
func (c *Coordinator) Efficiency(ctx context.Context) (wire.EfficiencyReport, error) {
	logical, physical, err := c.cat.Overhead(ctx)
	if err != nil {
		return wire.EfficiencyReport{}, err
	}
	report := wire.EfficiencyReport{
		LogicalBytes:  logical,
		PhysicalBytes: physical,
	}
	if logical > 0 {
		report.Overhead = float64(physical) / float64(logical)
	}
	n := float64(c.cfg.DataShards + c.cfg.ParityShards)
	k := float64(c.cfg.DataShards)
	r := float64(c.cfg.Replication)
	report.ErasureSavings = 1 - (n/k)/r
	return report, nil
}
