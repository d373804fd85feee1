// Package erasure wraps Reed-Solomon coding for chunk fragments. A chunk is
// split into K data shards plus M parity shards; any K of the K+M shards
// reconstruct the original bytes.
package erasure

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"vstack/internal/id"
)

var (
	ErrBadParams       = errors.New("erasure parameters out of range")
	ErrTooFewFragments = errors.New("not enough fragments to reconstruct")
	ErrVerifyFailed    = errors.New("reconstructed bytes fail hash verification")
)

const (
	// DefaultDataShards and DefaultParityShards are the (K, M) defaults.
	DefaultDataShards   = 3
	DefaultParityShards = 2
)

// Params fixes the (K, M) geometry of a coder.
type Params struct {
	Data   int // K
	Parity int // M
}

// Total returns N = K+M.
func (p Params) Total() int { return p.Data + p.Parity }

// Coder encodes chunks into fragments and reconstructs chunks from any K
// fragments. Safe for concurrent use.
type Coder struct {
	params Params
	enc    reedsolomon.Encoder
}

// NewCoder builds a coder for the given geometry.
func NewCoder(params Params) (*Coder, error) {
	if params.Data < 1 || params.Parity < 1 {
		return nil, fmt.Errorf("%w: K=%d M=%d", ErrBadParams, params.Data, params.Parity)
	}
	enc, err := reedsolomon.New(params.Data, params.Parity)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	return &Coder{params: params, enc: enc}, nil
}

// Params returns the coder's geometry.
func (c *Coder) Params() Params { return c.params }

// Encode splits data into K equal shards (the last padded with zeros) and
// computes M parity shards. The returned slice has length K+M, indexed by
// fragment index.
func (c *Coder) Encode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty chunk")
	}
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity: %w", err)
	}
	return shards, nil
}

// Reconstruct rebuilds the original size bytes from the available
// fragments. fragments must have length K+M with nil entries for missing
// fragments; at least K must be present.
func (c *Coder) Reconstruct(fragments [][]byte, size int) ([]byte, error) {
	if len(fragments) != c.params.Total() {
		return nil, fmt.Errorf("%w: got %d slots, want %d", ErrBadParams, len(fragments), c.params.Total())
	}
	present := 0
	for _, f := range fragments {
		if f != nil {
			present++
		}
	}
	if present < c.params.Data {
		return nil, fmt.Errorf("%w: %d of %d", ErrTooFewFragments, present, c.params.Data)
	}

	if err := c.enc.ReconstructData(fragments); err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	if err := c.enc.Join(&buf, fragments, size); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	return buf.Bytes(), nil
}

// ReconstructVerified reconstructs and checks the result against the
// chunk's top-level content hash.
func (c *Coder) ReconstructVerified(fragments [][]byte, size int, hash id.ContentHash) ([]byte, error) {
	data, err := c.Reconstruct(fragments, size)
	if err != nil {
		return nil, err
	}
	if got := id.HashBytes(data); got != hash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrVerifyFailed, hash, got)
	}
	return data, nil
}
