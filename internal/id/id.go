// Package id defines the identity types shared across the system: stream,
// chunk, and node identifiers plus content hashes. Keeping them distinct
// types prevents a node id from being passed where a chunk id is expected.
package id

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

var (
	ErrInvalidChunkID  = errors.New("invalid chunk id")
	ErrInvalidStreamID = errors.New("invalid stream id")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// StreamID is the opaque 128-bit identity of a stream.
type StreamID uuid.UUID

// NewStreamID returns a fresh random stream id.
func NewStreamID() StreamID {
	return StreamID(uuid.New())
}

// ParseStreamID parses the canonical UUID string form.
func ParseStreamID(value string) (StreamID, error) {
	u, err := uuid.Parse(value)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %v", ErrInvalidStreamID, err)
	}
	return StreamID(u), nil
}

func (s StreamID) String() string {
	return uuid.UUID(s).String()
}

func (s StreamID) IsZero() bool {
	return s == StreamID{}
}

// ChunkID identifies a chunk. Externally assigned: 1-64 bytes drawn from
// [A-Za-z0-9_-]. Chunk ids for stream chunks are derived from the stream id
// and the ordinal sequence number.
type ChunkID string

// maxChunkIDLen is the upper bound on chunk id length in bytes.
const maxChunkIDLen = 64

// ChunkIDFor derives the chunk id for a (stream, sequence) pair. Stream
// UUIDs contain only hex digits and hyphens, so the result is always a
// valid chunk id well under the length cap.
func ChunkIDFor(stream StreamID, seq int) ChunkID {
	return ChunkID(fmt.Sprintf("%s_%06d", stream, seq))
}

// FragmentChunkID derives the chunk id under which fragment index of the
// given chunk is stored on its node.
func FragmentChunkID(chunk ChunkID, index int) ChunkID {
	return ChunkID(fmt.Sprintf("%s_f%d", chunk, index))
}

// ParseChunkID validates the id format.
func ParseChunkID(value string) (ChunkID, error) {
	c := ChunkID(value)
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// Validate checks length and alphabet.
func (c ChunkID) Validate() error {
	if len(c) == 0 || len(c) > maxChunkIDLen {
		return fmt.Errorf("%w: length %d", ErrInvalidChunkID, len(c))
	}
	for i := 0; i < len(c); i++ {
		b := c[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '_' || b == '-':
		default:
			return fmt.Errorf("%w: byte %q at %d", ErrInvalidChunkID, b, i)
		}
	}
	return nil
}

func (c ChunkID) String() string { return string(c) }

// NodeID is the stable identity of a storage node.
type NodeID string

func (n NodeID) String() string { return string(n) }

// ContentHash is the lowercase hex BLAKE3-256 digest of a byte string.
type ContentHash string

// HashBytes computes the content hash of data.
func HashBytes(data []byte) ContentHash {
	sum := blake3.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// ParseContentHash validates the hex digest form.
func ParseContentHash(value string) (ContentHash, error) {
	if len(value) != 64 {
		return "", fmt.Errorf("%w: length %d", ErrInvalidHash, len(value))
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return ContentHash(value), nil
}

func (h ContentHash) String() string { return string(h) }
