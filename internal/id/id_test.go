package id

import (
	"errors"
	"strings"
	"testing"
)

func TestChunkIDValidate(t *testing.T) {
	valid := []string{"a", "chunk-1", "A_b-9", strings.Repeat("x", 64)}
	for _, v := range valid {
		if err := ChunkID(v).Validate(); err != nil {
			t.Fatalf("id %q: %v", v, err)
		}
	}

	invalid := []string{"", strings.Repeat("x", 65), "has space", "slash/y", "dot.z", "ünicode"}
	for _, v := range invalid {
		if err := ChunkID(v).Validate(); !errors.Is(err, ErrInvalidChunkID) {
			t.Fatalf("id %q: expected ErrInvalidChunkID, got %v", v, err)
		}
	}
}

func TestChunkIDFor(t *testing.T) {
	stream := NewStreamID()
	c0 := ChunkIDFor(stream, 0)
	c1 := ChunkIDFor(stream, 1)
	if c0 == c1 {
		t.Fatal("distinct sequences must derive distinct ids")
	}
	if err := c0.Validate(); err != nil {
		t.Fatalf("derived id invalid: %v", err)
	}
	frag := FragmentChunkID(c0, 4)
	if err := frag.Validate(); err != nil {
		t.Fatalf("fragment id invalid: %v", err)
	}
}

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("payload"))
	h2 := HashBytes([]byte("payload"))
	h3 := HashBytes([]byte("other"))
	if h1 != h2 {
		t.Fatal("hash not deterministic")
	}
	if h1 == h3 {
		t.Fatal("distinct inputs collided")
	}
	if _, err := ParseContentHash(h1.String()); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if _, err := ParseContentHash("zz"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
}

func TestStreamIDRoundTrip(t *testing.T) {
	s := NewStreamID()
	parsed, err := ParseStreamID(s.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != s {
		t.Fatal("round trip changed the id")
	}
	if _, err := ParseStreamID("not-a-uuid"); !errors.Is(err, ErrInvalidStreamID) {
		t.Fatalf("expected ErrInvalidStreamID, got %v", err)
	}
}
