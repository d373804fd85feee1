package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vstack/internal/id"
)

const (
	snapshotFileName = "chunk_index.json"
	snapshotVersion  = 1
)

// snapshotEntry is the persisted form of one index entry.
type snapshotEntry struct {
	ChunkID    string    `json:"chunk_id"`
	Superblock int       `json:"superblock"`
	Offset     int64     `json:"offset"`
	Length     int64     `json:"length"`
	Hash       string    `json:"hash"`
	StoredAt   time.Time `json:"stored_at"`
}

// snapshotFile is the on-disk index snapshot. It is a strict subset of
// durable state: a put that has not been snapshotted yet is recovered as
// absent and simply re-put by the writer.
type snapshotFile struct {
	Version int             `json:"version"`
	NodeID  string          `json:"node_id"`
	Entries []snapshotEntry `json:"entries"`
}

// PersistIndex writes the index snapshot if it changed since the last
// flush. Write-new-file + fsync + atomic rename, so readers of the
// snapshot never observe a torn file. Failures bump the failed-persistence
// counter surfaced by health.
func (s *Store) PersistIndex() error {
	s.imu.RLock()
	if !s.dirty {
		s.imu.RUnlock()
		return nil
	}
	snap := snapshotFile{
		Version: snapshotVersion,
		NodeID:  string(s.cfg.NodeID),
		Entries: make([]snapshotEntry, 0, len(s.index)),
	}
	for cid, e := range s.index {
		snap.Entries = append(snap.Entries, snapshotEntry{
			ChunkID:    string(cid),
			Superblock: e.Superblock,
			Offset:     e.Offset,
			Length:     e.Length,
			Hash:       string(e.Hash),
			StoredAt:   e.StoredAt,
		})
	}
	s.imu.RUnlock()

	if err := s.writeSnapshot(snap); err != nil {
		s.failedPersists.Add(1)
		return err
	}

	s.imu.Lock()
	s.dirty = false
	s.imu.Unlock()
	return nil
}

func (s *Store) writeSnapshot(snap snapshotFile) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Join(s.cfg.Dir, indexDirName)
	tmp, err := os.CreateTemp(dir, snapshotFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.snapshotPath()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// loadSnapshot reads the snapshot if present. A missing file is an empty
// index, not an error.
func loadSnapshot(path string) (map[id.ChunkID]Entry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	entries := make(map[id.ChunkID]Entry, len(snap.Entries))
	for _, e := range snap.Entries {
		cid, err := id.ParseChunkID(e.ChunkID)
		if err != nil {
			continue
		}
		hash, err := id.ParseContentHash(e.Hash)
		if err != nil {
			continue
		}
		entries[cid] = Entry{
			Superblock: e.Superblock,
			Offset:     e.Offset,
			Length:     e.Length,
			Hash:       hash,
			StoredAt:   e.StoredAt,
		}
	}
	return entries, nil
}
