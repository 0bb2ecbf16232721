package vecstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"documind/internal/models"
)

// persisted is the on-disk snapshot format. A SHA-256 hex digest of the JSON
// payload lives in a sidecar file next to it.
type persisted struct {
	Dimension int     `json:"dimension"`
	Entries   []Entry `json:"entries"`
}

func checksumPath(path string) string { return path + ".sha256" }

// Save writes the current snapshot and its checksum. The write goes through a
// temp file so a crash never leaves a torn snapshot behind.
func (idx *Index) Save(path string) error {
	snap := idx.snap.Load()
	payload, err := json.Marshal(persisted{Dimension: idx.dim, Entries: snap.entries})
	if err != nil {
		return fmt.Errorf("failed to encode index: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index dir: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace index: %v", err)
	}

	sum := sha256.Sum256(payload)
	if err := os.WriteFile(checksumPath(path), []byte(hex.EncodeToString(sum[:])), 0o644); err != nil {
		return fmt.Errorf("failed to write index checksum: %v", err)
	}
	log.Debug().Str("path", path).Int("vectors", len(snap.entries)).Msg("saved index snapshot")
	return nil
}

// Load replaces the index contents from disk. A missing snapshot is an empty
// index. A checksum mismatch, unreadable payload, or dimension change returns
// ErrIndexCorruption so the caller can rebuild from the chunk registry.
func (idx *Index) Load(path string) error {
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %v", err)
	}

	want, err := os.ReadFile(checksumPath(path))
	if err != nil {
		return fmt.Errorf("%w: missing checksum for %s", models.ErrIndexCorruption, path)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != strings.TrimSpace(string(want)) {
		return fmt.Errorf("%w: checksum mismatch for %s", models.ErrIndexCorruption, path)
	}

	var p persisted
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIndexCorruption, err)
	}
	if p.Dimension != idx.dim {
		return fmt.Errorf("%w: snapshot dimension %d, index dimension %d", models.ErrIndexCorruption, p.Dimension, idx.dim)
	}

	next := &snapshot{entries: p.Entries, byDoc: make(map[string][]int)}
	for i, e := range p.Entries {
		if len(e.Vector) != idx.dim {
			return fmt.Errorf("%w: entry %s has dimension %d", models.ErrIndexCorruption, e.ChunkID, len(e.Vector))
		}
		next.byDoc[e.DocumentID] = append(next.byDoc[e.DocumentID], i)
	}

	idx.mu.Lock()
	idx.snap.Store(next)
	idx.mu.Unlock()
	log.Info().Str("path", path).Int("vectors", len(p.Entries)).Msg("loaded index snapshot")
	return nil
}

// Clear drops every entry. Used before a rebuild.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.snap.Store(&snapshot{byDoc: map[string][]int{}})
}
