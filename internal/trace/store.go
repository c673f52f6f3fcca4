// Package trace persists finalized session summaries to a local JSON store
// so past runs can be listed and replayed after the process exits.
package trace

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/surgagent/surgagent/internal/session"
)

// DefaultMaxEntries bounds how many finalized summaries the store retains.
const DefaultMaxEntries = 100

// Data is the on-disk representation of the store.
type Data struct {
	Version   string            `json:"version"`
	Summaries []session.Summary `json:"summaries"`
}

// Store manages the persisted session summaries.
type Store struct {
	filePath   string
	data       *Data
	maxEntries int
}

// NewStore creates a store rooted at the given work directory.
func NewStore(workDir string, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		filePath:   filepath.Join(workDir, ".surgagent", "sessions.json"),
		data:       &Data{Version: "1", Summaries: []session.Summary{}},
		maxEntries: maxEntries,
	}
}

// Load reads the store file from disk. A missing file starts the store
// empty without error; invalid JSON is discarded and the store starts
// fresh.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	s.data = &data
	return nil
}

// Save writes the store to disk, creating the directory if needed.
func (s *Store) Save() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, raw, 0644)
}

// Append adds a finalized summary and prunes the oldest entries when the
// store exceeds its retention bound. Returns the number of entries pruned.
func (s *Store) Append(summary session.Summary) int {
	s.data.Summaries = append(s.data.Summaries, summary)
	return s.prune()
}

// Summaries returns the stored summaries, oldest first.
func (s *Store) Summaries() []session.Summary {
	return s.data.Summaries
}

// ByID returns the summary for the given session ID, or nil if unknown.
func (s *Store) ByID(sessionID string) *session.Summary {
	for i := range s.data.Summaries {
		if s.data.Summaries[i].SessionID == sessionID {
			return &s.data.Summaries[i]
		}
	}
	return nil
}

// prune drops the oldest summaries beyond maxEntries.
func (s *Store) prune() int {
	if len(s.data.Summaries) <= s.maxEntries {
		return 0
	}
	excess := len(s.data.Summaries) - s.maxEntries
	s.data.Summaries = s.data.Summaries[excess:]
	return excess
}
