package builds

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Store holds the builds of the game currently being viewed, in arrival order.
type Store struct {
	mu        sync.RWMutex
	builds    []*Build
	index     map[int64]int
	latest    *Build
	statePath string // optional JSON snapshot
}

func NewStore(statePath string) *Store {
	return &Store{
		index:     make(map[int64]int),
		statePath: statePath,
	}
}

// Replace swaps the whole table, as after a REST fetch. Later entries with a
// duplicate id are merged into the first.
func (s *Store) Replace(list []Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds = s.builds[:0]
	s.index = make(map[int64]int, len(list))
	for _, b := range list {
		s.upsertLocked(b)
	}
	s.persistLocked()
}

// Upsert merges b into the entry with the same id or appends it. It returns
// the stored result and whether a new entry was created.
func (s *Store) Upsert(b Build) (Build, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, created := s.upsertLocked(b)
	s.persistLocked()
	return stored, created
}

func (s *Store) upsertLocked(b Build) (Build, bool) {
	if i, ok := s.index[b.ID]; ok {
		s.builds[i].Merge(b)
		return *s.builds[i], false
	}
	cp := b
	s.index[b.ID] = len(s.builds)
	s.builds = append(s.builds, &cp)
	return cp, true
}

// AppendLog adds one line to a build's logs. Lines for unknown builds are
// dropped and false is returned.
func (s *Store) AppendLog(id int64, line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	b := s.builds[i]
	if b.Logs == "" {
		b.Logs = line
	} else {
		b.Logs += "\n" + line
	}
	// Not persisted per line; Flush writes them out.
	return true
}

func (s *Store) Get(id int64) (Build, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Build{}, false
	}
	return *s.builds[i], true
}

func (s *Store) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Build, 0, len(s.builds))
	for _, b := range s.builds {
		result = append(result, *b)
	}
	return result
}

// Running returns the builds currently in RUNNING status. Normally zero or one.
func (s *Store) Running() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Build
	for _, b := range s.builds {
		if b.Status == StatusRunning {
			result = append(result, *b)
		}
	}
	return result
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.builds)
}

func (s *Store) SetLatestSuccess(b *Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		s.latest = nil
		return
	}
	cp := *b
	s.latest = &cp
}

// LatestSuccess returns the most recent successful build known to the store:
// either the one fetched explicitly or a newer SUCCESS seen live.
func (s *Store) LatestSuccess() (Build, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Build
	if s.latest != nil {
		best = s.latest
	}
	for _, b := range s.builds {
		if b.Status != StatusSuccess {
			continue
		}
		if best == nil || b.ID > best.ID {
			best = b
		}
	}
	if best == nil {
		return Build{}, false
	}
	return *best, true
}

// Flush persists the current table, including logs appended since the last upsert.
func (s *Store) Flush() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.persistLocked()
}

// persistLocked writes the table to statePath. Must be called with mu held.
func (s *Store) persistLocked() {
	if s.statePath == "" {
		return
	}

	data, err := json.MarshalIndent(s.builds, "", "  ")
	if err != nil {
		log.Printf("store: marshal: %v", err)
		return
	}

	// Write atomically via temp file
	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, "builds-*.json")
	if err != nil {
		log.Printf("store: create temp: %v", err)
		return
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.Printf("store: write temp: %v", err)
		return
	}
	tmp.Close()

	if err := os.Rename(tmp.Name(), s.statePath); err != nil {
		os.Remove(tmp.Name())
		log.Printf("store: rename: %v", err)
	}
}

// LoadSnapshot reads a table previously written by a Store with the same
// state path. It is used by `buildsync builds --offline`.
func LoadSnapshot(path string) ([]Build, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", path, err)
	}
	var list []Build
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return list, nil
}
