package position

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const maxClosedRetained = 100

// checkpoint is the on-disk shape of the positions flat file.
type checkpoint struct {
	Positions []Position `yaml:"positions"`
}

// Store is the authoritative in-memory position map with durable flat-file
// checkpointing.
type Store struct {
	path   string
	logger zerolog.Logger

	mu   sync.RWMutex
	byID map[string]*Position
}

// New builds a Store that checkpoints to path. Call Load to populate it from
// an existing file.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "position_store").Logger(),
		byID:   make(map[string]*Position),
	}
}

// Load reads the checkpoint file, if any, applies the retention policy, and
// persists the pruned result. A missing file is not an error (fresh start).
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("position: load %s: %w", s.path, err)
	}

	var cp checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("position: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	for i := range cp.Positions {
		p := cp.Positions[i]
		s.byID[p.ID] = &p
	}
	s.mu.Unlock()

	s.applyRetention()
	return s.persist()
}

// Get returns the position by id.
func (s *Store) Get(id string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Put inserts or updates a position, applies retention, and checkpoints.
// Every mutation goes through Put so the flat file is never stale for
// long.
func (s *Store) Put(p Position) error {
	s.mu.Lock()
	s.byID[p.ID] = &p
	s.mu.Unlock()

	s.applyRetention()
	return s.persist()
}

// ActiveForTimeframe returns the single ACTIVE position for tf, if any.
func (s *Store) ActiveForTimeframe(tf string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byID {
		if string(p.Timeframe) == tf && p.Status == StatusActive {
			return *p, true
		}
	}
	return Position{}, false
}

// AllActive returns every ACTIVE position, for sync_with_chain and the
// range/harvest crons.
func (s *Store) AllActive() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, p := range s.byID {
		if p.Status == StatusActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AllSortedByCreatedAtDesc returns every position (any status), newest
// first, optionally limited to the first n (0 means all).
func (s *Store) AllSortedByCreatedAtDesc(limit int) []Position {
	s.mu.RLock()
	out := make([]Position, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// applyRetention keeps every ACTIVE position and the maxClosedRetained
// newest CLOSED positions, dropping the rest.
func (s *Store) applyRetention() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []*Position
	for _, p := range s.byID {
		if p.Status == StatusClosed {
			closed = append(closed, p)
		}
	}
	if len(closed) <= maxClosedRetained {
		return
	}

	sort.Slice(closed, func(i, j int) bool { return closed[i].CreatedAt.After(closed[j].CreatedAt) })
	for _, p := range closed[maxClosedRetained:] {
		delete(s.byID, p.ID)
	}
}

// persist atomically rewrites the checkpoint file via temp-file + rename.
func (s *Store) persist() error {
	s.mu.RLock()
	cp := checkpoint{Positions: make([]Position, 0, len(s.byID))}
	for _, p := range s.byID {
		cp.Positions = append(cp.Positions, *p)
	}
	s.mu.RUnlock()

	sort.Slice(cp.Positions, func(i, j int) bool { return cp.Positions[i].CreatedAt.After(cp.Positions[j].CreatedAt) })

	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("position: marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("position: mkdir %s: %w", dir, err)
		}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("position: write %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("position: rename %s: %w", tempPath, err)
	}
	return nil
}
