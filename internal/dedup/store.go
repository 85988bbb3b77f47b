// Package dedup remembers which batches have already been alerted on for
// the current operating day.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/withObsrvr/calldrop-watch/internal/storage"
)

// Record is the persisted form of a Store.
type Record struct {
	Date    string     `json:"date"`
	Batches []Identity `json:"batches"`
}

// KeyFor returns the storage key holding the record for variant.
func KeyFor(variant string) string {
	return "dedup/" + variant + ".json"
}

// Store is the per-variant set of batch identities seen today.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	backend storage.Store
	key     string
	logger  *slog.Logger

	date  string
	ids   map[Identity]struct{}
	order []Identity
}

// NewStore creates an empty store for variant persisted through backend.
func NewStore(backend storage.Store, variant string) *Store {
	return &Store{
		backend: backend,
		key:     KeyFor(variant),
		logger:  slog.With("component", "dedup", "variant", variant),
		ids:     make(map[Identity]struct{}),
	}
}

// Load reads the persisted record. A missing or corrupt record yields an
// empty store, and a record from another day is discarded. Either way the
// store ends up dated today.
func (s *Store) Load(ctx context.Context, today string) error {
	data, err := s.backend.Read(ctx, s.key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load dedup record %s: %w", s.key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset(today)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("no dedup record, starting empty", "date", today)
		return nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupt dedup record, starting empty",
			"uri", s.backend.URI(s.key),
			"error", err,
		)
		return nil
	}

	if rec.Date != today {
		s.logger.Info("dedup record is from another day, discarding",
			"stored_date", rec.Date,
			"date", today,
			"discarded", len(rec.Batches),
		)
		return nil
	}

	for _, id := range rec.Batches {
		s.add(id)
	}
	if dups := len(rec.Batches) - len(s.order); dups > 0 {
		s.logger.Debug("removed duplicate identities on load", "count", dups)
	}
	return nil
}

// Contains reports whether id was recorded today.
func (s *Store) Contains(id Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Insert records id and persists the store immediately. Inserting a known
// identity is a no-op.
func (s *Store) Insert(ctx context.Context, id Identity) error {
	s.mu.Lock()
	if _, ok := s.ids[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.add(id)
	data, err := s.marshal()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.backend.Write(ctx, s.key, data); err != nil {
		return fmt.Errorf("persist dedup record after insert: %w", err)
	}
	return nil
}

// ResetIfNewDay empties the store when date differs from the stored date.
// It reports whether a reset happened.
func (s *Store) ResetIfNewDay(date string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date == date {
		return false
	}
	s.logger.Info("operating day changed, resetting dedup store",
		"stored_date", s.date,
		"date", date,
		"discarded", len(s.order),
	)
	s.reset(date)
	return true
}

// Save persists the current state.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	data, err := s.marshal()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.backend.Write(ctx, s.key, data); err != nil {
		return fmt.Errorf("save dedup record %s: %w", s.key, err)
	}
	return nil
}

// Clear deletes the persisted record and empties the store.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear dedup record %s: %w", s.key, err)
	}
	s.mu.Lock()
	s.reset(s.date)
	s.mu.Unlock()
	return nil
}

// Len returns the number of identities recorded today.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Date returns the operating day the store belongs to.
func (s *Store) Date() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.date
}

func (s *Store) reset(date string) {
	s.date = date
	s.ids = make(map[Identity]struct{})
	s.order = nil
}

func (s *Store) add(id Identity) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *Store) marshal() ([]byte, error) {
	rec := Record{Date: s.date, Batches: s.order}
	if rec.Batches == nil {
		rec.Batches = []Identity{}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal dedup record: %w", err)
	}
	return data, nil
}
