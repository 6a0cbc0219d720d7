// Package memory is the in-process journal.Store.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/journal"
)

// Store implements journal.Store in memory.
type Store struct {
	mu      sync.RWMutex
	records map[int]journal.Record
}

func New() *Store {
	return &Store{records: make(map[int]journal.Record)}
}

func (s *Store) Put(ctx context.Context, r *journal.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cp := *r
	cp.Artifacts = slices.Clone(r.Artifacts)
	s.mu.Lock()
	s.records[r.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, id int) (*journal.Record, error) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	r.Artifacts = slices.Clone(r.Artifacts)
	return &r, nil
}

func (s *Store) Delete(ctx context.Context, id int) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, owner identity.Identity) ([]*journal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*journal.Record
	for _, r := range s.records {
		if r.Owner != owner {
			continue
		}
		r.Artifacts = slices.Clone(r.Artifacts)
		out = append(out, &r)
	}
	slices.SortFunc(out, func(a, b *journal.Record) int { return a.ID - b.ID })
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ journal.Store = (*Store)(nil)
