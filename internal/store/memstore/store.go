// Package memstore is an in-process Repository used by tests and by the
// "memory" store driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/internal/deployment"
	"warden/internal/store"
)

type Store struct {
	mu      sync.Mutex
	rows    map[string]*deployment.Deployment
	history map[string][]store.SignalRecord
	nextID  int64
	leases  map[string]lease
}

type lease struct {
	owner string
	until time.Time
}

func New() *Store {
	return &Store{
		rows:    make(map[string]*deployment.Deployment),
		history: make(map[string][]store.SignalRecord),
		leases:  make(map[string]lease),
	}
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Leaser     = (*Store)(nil)
)

func (s *Store) Create(_ context.Context, d *deployment.Deployment) error {
	if d == nil {
		return fmt.Errorf("nil deployment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[d.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrExists, d.ID)
	}
	d.Version = 1
	s.rows[d.ID] = d.Clone()
	return nil
}

func (s *Store) Load(_ context.Context, id string) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row.Clone(), nil
}

func (s *Store) SaveCycle(_ context.Context, d *deployment.Deployment, expectedVersion int64, history []store.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[d.ID]
	if !ok {
		return store.ErrNotFound
	}
	if row.Version != expectedVersion {
		return store.ErrStale
	}
	d.Version = expectedVersion + 1
	s.rows[d.ID] = d.Clone()
	for _, rec := range history {
		s.nextID++
		rec.ID = s.nextID
		rec.DeploymentID = d.ID
		s.history[d.ID] = append(s.history[d.ID], rec)
	}
	return nil
}

func (s *Store) UpdateLifecycle(_ context.Context, id string, mutate store.Mutator) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	work := row.Clone()
	changed, err := mutate(work)
	if err != nil {
		return nil, err
	}
	if !changed {
		return row.Clone(), nil
	}
	work.Version = row.Version + 1
	s.rows[id] = work
	return work.Clone(), nil
}

func (s *Store) ListRunnable(_ context.Context) ([]*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*deployment.Deployment, 0, len(s.rows))
	for _, row := range s.rows {
		if row.Runnable() {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rows, id)
	delete(s.leases, id)
	return nil
}

func (s *Store) AcquireLease(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("lease owner must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, store.ErrNotFound
	}
	cur, held := s.leases[id]
	if held && cur.owner != owner && !cur.until.Before(now) {
		return false, nil
	}
	s.leases[id] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[id]; ok && cur.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

// ListSignals returns history newest first.
func (s *Store) ListSignals(_ context.Context, id string, limit int) ([]store.SignalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.history[id]
	out := make([]store.SignalRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

// Put overwrites a row as-is, bypassing version checks. Test helper for
// seeding corrupted or mid-state records.
func (s *Store) Put(d *deployment.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[d.ID] = d.Clone()
}
