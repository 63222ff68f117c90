// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Store holds incidents and attempts in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident       // incident ID -> incident
	attempts  map[string][]incident.AlertAttempt // incident ID -> attempts, append order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		attempts:  make(map[string][]incident.AlertAttempt),
	}
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// Put stores a copy of the incident.
func (s *Store) Put(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// FindOpenByCluster returns the most recently updated open incident for a cluster key.
func (s *Store) FindOpenByCluster(_ context.Context, clusterKey string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *incident.Incident
	for _, inc := range s.incidents {
		if inc.ClusterKey != clusterKey || inc.Status.Terminal() {
			continue
		}
		if best == nil || inc.UpdatedAt.After(best.UpdatedAt) {
			best = inc
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Clone(), true, nil
}

// ListOpen returns copies of all open incidents, oldest first.
func (s *Store) ListOpen(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if inc.Status.Terminal() {
			continue
		}
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendAttempts records alert attempts.
func (s *Store) AppendAttempts(_ context.Context, attempts []incident.AlertAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range attempts {
		s.attempts[a.IncidentID] = append(s.attempts[a.IncidentID], a)
	}
	return nil
}

// ListAttempts returns a copy of an incident's attempts in append order.
func (s *Store) ListAttempts(_ context.Context, incidentID string) ([]incident.AlertAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[incidentID]
	out := make([]incident.AlertAttempt, len(src))
	copy(out, src)
	return out, nil
}
