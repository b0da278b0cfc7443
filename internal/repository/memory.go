package repository

import (
	"context"
	"sync"
	"time"

	"pika-helper/internal/domain"
)

type memoryEntry struct {
	session   *domain.Session
	expiresAt time.Time
}

// memoryStore keeps deep copies so callers never share state with the store.
type memoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryEntry
}

func newMemoryStore(ttl time.Duration, now func() time.Time) *memoryStore {
	return &memoryStore{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]memoryEntry),
	}
}

func (s *memoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	return e.session.Clone(), nil
}

func (s *memoryStore) Create(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	if _, exists := s.sessions[sess.ID]; exists {
		return ErrVersionConflict
	}
	sess.Version = 1
	stamp(sess, now)
	s.sessions[sess.ID] = memoryEntry{session: sess.Clone(), expiresAt: now.Add(s.ttl)}
	return nil
}

func (s *memoryStore) Update(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok := s.sessions[sess.ID]
	if !ok || !now.Before(stored.expiresAt) {
		return ErrNotFound
	}
	if stored.session.Version != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	stamp(sess, now)
	s.sessions[sess.ID] = memoryEntry{session: sess.Clone(), expiresAt: now.Add(s.ttl)}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]memoryEntry)
	return nil
}

// sweep drops expired sessions. Callers hold the write lock.
func (s *memoryStore) sweep(now time.Time) {
	for id, e := range s.sessions {
		if !now.Before(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
}
