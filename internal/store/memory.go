package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"peepal-go/internal/models"
)

// MemoryStore keeps subscribers in process memory. Everything is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	subscribers map[string]models.Subscriber
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subscribers: make(map[string]models.Subscriber)}
}

func (s *MemoryStore) Upsert(ctx context.Context, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, created := s.upsertLocked(sub, now)
	return rec, created, nil
}

func (s *MemoryStore) upsertLocked(sub models.PushSubscription, now time.Time) (models.Subscriber, bool) {
	existing, ok := s.subscribers[sub.Endpoint]
	if !ok {
		rec := models.NewSubscriber(sub, now)
		s.subscribers[sub.Endpoint] = rec
		return rec, true
	}
	existing.Subscription = sub
	s.subscribers[sub.Endpoint] = existing
	return existing, false
}

func (s *MemoryStore) SetPreferences(ctx context.Context, endpoint string, frequencyMinutes int, language models.Language, now time.Time) (models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.subscribers[endpoint]
	if !ok {
		return models.Subscriber{}, ErrNotFound
	}
	applyPreferences(&rec, frequencyMinutes, language, now)
	s.subscribers[endpoint] = rec
	return rec, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, oldEndpoint string, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.subscribers[oldEndpoint]
	if oldEndpoint == "" || !ok {
		rec, _ := s.upsertLocked(sub, now)
		return rec, false, nil
	}
	delete(s.subscribers, oldEndpoint)
	old.Subscription = sub
	s.subscribers[sub.Endpoint] = old
	return old, true, nil
}

func (s *MemoryStore) Remove(ctx context.Context, endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribers[endpoint]
	delete(s.subscribers, endpoint)
	return ok, nil
}

func (s *MemoryStore) Get(ctx context.Context, endpoint string) (models.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.subscribers[endpoint]
	if !ok {
		return models.Subscriber{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]models.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]models.Subscriber, 0, len(s.subscribers))
	for _, rec := range s.subscribers {
		list = append(list, rec)
	}
	sortByNextAt(list)
	return list, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers), nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Subscriber
	for _, rec := range s.subscribers {
		if rec.Due(now) {
			due = append(due, rec)
		}
	}
	sortByNextAt(due)
	return due, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, endpoint string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.subscribers[endpoint]
	if !ok {
		return false, nil
	}
	rec.NextAt = now.Add(rec.Interval())
	s.subscribers[endpoint] = rec
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByNextAt(list []models.Subscriber) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].NextAt.Equal(list[j].NextAt) {
			return list[i].Endpoint() < list[j].Endpoint()
		}
		return list[i].NextAt.Before(list[j].NextAt)
	})
}
