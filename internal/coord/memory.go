package coord

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memoryEntry
	lists  map[string][]string
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		values: map[string]memoryEntry{},
		lists:  map[string][]string{},
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := validKey(key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	entry, ok := s.liveLocked(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = s.entryLocked(value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.values[key] = s.entryLocked(value, ttl)
	return true, nil
}

func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	entry, ok := s.liveLocked(key)
	if !ok || entry.value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *MemoryStore) ExpireIfEquals(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	entry, ok := s.liveLocked(key)
	if !ok || entry.value != value {
		return false, nil
	}
	s.values[key] = s.entryLocked(value, ttl)
	return true, nil
}

func (s *MemoryStore) RPush(_ context.Context, key, value string) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.lists[key] = append(s.lists[key], value)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) LPop(_ context.Context, key string) (string, bool, error) {
	if err := validKey(key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	items := s.lists[key]
	if len(items) == 0 {
		return "", false, nil
	}
	head := items[0]
	if len(items) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = items[1:]
	}
	return head, true, nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// liveLocked drops an expired entry on read.
func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.values[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.live(s.now()) {
		delete(s.values, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) entryLocked(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	return entry
}
