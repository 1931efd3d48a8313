// Package backend implements a small in-memory cache node speaking the
// memcached text protocol.
//
// It stands in for the real cache servers behind the proxy: it is what the
// proxy's tests talk to, and what cmd/backend runs for local clusters. Only
// the commands the proxy forwards are supported: get, gets, set, add,
// replace, delete, plus version and flush_all for operators.
package backend

import (
	"sync"
	"time"
)

// cleanupInterval is how often expired items are purged.
const cleanupInterval = time.Minute

// Item is a stored value with its client flags and expiration.
type Item struct {
	Value     []byte
	ExpiresAt time.Time // zero means no expiration
	Flags     uint32
}

func (it *Item) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && now.After(it.ExpiresAt)
}

// Store is a thread-safe map of items with lazy and periodic expiration.
//
// Example:
//
//	store := backend.NewStore()
//	defer store.Close()
//
//	store.Set("session:abc", []byte("user123"), 0, 30*time.Minute)
//	if item, ok := store.Get("session:abc"); ok {
//		fmt.Printf("Session data: %s\n", item.Value)
//	}
type Store struct {
	data      map[string]*Item
	stop      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewStore creates an empty Store and starts its background cleanup.
func NewStore() *Store {
	s := &Store{
		data: make(map[string]*Item),
		stop: make(chan struct{}),
	}
	go s.cleanupExpired()
	return s
}

// cleanupExpired removes expired items every cleanupInterval until Close.
func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, item := range s.data {
				if item.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the background cleanup.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
}

// Get returns the item stored under key if it exists and has not expired.
func (s *Store) Get(key string) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[key]
	if !ok || item.expired(time.Now()) {
		return nil, false
	}
	return item, true
}

// Set stores value under key unconditionally. A ttl of 0 means no expiration.
func (s *Store) Set(key string, value []byte, flags uint32, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = newItem(value, flags, ttl)
}

// Add stores value only if key holds no live item.
func (s *Store) Add(key string, value []byte, flags uint32, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.data[key]; ok && !item.expired(time.Now()) {
		return false
	}
	s.data[key] = newItem(value, flags, ttl)
	return true
}

// Replace stores value only if key already holds a live item.
func (s *Store) Replace(key string, value []byte, flags uint32, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.data[key]; !ok || item.expired(time.Now()) {
		return false
	}
	s.data[key] = newItem(value, flags, ttl)
	return true
}

// Delete removes key. It reports whether a live item was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.data[key]
	if !ok {
		return false
	}
	delete(s.data, key)
	return !item.expired(time.Now())
}

// FlushAll removes every item.
func (s *Store) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*Item)
}

// Len returns the number of stored items, expired ones included until purged.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

func newItem(value []byte, flags uint32, ttl time.Duration) *Item {
	item := &Item{
		Value: append([]byte(nil), value...),
		Flags: flags,
	}
	if ttl > 0 {
		item.ExpiresAt = time.Now().Add(ttl)
	}
	return item
}
