// Package memstore provides the ephemeral per-process storage backing the
// session layer, built on ttlcache so abandoned entries cannot outlive the
// configured horizon even if nothing ever clears them.
package memstore

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/retailgrid/poscore/session"
)

var _ session.Storage = (*Store)(nil)

// Store implements session.Storage using an in-memory TTL cache.
type Store struct {
	cache *ttlcache.Cache[string, string]
}

// New creates a Store whose entries live at most ttl. The session layer
// deletes entries itself on logout/expiry; the TTL is a backstop, so it
// should comfortably exceed the longest session timeout (a shift length is a
// reasonable choice).
func New(ttl time.Duration) *Store {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	// Start the expired-entry janitor.
	go cache.Start()

	return &Store{cache: cache}
}

// Get implements session.Storage.Get.
func (s *Store) Get(key string) (string, bool) {
	item := s.cache.Get(key)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// Set implements session.Storage.Set.
func (s *Store) Set(key, value string) {
	s.cache.Set(key, value, ttlcache.DefaultTTL)
}

// Delete implements session.Storage.Delete.
func (s *Store) Delete(key string) {
	s.cache.Delete(key)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Close stops the janitor goroutine.
func (s *Store) Close() {
	s.cache.Stop()
}
