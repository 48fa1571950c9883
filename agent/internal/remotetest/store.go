package remotetest

import (
	"context"
	"sync"
	"time"
)

// Object is one uploaded payload.
type Object struct {
	Bucket    string
	Key       string
	Data      []byte
	Confirmed bool
	UpdatedAt time.Time
}

// ObjectStore is a thread-safe in-memory object store keyed by bucket and
// key. Unconfirmed objects older than the TTL are evicted by Run.
type ObjectStore struct {
	mu   sync.RWMutex
	data map[string]*Object
	ttl  time.Duration
	now  func() time.Time
}

// NewObjectStore creates a store with the given TTL.
func NewObjectStore(ttl time.Duration) *ObjectStore {
	return &ObjectStore{
		data: make(map[string]*Object),
		ttl:  ttl,
		now:  time.Now,
	}
}

func objectID(bucket, key string) string { return bucket + "/" + key }

// Put stores or replaces the payload at bucket/key.
func (s *ObjectStore) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[objectID(bucket, key)] = &Object{
		Bucket:    bucket,
		Key:       key,
		Data:      append([]byte(nil), data...),
		UpdatedAt: s.now(),
	}
}

// Confirm marks bucket/key as complete. It reports whether the object
// exists.
func (s *ObjectStore) Confirm(bucket, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data[objectID(bucket, key)]
	if ok {
		o.Confirmed = true
		o.UpdatedAt = s.now()
	}
	return ok
}

// Get returns a copy of the object at bucket/key.
func (s *ObjectStore) Get(bucket, key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.data[objectID(bucket, key)]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// List returns copies of all stored objects.
func (s *ObjectStore) List() []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Object, 0, len(s.data))
	for _, o := range s.data {
		out = append(out, *o)
	}
	return out
}

// Evict removes unconfirmed objects not updated within the TTL and returns
// how many were removed.
func (s *ObjectStore) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, o := range s.data {
		if !o.Confirmed && !o.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run evicts at half the TTL (minimum 1 second) until ctx is cancelled.
func (s *ObjectStore) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Evict(now)
		}
	}
}
