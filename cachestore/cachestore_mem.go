package cachestore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemStore keeps one expiring LRU per bucket, each holding up to capacity
// entries.
type MemStore struct {
	capacity int

	lk      sync.Mutex
	buckets map[string]*memBucket
}

var _ Store = (*MemStore)(nil)

func NewMemStore(capacity int) *MemStore {
	return &MemStore{
		capacity: capacity,
		buckets:  make(map[string]*memBucket),
	}
}

func (s *MemStore) Bucket(name string, ttl time.Duration) Bucket {
	s.lk.Lock()
	defer s.lk.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b
	}
	b := &memBucket{data: expirable.NewLRU[string, []byte](s.capacity, nil, ttl)}
	s.buckets[name] = b
	return b
}

type memBucket struct {
	data *expirable.LRU[string, []byte]
}

func (b *memBucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := b.data.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *memBucket) Set(ctx context.Context, key string, val []byte) error {
	b.data.Add(key, append([]byte(nil), val...))
	return nil
}

func (b *memBucket) Purge(ctx context.Context, key string) error {
	b.data.Remove(key)
	return nil
}
