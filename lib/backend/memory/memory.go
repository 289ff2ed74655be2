// Package memory implements an in-process backend.Backend backed by a
// map and a single mutex; GetRange sorts its results by key. It is the
// default backend for tests
// and for single-node deployments that accept losing the key pool on
// restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/krich11/kme-sub001/lib/backend"
)

// Config configures a Backend.
type Config struct {
	Clock clockwork.Clock
}

// Backend is a mutex-protected in-memory backend.Backend.
type Backend struct {
	mu    sync.Mutex
	items map[backend.Key]backend.Item
	clock clockwork.Clock
}

// New constructs an in-memory Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Backend{
		items: make(map[backend.Key]backend.Item),
		clock: cfg.Clock,
	}, nil
}

func (b *Backend) expiredLocked(it backend.Item) bool {
	return it.HasExpiry() && !it.Expires.After(b.clock.Now())
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, item backend.Item) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.items[item.Key]; ok && !b.expiredLocked(existing) {
		return nil, trace.AlreadyExists("key %q already exists", item.Key)
	}
	item.Revision = uuid.NewString()
	b.items[item.Key] = item
	out := item
	return &out, nil
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key backend.Key) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.items[key]
	if !ok || b.expiredLocked(it) {
		return nil, trace.NotFound("key %q not found", key)
	}
	out := it
	return &out, nil
}

// GetRange implements backend.Backend.
func (b *Backend) GetRange(ctx context.Context, startKey, endKey backend.Key) ([]backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []backend.Item
	for k, it := range b.items {
		if b.expiredLocked(it) {
			continue
		}
		if k < startKey {
			continue
		}
		if endKey != "" && k >= endKey {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CompareAndSwap implements backend.Backend.
func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.items[expected.Key]
	if !ok || b.expiredLocked(cur) {
		return nil, trace.NotFound("key %q not found", expected.Key)
	}
	if string(cur.Value) != string(expected.Value) {
		return nil, trace.CompareFailed("current value of %q does not match expected", expected.Key)
	}
	replaceWith.Key = expected.Key
	replaceWith.Revision = uuid.NewString()
	b.items[expected.Key] = replaceWith
	out := replaceWith
	return &out, nil
}

// Put implements backend.Backend.
func (b *Backend) Put(ctx context.Context, item backend.Item) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item.Revision = uuid.NewString()
	b.items[item.Key] = item
	out := item
	return &out, nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, key backend.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.items[key]; !ok {
		return trace.NotFound("key %q not found", key)
	}
	delete(b.items, key)
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return nil
}
