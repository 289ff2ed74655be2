// Package boltbk implements backend.Backend on top of go.etcd.io/bbolt,
// for deployments that want the key pool to survive a KME restart.
package boltbk

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	bolt "go.etcd.io/bbolt"

	"github.com/krich11/kme-sub001/lib/backend"
)

var bucketName = []byte("kme")

// Config configures a Backend.
type Config struct {
	// Path is the filesystem path of the bbolt database file.
	Path string
}

// Backend is a bbolt-backed backend.Backend. Each Item is stored as a
// flat encoding of Value/Expires/Revision under its Key; bbolt's own
// single-writer transaction model supplies the atomicity the
// interface requires, so no additional locking is needed here.
type Backend struct {
	db *bolt.DB
}

// New opens (creating if necessary) a bbolt database at cfg.Path.
func New(cfg Config) (*Backend, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, trace.Wrap(err, "opening bolt database at %q", cfg.Path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, trace.Wrap(err)
	}
	return &Backend{db: db}, nil
}

type record struct {
	Value    []byte
	Expires  int64 // unix nano, 0 = no expiry
	Revision string
}

func encode(it backend.Item) record {
	r := record{Value: it.Value, Revision: it.Revision}
	if it.HasExpiry() {
		r.Expires = it.Expires.UnixNano()
	}
	return r
}

func decode(key backend.Key, r record) backend.Item {
	it := backend.Item{Key: key, Value: r.Value, Revision: r.Revision}
	if r.Expires != 0 {
		it.Expires = time.Unix(0, r.Expires)
	}
	return it
}

func (r record) expired(now time.Time) bool {
	return r.Expires != 0 && !time.Unix(0, r.Expires).After(now)
}

func marshalRecord(r record) []byte {
	// Simple, dependency-free fixed layout: 8 bytes expiry, 36 bytes
	// revision (padded), remainder is value. Avoids pulling in an
	// encoding library purely for a two-field envelope.
	out := make([]byte, 8+36+len(r.Value))
	putUint64(out[0:8], uint64(r.Expires))
	copy(out[8:44], []byte(padRevision(r.Revision)))
	copy(out[44:], r.Value)
	return out
}

func unmarshalRecord(b []byte) record {
	if len(b) < 44 {
		return record{}
	}
	expires := int64(getUint64(b[0:8]))
	revision := trimRevision(string(b[8:44]))
	value := append([]byte(nil), b[44:]...)
	return record{Value: value, Expires: expires, Revision: revision}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func padRevision(s string) string {
	if len(s) >= 36 {
		return s[:36]
	}
	return s + string(make([]byte, 36-len(s)))
}

func trimRevision(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0 {
			return s[:i+1]
		}
	}
	return ""
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, item backend.Item) (*backend.Item, error) {
	var out backend.Item
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if existing := bkt.Get([]byte(item.Key)); existing != nil {
			rec := unmarshalRecord(existing)
			if !rec.expired(time.Now()) {
				return trace.AlreadyExists("key %q already exists", item.Key)
			}
		}
		item.Revision = uuid.NewString()
		if err := bkt.Put([]byte(item.Key), marshalRecord(encode(item))); err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key backend.Key) (*backend.Item, error) {
	var out backend.Item
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return trace.NotFound("key %q not found", key)
		}
		rec := unmarshalRecord(raw)
		if rec.expired(time.Now()) {
			return trace.NotFound("key %q not found", key)
		}
		out = decode(key, rec)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// GetRange implements backend.Backend.
func (b *Backend) GetRange(ctx context.Context, startKey, endKey backend.Key) ([]backend.Item, error) {
	var out []backend.Item
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		now := time.Now()
		for k, v := c.Seek([]byte(startKey)); k != nil; k, v = c.Next() {
			key := backend.Key(k)
			if endKey != "" && key >= endKey {
				break
			}
			rec := unmarshalRecord(v)
			if rec.expired(now) {
				continue
			}
			out = append(out, decode(key, rec))
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// CompareAndSwap implements backend.Backend.
func (b *Backend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) (*backend.Item, error) {
	var out backend.Item
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		raw := bkt.Get([]byte(expected.Key))
		if raw == nil {
			return trace.NotFound("key %q not found", expected.Key)
		}
		cur := unmarshalRecord(raw)
		if cur.expired(time.Now()) {
			return trace.NotFound("key %q not found", expected.Key)
		}
		if string(cur.Value) != string(expected.Value) {
			return trace.CompareFailed("current value of %q does not match expected", expected.Key)
		}
		replaceWith.Key = expected.Key
		replaceWith.Revision = uuid.NewString()
		if err := bkt.Put([]byte(expected.Key), marshalRecord(encode(replaceWith))); err != nil {
			return err
		}
		out = replaceWith
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Put implements backend.Backend.
func (b *Backend) Put(ctx context.Context, item backend.Item) (*backend.Item, error) {
	item.Revision = uuid.NewString()
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(item.Key), marshalRecord(encode(item)))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := item
	return &out, nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, key backend.Key) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt.Get([]byte(key)) == nil {
			return trace.NotFound("key %q not found", key)
		}
		return bkt.Delete([]byte(key))
	})
	return trace.Wrap(err)
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return trace.Wrap(b.db.Close())
}
