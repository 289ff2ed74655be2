package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/krich11/kme-sub001/lib/backend"
)

func TestCreateConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bk, err := New(Config{})
	require.NoError(t, err)

	key := backend.NewKey("keys", "k1")
	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.Error(t, err)
	require.True(t, trace.IsAlreadyExists(err))
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bk, err := New(Config{})
	require.NoError(t, err)

	key := backend.NewKey("keys", "k1")
	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("available")})
	require.NoError(t, err)

	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("wrong")},
		backend.Item{Key: key, Value: []byte("delivered")},
	)
	require.Error(t, err, "CAS must fail against a mismatched expected value")

	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("available")},
		backend.Item{Key: key, Value: []byte("delivered")},
	)
	require.NoError(t, err)

	got, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "delivered", string(got.Value))
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	bk, err := New(Config{Clock: clock})
	require.NoError(t, err)

	key := backend.NewKey("keys", "k1")
	_, err = bk.Create(ctx, backend.Item{
		Key:     key,
		Value:   []byte("v1"),
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = bk.Get(ctx, key)
	require.Error(t, err, "expired item must no longer be readable")
}

func TestGetRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bk, err := New(Config{})
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := bk.Create(ctx, backend.Item{Key: backend.NewKey("keys", id), Value: []byte(id)})
		require.NoError(t, err)
	}

	prefix := backend.NewKey("keys", "")
	items, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix))
	require.NoError(t, err)
	require.Len(t, items, 3)
}
