package keystore

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/krich11/kme-sub001/lib/backend/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	return New(bk)
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	rec := Record{KeyID: "k1", Bytes: []byte("secret"), SizeBits: 48, Status: StatusAvailable}
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, rec.Bytes, got.Bytes)

	_, err = store.Insert(ctx, rec)
	require.Error(t, err)
}

func TestReserveCommitByteIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Insert(ctx, Record{KeyID: "k1", Bytes: []byte("abc"), Status: StatusAvailable}))
	require.NoError(t, store.Insert(ctx, Record{KeyID: "k2", Bytes: []byte("def"), Status: StatusAvailable}))

	_, err := store.ReserveMany(ctx, []string{"k1", "k2"}, "res-1")
	require.NoError(t, err)

	committed, err := store.Commit(ctx, []string{"k1", "k2"}, "res-1", "master1", []string{"slave1"})
	require.NoError(t, err)
	require.Len(t, committed, 2)

	found, missing, err := store.GetMany(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	require.Empty(t, missing)
	for _, r := range found {
		require.Equal(t, StatusDeliveredMaster, r.Status)
		require.Equal(t, "master1", r.MasterSAEID)
		require.True(t, r.HasSlave("slave1"))
	}
}

func TestReserveManyRollsBackOnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Insert(ctx, Record{KeyID: "k1", Bytes: []byte("abc"), Status: StatusAvailable}))
	require.NoError(t, store.Insert(ctx, Record{KeyID: "k2", Bytes: []byte("def"), Status: StatusDeliveredMaster}))

	_, err := store.ReserveMany(ctx, []string{"k1", "k2"}, "res-1")
	require.Error(t, err)
	require.True(t, trace.IsCompareFailed(err))

	k1, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Empty(t, k1.ReservedBy, "partially applied reservation must be rolled back")
}

func TestAbortReleasesReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Insert(ctx, Record{KeyID: "k1", Bytes: []byte("abc"), Status: StatusAvailable}))
	_, err := store.ReserveMany(ctx, []string{"k1"}, "res-1")
	require.NoError(t, err)

	require.NoError(t, store.Abort(ctx, []string{"k1"}, "res-1"))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusAvailable, got.Status)
	require.Empty(t, got.ReservedBy)
}

func TestUpdateStatusCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Insert(ctx, Record{KeyID: "k1", Status: StatusDeliveredMaster}))

	ok, err := store.UpdateStatus(ctx, "k1", StatusAvailable, StatusConsumed)
	require.NoError(t, err)
	require.False(t, ok, "CAS against the wrong expected status must not apply")

	ok, err = store.UpdateStatus(ctx, "k1", StatusDeliveredMaster, StatusConsumed)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, got.Status)
}

func TestCountAvailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Insert(ctx, Record{KeyID: "k1", Status: StatusAvailable, SourceKMEID: "A", TargetKMEID: "B"}))
	require.NoError(t, store.Insert(ctx, Record{KeyID: "k2", Status: StatusDeliveredMaster, SourceKMEID: "A", TargetKMEID: "B"}))
	require.NoError(t, store.Insert(ctx, Record{KeyID: "k3", Status: StatusAvailable, SourceKMEID: "A", TargetKMEID: "C"}))

	n, err := store.CountAvailable(ctx, "A", "B")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
