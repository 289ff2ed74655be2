package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/krich11/kme-sub001/lib/backend/memory"
	"github.com/krich11/kme-sub001/lib/keysource"
	"github.com/krich11/kme-sub001/lib/keystore"
)

// fixedSource hands out deterministic, distinct byte strings so tests
// can assert on minted content without touching the real CSPRNG.
type fixedSource struct {
	mu      sync.Mutex
	counter int
	limit   int // 0 means unlimited
}

func (s *fixedSource) Fetch(ctx context.Context, sourceKME, targetKME string, sizeBits, count int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if s.limit > 0 && s.counter >= s.limit {
			break
		}
		b := make([]byte, sizeBits/8)
		b[0] = byte(s.counter)
		s.counter++
		out = append(out, b)
	}
	return out, nil
}

func newTestPool(t *testing.T, src keysource.Source, limits Limits) (*Pool, *keystore.Store) {
	t.Helper()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	store := keystore.New(bk)
	if limits.MaxKeyPerRequest == 0 {
		limits.MaxKeyPerRequest = 100
	}
	if limits.MaxKeyCount == 0 {
		limits.MaxKeyCount = 1000
	}
	if limits.MaxKeySizeBits == 0 {
		limits.MaxKeySizeBits = 1024
	}
	if limits.MinKeySizeBits == 0 {
		limits.MinKeySizeBits = 64
	}
	p, err := New(context.Background(), Config{
		Store:       store,
		Source:      src,
		RNG:         keysource.NewCryptoRandom(nil),
		Limits:      limits,
		Clock:       clockwork.NewFakeClock(),
		SourceKMEID: "KMEA",
		TargetKMEID: "KMEB",
	})
	require.NoError(t, err)
	return p, store
}

func TestReserveForMasterMintsAndCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newTestPool(t, &fixedSource{}, Limits{})

	res, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 3, 256)
	require.NoError(t, err)
	require.Len(t, res.KeyIDs, 3)

	records, err := p.Commit(ctx, res)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		require.Equal(t, keystore.StatusDeliveredMaster, r.Status)
	}
}

func TestReserveForMasterBindsRequestedSlaveSetStructurally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newTestPool(t, &fixedSource{}, Limits{})

	res, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0002", "SLAVE0001"}, 1, 256)
	require.NoError(t, err)

	want := &Reservation{
		MasterSAEID: "MASTER01",
		SlaveSAEIDs: []string{"SLAVE0002", "SLAVE0001"},
		SizeBits:    256,
	}
	// ID and KeyIDs are generated/minted per call, so they're excluded
	// from the structural comparison rather than asserted field by field.
	if diff := cmp.Diff(want, res, cmpopts.IgnoreFields(Reservation{}, "ID", "KeyIDs")); diff != "" {
		t.Errorf("reservation mismatch (-want +got):\n%s", diff)
	}
}

func TestReserveForMasterRejectsDuplicateSlaveSAEIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newTestPool(t, &fixedSource{}, Limits{})

	_, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001", "SLAVE0001"}, 1, 256)
	require.Error(t, err)
}

func TestReserveForMasterExhaustsWhenSourceIsShort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newTestPool(t, &fixedSource{limit: 1}, Limits{})

	_, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 3, 256)
	require.Error(t, err, "a source that cannot fill the shortfall even after one retry must fail")
}

func TestAtMostOnceAcrossConcurrentReservations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, store := newTestPool(t, &fixedSource{}, Limits{})

	// Pre-seed five available keys directly in the store/index so the
	// selection phase has real contention to race over.
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Insert(ctx, keystore.Record{
			KeyID: id, Bytes: []byte{byte(i)}, SizeBits: 256,
			SourceKMEID: "KMEA", TargetKMEID: "KMEB", Status: keystore.StatusAvailable,
		}))
	}
	require.NoError(t, p.reindex(ctx))

	var wg sync.WaitGroup
	seen := make(chan string, 10)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 1, 256)
			if err != nil {
				return
			}
			for _, id := range res.KeyIDs {
				seen <- id
			}
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[string]bool)
	for id := range seen {
		require.False(t, ids[id], "the same key must never be reserved twice concurrently")
		ids[id] = true
	}
}

func TestAbortRestoresIndexForReuse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newTestPool(t, &fixedSource{}, Limits{})

	res, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 2, 256)
	require.NoError(t, err)
	require.NoError(t, p.Abort(ctx, res))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.StoredKeyCount, "aborted keys must become available again")
}

func TestRetrieveForSlavePreservesOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newTestPool(t, &fixedSource{}, Limits{})

	res, err := p.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 3, 256)
	require.NoError(t, err)
	_, err = p.Commit(ctx, res)
	require.NoError(t, err)

	reversed := []string{res.KeyIDs[2], res.KeyIDs[0], res.KeyIDs[1]}
	found, missing, err := p.RetrieveForSlave(ctx, reversed)
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t, reversed[0], found[0].KeyID)
	require.Equal(t, reversed[1], found[1].KeyID)
	require.Equal(t, reversed[2], found[2].KeyID)
}

func TestSweepExpiredRemovesFromIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	store := keystore.New(bk)

	expired := clock.Now().Add(-time.Minute)
	require.NoError(t, store.Insert(ctx, keystore.Record{
		KeyID: "k1", SourceKMEID: "KMEA", TargetKMEID: "KMEB",
		Status: keystore.StatusAvailable, ExpiresAt: &expired,
	}))

	p, err := New(ctx, Config{
		Store: store, Source: &fixedSource{}, RNG: keysource.NewCryptoRandom(nil),
		Limits:      Limits{MinKeySizeBits: 64, MaxKeySizeBits: 1024, MaxKeyPerRequest: 10, MaxKeyCount: 10},
		Clock:       clock,
		SourceKMEID: "KMEA", TargetKMEID: "KMEB",
	})
	require.NoError(t, err)

	n, err := p.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.StoredKeyCount)
}
