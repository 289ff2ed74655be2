// Package pool implements KeyPool (spec §4.3), the component
// mediating every concurrent request that touches key material. The
// selection phase runs against an in-memory hashicorp/go-memdb table
// indexed by (source_kme, target_kme, size_bits) so picking "number
// distinct available keys of this size for this link" is an indexed
// lookup rather than a full scan. Membership in the table IS the
// availability signal: a key is inserted when it becomes selectable
// and deleted the instant it is taken for a reservation, so two
// concurrent selections can never pick the same row. The actual
// status transitions that make a reservation durable go through
// lib/keystore, whose Backend-level compare-and-swap is what the
// at-most-once delivery guarantee ultimately rests on — the memdb
// table is a cache of "which keys look available," never the source
// of truth.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-memdb"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/krich11/kme-sub001/lib/keysource"
	"github.com/krich11/kme-sub001/lib/keystore"
)

const tableAvailableKeys = "available_keys"

func memdbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableAvailableKeys: {
				Name: tableAvailableKeys,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "KeyID"},
					},
					"link_size": {
						Name:   "link_size",
						Unique: false,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "SourceKMEID"},
							&memdb.StringFieldIndex{Field: "TargetKMEID"},
							&memdb.IntFieldIndex{Field: "SizeBits"},
						}},
					},
				},
			},
		},
	}
}

// indexedKey is the memdb projection of an available keystore.Record:
// just enough fields to drive selection, never the key bytes
// themselves. Its mere presence in the table means the key is
// selectable.
type indexedKey struct {
	KeyID       string
	SourceKMEID string
	TargetKMEID string
	SizeBits    int
}

// Limits carries the admission-control bounds from configuration
// (spec §6.4) that reserve_for_master must enforce.
type Limits struct {
	MinKeySizeBits   int
	MaxKeySizeBits   int
	MaxKeyPerRequest int
	MaxKeyCount      int
	MaxSAEIDCount    int
}

// Config configures a Pool.
type Config struct {
	Store       *keystore.Store
	Source      keysource.Source
	RNG         *keysource.CryptoRandom
	Limits      Limits
	Clock       clockwork.Clock
	Logger      *slog.Logger
	SourceKMEID string
	TargetKMEID string
}

// Pool is the KeyPool.
type Pool struct {
	store  *keystore.Store
	source keysource.Source
	rng    *keysource.CryptoRandom
	limits Limits
	clock  clockwork.Clock
	log    *slog.Logger

	sourceKMEID string
	targetKMEID string

	// selMu serializes only the selection phase of reserve_for_master
	// (choosing which key IDs to bind), per spec §5: it must never be
	// held across the KeySource.Fetch or KeyStore I/O calls.
	selMu sync.Mutex
	memDB *memdb.MemDB

	metrics poolMetrics
}

type poolMetrics struct {
	reservations prometheus.Counter
	exhausted    prometheus.Counter
	commits      prometheus.Counter
	aborts       prometheus.Counter
	available    prometheus.Gauge
}

func newPoolMetrics(reg prometheus.Registerer) poolMetrics {
	m := poolMetrics{
		reservations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kme_pool_reservations_total",
			Help: "Total number of reserve_for_master calls that succeeded.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kme_pool_exhausted_total",
			Help: "Total number of reserve_for_master calls that failed with Exhausted.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kme_pool_commits_total",
			Help: "Total number of reservations committed to delivered_master.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kme_pool_aborts_total",
			Help: "Total number of reservations aborted.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kme_pool_available_keys",
			Help: "Snapshot count of available keys on the last stats() call.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reservations, m.exhausted, m.commits, m.aborts, m.available)
	}
	return m
}

// New constructs a Pool and loads its selection index from the store.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	db, err := memdb.NewMemDB(memdbSchema())
	if err != nil {
		return nil, trace.Wrap(err, "constructing pool selection index")
	}
	p := &Pool{
		store:       cfg.Store,
		source:      cfg.Source,
		rng:         cfg.RNG,
		limits:      cfg.Limits,
		clock:       cfg.Clock,
		log:         cfg.Logger.With("component", "pool"),
		sourceKMEID: cfg.SourceKMEID,
		targetKMEID: cfg.TargetKMEID,
		memDB:       db,
		metrics:     newPoolMetrics(nil),
	}
	if err := p.reindex(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// RegisterMetrics registers the pool's prometheus collectors against
// reg. Called separately from New so tests can construct a Pool
// without a global registry.
func (p *Pool) RegisterMetrics(reg prometheus.Registerer) {
	p.metrics = newPoolMetrics(reg)
}

// reindex rebuilds the in-memory selection index from the durable
// store. Called once at startup; all further index maintenance is
// incremental (take/insert on the hot path).
func (p *Pool) reindex(ctx context.Context) error {
	records, err := p.store.All(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	p.selMu.Lock()
	defer p.selMu.Unlock()

	txn := p.memDB.Txn(true)
	for _, r := range records {
		if r.Status != keystore.StatusAvailable || r.ReservedBy != "" {
			continue
		}
		if err := txn.Insert(tableAvailableKeys, toIndexed(r)); err != nil {
			txn.Abort()
			return trace.Wrap(err)
		}
	}
	txn.Commit()
	return nil
}

func toIndexed(r keystore.Record) *indexedKey {
	return &indexedKey{
		KeyID:       r.KeyID,
		SourceKMEID: r.SourceKMEID,
		TargetKMEID: r.TargetKMEID,
		SizeBits:    r.SizeBits,
	}
}

// Reservation is the transient binding returned by ReserveForMaster.
type Reservation struct {
	ID          string
	MasterSAEID string
	SlaveSAEIDs []string
	KeyIDs      []string
	SizeBits    int
}

// ReserveForMaster implements spec §4.3 reserve_for_master.
func (p *Pool) ReserveForMaster(ctx context.Context, masterSAEID string, slaveSAEIDs []string, number, sizeBits int) (*Reservation, error) {
	if err := p.validateRequest(slaveSAEIDs, number, sizeBits); err != nil {
		return nil, trace.Wrap(err)
	}

	reservationID := uuid.NewString()

	keyIDs, err := p.selectOrMint(ctx, number, sizeBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if _, err := p.store.ReserveMany(ctx, keyIDs, reservationID); err != nil {
		p.restoreToIndex(keyIDs, sizeBits)
		return nil, trace.Wrap(err)
	}

	p.metrics.reservations.Inc()
	return &Reservation{
		ID:          reservationID,
		MasterSAEID: masterSAEID,
		SlaveSAEIDs: slaveSAEIDs,
		KeyIDs:      keyIDs,
		SizeBits:    sizeBits,
	}, nil
}

func (p *Pool) validateRequest(slaveSAEIDs []string, number, sizeBits int) error {
	if number < 1 {
		return trace.BadParameter("number must be >= 1, got %d", number)
	}
	if number > p.limits.MaxKeyPerRequest {
		return trace.BadParameter("number %d exceeds max_key_per_request %d", number, p.limits.MaxKeyPerRequest)
	}
	if sizeBits%8 != 0 {
		return trace.BadParameter("size %d is not a multiple of 8", sizeBits)
	}
	if sizeBits < p.limits.MinKeySizeBits || sizeBits > p.limits.MaxKeySizeBits {
		return trace.BadParameter("size %d outside [%d, %d]", sizeBits, p.limits.MinKeySizeBits, p.limits.MaxKeySizeBits)
	}
	if p.limits.MaxSAEIDCount > 0 && len(slaveSAEIDs) > p.limits.MaxSAEIDCount+1 {
		return trace.BadParameter("slave SAE ID count %d exceeds max_SAE_ID_count+1 (%d)", len(slaveSAEIDs), p.limits.MaxSAEIDCount+1)
	}
	seen := make(map[string]bool, len(slaveSAEIDs))
	for _, id := range slaveSAEIDs {
		if seen[id] {
			return trace.BadParameter("duplicate slave SAE ID %q", id)
		}
		seen[id] = true
	}
	return nil
}

// selectOrMint draws `number` available keys of sizeBits from the
// index, minting fresh ones from the KeySource for any shortfall.
func (p *Pool) selectOrMint(ctx context.Context, number, sizeBits int) ([]string, error) {
	existing := p.takeAvailable(number, sizeBits)
	if len(existing) == number {
		return existing, nil
	}

	shortfall := number - len(existing)

	stored, err := p.store.CountAvailable(ctx, p.sourceKMEID, p.targetKMEID)
	if err != nil {
		p.restoreToIndex(existing, sizeBits)
		return nil, trace.Wrap(err)
	}
	if stored+shortfall > p.limits.MaxKeyCount {
		p.restoreToIndex(existing, sizeBits)
		p.metrics.exhausted.Inc()
		return nil, trace.LimitExceeded("pool capacity %d would be exceeded", p.limits.MaxKeyCount)
	}

	minted, err := p.mint(ctx, shortfall, sizeBits)
	if err != nil {
		p.restoreToIndex(existing, sizeBits)
		p.metrics.exhausted.Inc()
		return nil, trace.Wrap(err)
	}
	return append(existing, minted...), nil
}

// takeAvailable removes up to `number` available key IDs of the right
// size from the index in a single transaction, so a concurrent caller
// can never also select them. This is the pool's one true critical
// section: held only across the index read/delete, never across
// KeySource or KeyStore I/O.
func (p *Pool) takeAvailable(number, sizeBits int) []string {
	p.selMu.Lock()
	defer p.selMu.Unlock()

	txn := p.memDB.Txn(true)
	it, err := txn.Get(tableAvailableKeys, "link_size", p.sourceKMEID, p.targetKMEID, sizeBits)
	if err != nil {
		txn.Abort()
		return nil
	}
	var out []string
	for len(out) < number {
		raw := it.Next()
		if raw == nil {
			break
		}
		k := raw.(*indexedKey)
		if err := txn.Delete(tableAvailableKeys, k); err != nil {
			continue
		}
		out = append(out, k.KeyID)
	}
	txn.Commit()
	return out
}

// restoreToIndex reinserts keyIDs into the selection index, used when
// a reservation could not be completed and the keys are still
// genuinely available in the store. sizeBits must match the size the
// keys were originally selected/minted for, or later size-filtered
// lookups will never find them again.
func (p *Pool) restoreToIndex(keyIDs []string, sizeBits int) {
	if len(keyIDs) == 0 {
		return
	}
	p.selMu.Lock()
	defer p.selMu.Unlock()

	txn := p.memDB.Txn(true)
	for _, id := range keyIDs {
		if err := txn.Insert(tableAvailableKeys, &indexedKey{
			KeyID:       id,
			SourceKMEID: p.sourceKMEID,
			TargetKMEID: p.targetKMEID,
			SizeBits:    sizeBits,
		}); err != nil {
			txn.Abort()
			return
		}
	}
	txn.Commit()
}

// mint draws shortfall fresh keys from the KeySource and inserts them
// into the durable store as available; they are returned already
// claimed by this reservation, so they are never added to the
// selection index at all. If the source returns fewer than requested,
// mint retries once for the remaining shortfall before failing,
// matching the retry-once posture of the original
// key_generation_service (SPEC_FULL.md F.4(4)).
func (p *Pool) mint(ctx context.Context, shortfall, sizeBits int) ([]string, error) {
	drawn, err := p.drawWithRetry(ctx, shortfall, sizeBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ids := make([]string, 0, len(drawn))
	for _, b := range drawn {
		id, err := p.rng.NewUUID()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rec := keystore.Record{
			KeyID:       id,
			Bytes:       b,
			SizeBits:    sizeBits,
			SourceKMEID: p.sourceKMEID,
			TargetKMEID: p.targetKMEID,
			Status:      keystore.StatusAvailable,
			CreatedAt:   p.clock.Now(),
		}
		if err := p.store.Insert(ctx, rec); err != nil {
			return nil, trace.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Pool) drawWithRetry(ctx context.Context, count, sizeBits int) ([][]byte, error) {
	drawn, err := p.source.Fetch(ctx, p.sourceKMEID, p.targetKMEID, sizeBits, count)
	if err != nil && len(drawn) == 0 {
		return nil, trace.Wrap(err, "fetching key material from source")
	}
	if len(drawn) >= count {
		return drawn[:count], nil
	}
	remaining := count - len(drawn)
	more, err := p.source.Fetch(ctx, p.sourceKMEID, p.targetKMEID, sizeBits, remaining)
	if err != nil {
		return nil, trace.Wrap(err, "retrying short key draw from source")
	}
	drawn = append(drawn, more...)
	if len(drawn) < count {
		return nil, trace.LimitExceeded("key source returned %d of %d requested keys after retry", len(drawn), count)
	}
	return drawn, nil
}

// Commit implements spec §4.3 commit.
func (p *Pool) Commit(ctx context.Context, r *Reservation) ([]keystore.Record, error) {
	records, err := p.store.Commit(ctx, r.KeyIDs, r.ID, r.MasterSAEID, r.SlaveSAEIDs)
	if err != nil {
		_ = p.Abort(ctx, r)
		return nil, trace.Wrap(err)
	}
	p.metrics.commits.Inc()
	return records, nil
}

// Abort implements spec §4.3 abort.
func (p *Pool) Abort(ctx context.Context, r *Reservation) error {
	err := p.store.Abort(ctx, r.KeyIDs, r.ID)
	p.restoreToIndex(r.KeyIDs, r.SizeBits)
	p.metrics.aborts.Inc()
	return trace.Wrap(err)
}

// RetrieveForSlave implements spec §4.3 retrieve_for_slave. The
// returned slice preserves the input keyIDs order (spec §4.3), and
// per-key authorization is left to the caller (lib/keyretrieval),
// since the error taxonomy distinguishes missing vs forbidden vs gone.
func (p *Pool) RetrieveForSlave(ctx context.Context, keyIDs []string) (found []keystore.Record, missing []string, err error) {
	found, missing, err = p.store.GetMany(ctx, keyIDs)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	byID := make(map[string]keystore.Record, len(found))
	for _, r := range found {
		byID[r.KeyID] = r
	}
	ordered := make([]keystore.Record, 0, len(keyIDs))
	for _, id := range keyIDs {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, missing, nil
}

// MarkSingleUse tags committed keys for single-use consumption, used
// by lib/keyrequest after a commit when the single_use extension was
// accepted (SPEC_FULL.md F.4(5)).
func (p *Pool) MarkSingleUse(ctx context.Context, keyIDs []string) error {
	return trace.Wrap(p.store.MarkSingleUse(ctx, keyIDs))
}

// MarkConsumed transitions a single key to consumed, used by the
// single_use extension hook (SPEC_FULL.md F.4(5)) after a slave
// retrieval it applies to. delivered_master keys are never in the
// selection index, so no index maintenance is needed here.
func (p *Pool) MarkConsumed(ctx context.Context, keyID string) error {
	_, err := p.store.UpdateStatus(ctx, keyID, keystore.StatusDeliveredMaster, keystore.StatusConsumed)
	return trace.Wrap(err)
}

// Stats implements spec §4.3 stats.
type Stats struct {
	StoredKeyCount int
}

// Stats returns a read-only snapshot for StatusService.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	n, err := p.store.CountAvailable(ctx, p.sourceKMEID, p.targetKMEID)
	if err != nil {
		return Stats{}, trace.Wrap(err)
	}
	p.metrics.available.Set(float64(n))
	return Stats{StoredKeyCount: n}, nil
}

// SweepExpired transitions any key whose expiry has passed to
// expired, per spec §4.3 "Eviction / expiry". It is meant to be
// invoked periodically by Sweeper. Expired keys are removed from the
// selection index so they stop being offered to new reservations.
func (p *Pool) SweepExpired(ctx context.Context) (int, error) {
	records, err := p.store.All(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := p.clock.Now()
	swept := 0
	for _, r := range records {
		if r.ExpiresAt == nil || r.ExpiresAt.After(now) {
			continue
		}
		wasAvailable := r.Status == keystore.StatusAvailable && r.ReservedBy == ""
		for _, from := range []keystore.Status{keystore.StatusAvailable, keystore.StatusDeliveredMaster} {
			ok, err := p.store.UpdateStatus(ctx, r.KeyID, from, keystore.StatusExpired)
			if err != nil {
				p.log.Warn("sweeper failed to expire key", "key_id", r.KeyID, "error", err)
				continue
			}
			if ok {
				if wasAvailable {
					p.removeFromIndex(r.KeyID)
				}
				swept++
				break
			}
		}
	}
	return swept, nil
}

func (p *Pool) removeFromIndex(keyID string) {
	p.selMu.Lock()
	defer p.selMu.Unlock()

	txn := p.memDB.Txn(true)
	raw, err := txn.First(tableAvailableKeys, "id", keyID)
	if err != nil || raw == nil {
		txn.Abort()
		return
	}
	if err := txn.Delete(tableAvailableKeys, raw); err != nil {
		txn.Abort()
		return
	}
	txn.Commit()
}

// Sweeper periodically calls SweepExpired on a clock tick.
type Sweeper struct {
	pool     *Pool
	interval time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(pool *Pool, interval time.Duration, clock clockwork.Clock, log *slog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{pool: pool, interval: interval, clock: clock, log: log.With("component", "sweeper")}
}

// Run blocks sweeping on each tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.pool.SweepExpired(ctx)
			if err != nil {
				s.log.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("expired keys swept", "count", n)
			}
		}
	}
}
