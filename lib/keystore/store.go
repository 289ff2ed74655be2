// Package keystore implements the durable KeyStore contract of
// spec §4.2 as a typed layer over a lib/backend.Backend: every
// Record is JSON-marshaled and stored under a path keyed by KeyID,
// and status transitions are realized as backend-level
// compare-and-swap so two instances sharing one Backend never
// double-deliver a key.
package keystore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/krich11/kme-sub001/lib/backend"
)

const keyPrefix = "keys"

// Store is the durable KeyStore.
type Store struct {
	bk backend.Backend
}

// New constructs a Store over the given Backend.
func New(bk backend.Backend) *Store {
	return &Store{bk: bk}
}

func recordKey(keyID string) backend.Key {
	return backend.NewKey(keyPrefix, keyID)
}

func marshal(r Record) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Record contains only JSON-safe fields; a marshal failure
		// here means a programming error, not a runtime condition.
		panic(trace.Wrap(err, "marshaling key record"))
	}
	return b
}

func unmarshal(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, trace.Wrap(err, "unmarshaling key record")
	}
	return r, nil
}

// Insert implements spec §4.2 insert: fails with trace.AlreadyExists
// if key_id is already present.
func (s *Store) Insert(ctx context.Context, r Record) error {
	// The backend item carries no expiry of its own: ExpiresAt is acted
	// on by the pool's sweeper, which moves the record to expired, so an
	// expired key stays readable as a record rather than vanishing.
	_, err := s.bk.Create(ctx, backend.Item{Key: recordKey(r.KeyID), Value: marshal(r)})
	return trace.Wrap(err)
}

// Get implements spec §4.2 get.
func (s *Store) Get(ctx context.Context, keyID string) (*Record, error) {
	item, err := s.bk.Get(ctx, recordKey(keyID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r, err := unmarshal(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// GetMany implements spec §4.2 get_many.
func (s *Store) GetMany(ctx context.Context, keyIDs []string) (found []Record, missing []string, err error) {
	for _, id := range keyIDs {
		r, gerr := s.Get(ctx, id)
		if gerr != nil {
			if trace.IsNotFound(gerr) {
				missing = append(missing, id)
				continue
			}
			return nil, nil, trace.Wrap(gerr)
		}
		found = append(found, *r)
	}
	return found, missing, nil
}

// UpdateStatus implements spec §4.2 update_status: an atomic
// compare-and-set on the record's Status field, realized as a
// whole-value CAS against the Backend. Returns false (no error) if
// the stored status did not equal expected.
func (s *Store) UpdateStatus(ctx context.Context, keyID string, expected, next Status) (bool, error) {
	cur, err := s.Get(ctx, keyID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if cur.Status != expected {
		return false, nil
	}
	expectedBytes := marshal(*cur)
	updated := *cur
	updated.Status = next
	newBytes := marshal(updated)

	_, err = s.bk.CompareAndSwap(ctx,
		backend.Item{Key: recordKey(keyID), Value: expectedBytes},
		backend.Item{Key: recordKey(keyID), Value: newBytes, Expires: cur.itemExpiry()},
	)
	if err != nil {
		if trace.IsCompareFailed(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// ReserveMany atomically transitions a batch of available keys to a
// reservation tag in one pass; if any single CAS fails, every
// already-applied transition in this call is rolled back so the pool
// never ends up holding a partial reservation. Returns the updated
// records in the same order as keyIDs on success.
func (s *Store) ReserveMany(ctx context.Context, keyIDs []string, reservationID string) ([]Record, error) {
	var applied []string
	rollback := func() {
		for _, id := range applied {
			_ = s.clearReservation(ctx, id)
		}
	}

	var out []Record
	for _, id := range keyIDs {
		cur, err := s.Get(ctx, id)
		if err != nil {
			rollback()
			return nil, trace.Wrap(err)
		}
		if cur.Status != StatusAvailable {
			rollback()
			return nil, trace.CompareFailed("key %q is not available", id)
		}
		expectedBytes := marshal(*cur)
		updated := *cur
		updated.ReservedBy = reservationID
		newBytes := marshal(updated)
		_, err = s.bk.CompareAndSwap(ctx,
			backend.Item{Key: recordKey(id), Value: expectedBytes},
			backend.Item{Key: recordKey(id), Value: newBytes, Expires: cur.itemExpiry()},
		)
		if err != nil {
			rollback()
			if trace.IsCompareFailed(err) {
				return nil, trace.CompareFailed("key %q could not be reserved", id)
			}
			return nil, trace.Wrap(err)
		}
		applied = append(applied, id)
		out = append(out, updated)
	}
	return out, nil
}

func (s *Store) clearReservation(ctx context.Context, keyID string) error {
	cur, err := s.Get(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if cur.ReservedBy == "" {
		return nil
	}
	expectedBytes := marshal(*cur)
	updated := *cur
	updated.ReservedBy = ""
	newBytes := marshal(updated)
	_, err = s.bk.CompareAndSwap(ctx,
		backend.Item{Key: recordKey(keyID), Value: expectedBytes},
		backend.Item{Key: recordKey(keyID), Value: newBytes, Expires: cur.itemExpiry()},
	)
	return trace.Wrap(err)
}

// Commit finalizes a reservation's keys to delivered_master, clearing
// the reservation tag and stamping the master/slave SAE IDs the
// reservation was bound to so retrieve_for_slave can later authorize
// per-key access. On any single CAS failure, the keys already
// committed earlier in this call are reverted to available with their
// reservation tag cleared, and the error is returned.
func (s *Store) Commit(ctx context.Context, keyIDs []string, reservationID, masterSAEID string, slaveSAEIDs []string) ([]Record, error) {
	var out []Record
	var applied []string

	failAndRollback := func(err error) ([]Record, error) {
		for _, id := range applied {
			_ = s.revertToAvailable(ctx, id)
		}
		return nil, trace.Wrap(err)
	}

	for _, id := range keyIDs {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return failAndRollback(err)
		}
		if cur.ReservedBy != reservationID || cur.Status != StatusAvailable {
			return failAndRollback(trace.CompareFailed("key %q is not reserved under %q", id, reservationID))
		}
		expectedBytes := marshal(*cur)
		updated := *cur
		updated.Status = StatusDeliveredMaster
		updated.ReservedBy = ""
		updated.MasterSAEID = masterSAEID
		updated.SlaveSAEIDs = slaveSAEIDs
		newBytes := marshal(updated)
		_, err = s.bk.CompareAndSwap(ctx,
			backend.Item{Key: recordKey(id), Value: expectedBytes},
			backend.Item{Key: recordKey(id), Value: newBytes, Expires: cur.itemExpiry()},
		)
		if err != nil {
			return failAndRollback(err)
		}
		applied = append(applied, id)
		out = append(out, updated)
	}
	return out, nil
}

// revertToAvailable undoes a single key's delivered_master transition
// made earlier in the same Commit call, restoring it to available and
// clearing its reservation tag.
func (s *Store) revertToAvailable(ctx context.Context, keyID string) error {
	cur, err := s.Get(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if cur.Status != StatusDeliveredMaster {
		return nil
	}
	expectedBytes := marshal(*cur)
	updated := *cur
	updated.Status = StatusAvailable
	updated.ReservedBy = ""
	updated.MasterSAEID = ""
	updated.SlaveSAEIDs = nil
	newBytes := marshal(updated)
	_, err = s.bk.CompareAndSwap(ctx,
		backend.Item{Key: recordKey(keyID), Value: expectedBytes},
		backend.Item{Key: recordKey(keyID), Value: newBytes, Expires: cur.itemExpiry()},
	)
	return trace.Wrap(err)
}

// MarkSingleUse tags keyIDs for single-use consumption (SPEC_FULL.md
// F.4(5)), called by the key request path after a successful commit
// when the single_use extension was accepted. It never touches
// Status, so it can race harmlessly with a concurrent slave retrieval
// that reads the record before this completes; the worst case is that
// retrieval's single-use check is applied one request later.
func (s *Store) MarkSingleUse(ctx context.Context, keyIDs []string) error {
	var agg []error
	for _, id := range keyIDs {
		cur, err := s.Get(ctx, id)
		if err != nil {
			agg = append(agg, err)
			continue
		}
		if cur.SingleUse {
			continue
		}
		expectedBytes := marshal(*cur)
		updated := *cur
		updated.SingleUse = true
		newBytes := marshal(updated)
		if _, err := s.bk.CompareAndSwap(ctx,
			backend.Item{Key: recordKey(id), Value: expectedBytes},
			backend.Item{Key: recordKey(id), Value: newBytes, Expires: cur.itemExpiry()},
		); err != nil && !trace.IsCompareFailed(err) {
			agg = append(agg, err)
		}
	}
	if len(agg) > 0 {
		return trace.NewAggregate(agg...)
	}
	return nil
}

// Abort releases a batch of reserved keys back to available.
func (s *Store) Abort(ctx context.Context, keyIDs []string, reservationID string) error {
	var agg []error
	for _, id := range keyIDs {
		cur, err := s.Get(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			agg = append(agg, err)
			continue
		}
		if cur.ReservedBy != reservationID {
			continue
		}
		if err := s.clearReservation(ctx, id); err != nil {
			agg = append(agg, err)
		}
	}
	if len(agg) > 0 {
		return trace.NewAggregate(agg...)
	}
	return nil
}

// CountAvailable implements spec §4.2 count_available.
func (s *Store) CountAvailable(ctx context.Context, sourceKME, targetKME string) (int, error) {
	items, err := s.bk.GetRange(ctx, recordKey(""), backend.RangeEnd(recordKey("")))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n := 0
	for _, it := range items {
		r, err := unmarshal(it.Value)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if r.Status == StatusAvailable && r.ReservedBy == "" &&
			r.SourceKMEID == sourceKME && r.TargetKMEID == targetKME {
			n++
		}
	}
	return n, nil
}

// All returns every stored record, whatever its status or link, for
// pool bootstrap/reconciliation; callers do their own filtering.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	items, err := s.bk.GetRange(ctx, recordKey(""), backend.RangeEnd(recordKey("")))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Record, 0, len(items))
	for _, it := range items {
		r, err := unmarshal(it.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, nil
}

// itemExpiry is the backend-level expiry written on every record
// rewrite. It is always zero, for the same reason as in Insert.
func (r Record) itemExpiry() time.Time {
	return time.Time{}
}
