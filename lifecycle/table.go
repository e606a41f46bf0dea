package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/dropmesh/dropmesh/interfaces"
)

// FragmentRecord is the bookkeeping entry for one dispatched fragment.
// Blob is the encoded sealed fragment, kept until the drop closes so the
// fragment can be redispatched to a different node after an abort.
type FragmentRecord struct {
	DropID    interfaces.DropID         `json:"drop_id"`
	Index     uint8                     `json:"index"`
	Target    interfaces.NodeKey        `json:"target"`
	Status    interfaces.FragmentStatus `json:"status"`
	HopCount  int                       `json:"hop_count"`
	CreatedAt time.Time                 `json:"created_at"`
	Expiry    time.Time                 `json:"expiry"`
	Attempts  int                       `json:"attempts"`
	Blob      []byte                    `json:"blob,omitempty"`

	sessionID string
}

// Key returns the table key for a fragment.
func (r *FragmentRecord) Key() string {
	return FragmentKey(r.DropID, r.Index)
}

// FragmentKey builds the table and store key for a fragment.
func FragmentKey(dropID interfaces.DropID, index uint8) string {
	return fmt.Sprintf("%s/%d", dropID, index)
}

// FragmentTable is the one shared mutable structure between sessions and
// the lifecycle manager. Mutations follow a single-writer-per-fragment
// rule: a session must Acquire a fragment before changing its delivery
// status, so no fragment is ever observable in two live sessions.
// Expiry transitions are the exception: they follow the embedded
// timestamp and are idempotent and commutative, safe from any caller.
type FragmentTable struct {
	mu    sync.RWMutex
	frags map[string]*FragmentRecord
}

// NewFragmentTable creates an empty table.
func NewFragmentTable() *FragmentTable {
	return &FragmentTable{frags: make(map[string]*FragmentRecord)}
}

// Add registers a fragment in pending state. Re-adding an existing
// fragment is an error.
func (t *FragmentTable) Add(rec *FragmentRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := rec.Key()
	if _, exists := t.frags[key]; exists {
		return fmt.Errorf("fragment %s already tracked", key)
	}

	stored := *rec
	stored.Status = interfaces.FragmentPending
	t.frags[key] = &stored
	return nil
}

// Get returns a snapshot of a fragment record.
func (t *FragmentTable) Get(dropID interfaces.DropID, index uint8) (FragmentRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok {
		return FragmentRecord{}, false
	}
	return *rec, true
}

// ForDrop returns snapshots of all fragments of a drop.
func (t *FragmentTable) ForDrop(dropID interfaces.DropID) []FragmentRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []FragmentRecord
	for _, rec := range t.frags {
		if rec.DropID.Equal(dropID) {
			out = append(out, *rec)
		}
	}
	return out
}

// Acquire claims a pending fragment for a transfer session and moves it
// to in-transit. Fails if the fragment is unknown, not pending, or held
// by another session.
func (t *FragmentTable) Acquire(dropID interfaces.DropID, index uint8, sessionID string, target interfaces.NodeKey) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok {
		return nil, fmt.Errorf("fragment %s unknown", FragmentKey(dropID, index))
	}
	if rec.Status != interfaces.FragmentPending {
		return nil, fmt.Errorf("fragment %s not pending (status %s)", rec.Key(), rec.Status)
	}

	rec.Status = interfaces.FragmentInTransit
	rec.sessionID = sessionID
	rec.Target = target
	rec.Attempts++
	return rec.Blob, nil
}

// ReleaseAborted returns an in-transit or stored fragment to pending.
// Stored is releasable because a holder can ack the transfer and still
// fail to commit custody. Only the owning session succeeds, and only
// once: a second release of the same session is a no-op, so a stalled
// session cannot revert the fragment twice under repeated
// reconciliation.
func (t *FragmentTable) ReleaseAborted(dropID interfaces.DropID, index uint8, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok || rec.sessionID != sessionID {
		return false
	}
	if rec.Status != interfaces.FragmentInTransit && rec.Status != interfaces.FragmentStored {
		return false
	}

	rec.Status = interfaces.FragmentPending
	rec.sessionID = ""
	return true
}

// MarkStored records peer acknowledgement of storage by the owning
// session.
func (t *FragmentTable) MarkStored(dropID interfaces.DropID, index uint8, sessionID string) bool {
	return t.sessionTransition(dropID, index, sessionID, interfaces.FragmentInTransit, interfaces.FragmentStored)
}

// MarkConfirmed finalizes custody. Idempotent: confirming a confirmed
// fragment is a no-op, so status updates commute across sessions and
// reconciliation regardless of arrival order.
func (t *FragmentTable) MarkConfirmed(dropID interfaces.DropID, index uint8, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok {
		return false
	}
	if rec.Status == interfaces.FragmentConfirmed {
		return true
	}
	if rec.sessionID != sessionID {
		return false
	}
	if rec.Status != interfaces.FragmentInTransit && rec.Status != interfaces.FragmentStored {
		return false
	}

	rec.Status = interfaces.FragmentConfirmed
	rec.sessionID = ""
	return true
}

// MarkLost records a fragment as gone: dispatch retries exhausted, or a
// holder vanished after custody. Confirmed fragments are eligible; a
// lost holder is exactly how quorum erodes and reconciliation learns to
// re-dispatch. Only expired fragments are immune, expiry is terminal.
func (t *FragmentTable) MarkLost(dropID interfaces.DropID, index uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok || rec.Status == interfaces.FragmentExpired {
		return
	}
	rec.Status = interfaces.FragmentLost
	rec.sessionID = ""
}

// RecordRoute notes how many relay hops carried a fragment to its
// holder, by the owning session.
func (t *FragmentTable) RecordRoute(dropID interfaces.DropID, index uint8, sessionID string, hops int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok || rec.sessionID != sessionID {
		return false
	}
	rec.HopCount = hops
	return true
}

// ExpireStale marks fragments of a drop expired when their embedded
// expiry has passed, regardless of holder-reported status. In-transit
// fragments are skipped; their session observes the expiry on
// completion. Returns the number of fragments newly expired.
func (t *FragmentTable) ExpireStale(dropID interfaces.DropID, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for _, rec := range t.frags {
		if !rec.DropID.Equal(dropID) {
			continue
		}
		if rec.Status == interfaces.FragmentExpired || rec.Status == interfaces.FragmentInTransit {
			continue
		}
		if now.After(rec.Expiry) {
			rec.Status = interfaces.FragmentExpired
			rec.sessionID = ""
			rec.Blob = nil
			expired++
		}
	}
	return expired
}

// ExpireAll invalidates every fragment of a drop, used on revocation and
// drop TTL.
func (t *FragmentTable) ExpireAll(dropID interfaces.DropID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for _, rec := range t.frags {
		if !rec.DropID.Equal(dropID) || rec.Status == interfaces.FragmentExpired {
			continue
		}
		rec.Status = interfaces.FragmentExpired
		rec.sessionID = ""
		rec.Blob = nil
		expired++
	}
	return expired
}

// Confirmed counts confirmed, unexpired fragments of a drop.
func (t *FragmentTable) Confirmed(dropID interfaces.DropID, now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, rec := range t.frags {
		if rec.DropID.Equal(dropID) && rec.Status == interfaces.FragmentConfirmed && now.Before(rec.Expiry) {
			count++
		}
	}
	return count
}

// InFlight counts fragments still working toward confirmation: pending,
// in-transit or stored, and not past expiry.
func (t *FragmentTable) InFlight(dropID interfaces.DropID, now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, rec := range t.frags {
		if !rec.DropID.Equal(dropID) || !now.Before(rec.Expiry) {
			continue
		}
		switch rec.Status {
		case interfaces.FragmentPending, interfaces.FragmentInTransit, interfaces.FragmentStored:
			count++
		}
	}
	return count
}

// NextPending returns one pending fragment of a drop for dispatch, if
// any.
func (t *FragmentTable) NextPending(dropID interfaces.DropID) (FragmentRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, rec := range t.frags {
		if rec.DropID.Equal(dropID) && rec.Status == interfaces.FragmentPending {
			return *rec, true
		}
	}
	return FragmentRecord{}, false
}

func (t *FragmentTable) sessionTransition(dropID interfaces.DropID, index uint8, sessionID string, from, to interfaces.FragmentStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.frags[FragmentKey(dropID, index)]
	if !ok || rec.sessionID != sessionID || rec.Status != from {
		return false
	}
	rec.Status = to
	return true
}
