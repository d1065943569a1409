package txn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// stagedMutation is one entry in the StagedMutationQueue. The
// ambiguityResolutionMode / casZeroMode flags are per-mutation, not
// attempt-wide, following the original C++ client's staged_mutation.hxx.
type stagedMutation struct {
	id      DocID
	kind    MutationKind
	content json.RawMessage
	restore DocMetadata
	cas     uint64

	ambiguityResolutionMode bool
	casZeroMode             bool
}

// StagedMutationQueue is the per-attempt ordered set of pending mutations,
// keyed by DocID, holding at most one entry per document.
type StagedMutationQueue struct {
	mu      sync.Mutex
	entries []*stagedMutation
}

// Add removes any existing entry for id, then appends, preserving the
// insertion order of distinct keys. A second staging for the same DocID
// replaces the previous entry; an INSERT followed by a REPLACE stays
// effectively an INSERT (new content, kind forced back to INSERT).
func (q *StagedMutationQueue) Add(m *stagedMutation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.id.Equal(m.id) {
			if e.kind == MutationInsert && m.kind == MutationReplace {
				m.kind = MutationInsert
			}
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	q.entries = append(q.entries, m)
}

// FindAny returns the first entry matching id, and whether found.
func (q *StagedMutationQueue) FindAny(id DocID) (*stagedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.id.Equal(id) {
			return e, true
		}
	}
	return nil, false
}

func (q *StagedMutationQueue) find(id DocID, kind MutationKind) (*stagedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.id.Equal(id) && e.kind == kind {
			return e, true
		}
	}
	return nil, false
}

// FindInsert returns the staged INSERT entry for id, if any.
func (q *StagedMutationQueue) FindInsert(id DocID) (*stagedMutation, bool) {
	return q.find(id, MutationInsert)
}

// FindReplace returns the staged REPLACE entry for id, if any.
func (q *StagedMutationQueue) FindReplace(id DocID) (*stagedMutation, bool) {
	return q.find(id, MutationReplace)
}

// FindRemove returns the staged REMOVE entry for id, if any.
func (q *StagedMutationQueue) FindRemove(id DocID) (*stagedMutation, bool) {
	return q.find(id, MutationRemove)
}

// RemoveAny removes the entry for id, if present.
func (q *StagedMutationQueue) RemoveAny(id DocID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.id.Equal(id) {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Len reports the number of distinct staged documents.
func (q *StagedMutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// snapshot returns a stable copy of the current entries in insertion order,
// for iteration without holding the lock across store calls.
func (q *StagedMutationQueue) snapshot() []*stagedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out = make([]*stagedMutation, len(q.entries))
	copy(out, q.entries)
	return out
}

// ExtractTo serializes every entry's DocID into one of the three persisted
// ATR lists (inserted/replaced/removed) and registers them on atr for the
// next ATR update. All three fields are always written, even when empty,
// so a concurrent reader never observes a half-written ATR entry shape.
func (q *StagedMutationQueue) ExtractTo(atr *ATREntry) {
	var ins, rep, rem []DocRecord
	for _, e := range q.snapshot() {
		switch e.kind {
		case MutationInsert:
			ins = append(ins, e.id.ToRecord())
		case MutationReplace:
			rep = append(rep, e.id.ToRecord())
		case MutationRemove:
			rem = append(rem, e.id.ToRecord())
		}
	}
	atr.Inserted = nonNil(ins)
	atr.Replaced = nonNil(rep)
	atr.Removed = nonNil(rem)
}

// mutationRuntime is the narrow slice of AttemptContext that commit/rollback
// need: the store, the owning ATR id, effective config, the attempt's
// expiry deadline, and the shared overtime latch.
type mutationRuntime interface {
	store() Store
	atrID() DocID
	config() PerTransactionConfig
	deadline() time.Time
	enterOvertime()
	inOvertime() bool
	metrics() *Metrics
}

// newBackoff returns an exponential-backoff controller bounded by rt's
// deadline and wired to observe delays into rt's metrics, if any.
func newBackoff(rt mutationRuntime) *RetryOpExponentialBackoff {
	var b = NewRetryOpExponentialBackoff(rt.deadline())
	b.Metrics = rt.metrics()
	return b
}

// Commit iterates the queue in insertion order; INSERT and REPLACE entries
// go through commitDoc, REMOVE through removeDoc. Commit has already passed
// the transaction's commit point by the time this runs, so a per-mutation
// failure marks the transaction failed_post_commit but does not stop the
// remaining entries from being unstaged: the first failure is recorded and
// returned only after every entry has been attempted.
func (q *StagedMutationQueue) Commit(ctx context.Context, rt mutationRuntime) error {
	var firstErr error
	for _, m := range q.snapshot() {
		var err error
		switch m.kind {
		case MutationInsert:
			err = commitDoc(ctx, rt, m)
		case MutationReplace:
			err = commitDoc(ctx, rt, m)
		case MutationRemove:
			err = removeDoc(ctx, rt, m)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rollback iterates the queue in insertion order; INSERT entries go through
// rollbackInsert, REMOVE/REPLACE through rollbackRemoveOrReplace.
func (q *StagedMutationQueue) Rollback(ctx context.Context, rt mutationRuntime) error {
	for _, m := range q.snapshot() {
		var err error
		if m.kind == MutationInsert {
			err = rollbackInsert(ctx, rt, m)
		} else {
			err = rollbackRemoveOrReplace(ctx, rt, m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// commitDoc unstages one INSERT or REPLACE entry.
func commitDoc(ctx context.Context, rt mutationRuntime, m *stagedMutation) error {
	var backoff = newBackoff(rt)

	for {
		var err error
		if m.kind == MutationInsert && !m.casZeroMode {
			var newCas uint64
			newCas, err = rt.store().Insert(ctx, m.id, m.content, rt.config().DurabilityLevel)
			if err == nil {
				m.cas = newCas
				return nil
			}
		} else {
			var cas = m.cas
			if m.casZeroMode {
				cas = 0
			}
			var newCas uint64
			newCas, err = rt.store().UnstageAsReplace(ctx, m.id, m.content, cas, rt.config().DurabilityLevel)
			if err == nil {
				m.cas = newCas
				return nil
			}
		}

		var class = ClassifyError(err)
		log.WithFields(log.Fields{
			"doc": m.id.String(), "class": class, "ambiguity_resolution": m.ambiguityResolutionMode,
		}).Warn("commitDoc: store operation failed")

		switch class {
		case ClassAmbiguous:
			m.ambiguityResolutionMode = true
		case ClassDocAlreadyExists, ClassCasMismatch:
			if m.ambiguityResolutionMode {
				return newOpFailed(class, false, false, false, true, err)
			}
			m.ambiguityResolutionMode = true
			m.casZeroMode = true
		case ClassExpiry:
			return newOpFailed(class, false, false, true, true, err)
		default:
			return newOpFailed(class, false, false, false, true, err)
		}

		if serr := backoff.Sleep(ctx); serr != nil {
			return newOpFailed(class, false, false, false, true, err)
		}
	}
}

// removeDoc performs a plain durable remove.
func removeDoc(ctx context.Context, rt mutationRuntime, m *stagedMutation) error {
	var backoff = newBackoff(rt)
	for {
		var err = rt.store().Remove(ctx, m.id, m.cas, rt.config().DurabilityLevel)
		if err == nil {
			return nil
		}
		var class = ClassifyError(err)
		if class == ClassAmbiguous {
			if serr := backoff.Sleep(ctx); serr != nil {
				return newOpFailed(class, false, false, false, true, err)
			}
			continue
		}
		return newOpFailed(class, false, false, false, true, err)
	}
}

// rollbackInsert undoes a staged INSERT by removing the reserved
// extended-attribute subtree with access_deleted=true.
func rollbackInsert(ctx context.Context, rt mutationRuntime, m *stagedMutation) error {
	var backoff = newBackoff(rt)
	for {
		var err = rt.store().RemoveStagedInsert(ctx, m.id, m.cas)
		if err == nil {
			return nil
		}
		var class = ClassifyError(err)
		if rt.inOvertime() {
			// A second expiry once already in overtime fails the attempt
			// outright, regardless of this error's own class.
			return newOpFailed(class, false, false, true, false, err)
		}
		switch class {
		case ClassDocNotFound, ClassPathNotFound:
			return nil // Already cleaned.
		case ClassExpiry:
			rt.enterOvertime()
			if serr := backoff.Sleep(ctx); serr != nil {
				return newOpFailed(class, false, false, true, false, err)
			}
			continue
		case ClassHard, ClassCasMismatch:
			return newOpFailed(class, false, false, false, false, err)
		default:
			if serr := backoff.Sleep(ctx); serr != nil {
				return newOpFailed(class, false, false, false, false, err)
			}
		}
	}
}

// rollbackRemoveOrReplace undoes a staged REMOVE or REPLACE by removing the
// reserved extended-attribute subtree on the live document.
func rollbackRemoveOrReplace(ctx context.Context, rt mutationRuntime, m *stagedMutation) error {
	var backoff = newBackoff(rt)
	for {
		var err = rt.store().RemoveStagedContent(ctx, m.id, m.cas)
		if err == nil {
			return nil
		}
		var class = ClassifyError(err)
		if rt.inOvertime() {
			// A second expiry once already in overtime fails the attempt
			// outright, regardless of this error's own class.
			return newOpFailed(class, false, false, true, false, err)
		}
		switch class {
		case ClassPathNotFound:
			return nil // Already cleaned.
		case ClassExpiry:
			rt.enterOvertime()
			if serr := backoff.Sleep(ctx); serr != nil {
				return newOpFailed(class, false, false, true, false, err)
			}
			continue
		case ClassDocNotFound, ClassHard, ClassCasMismatch:
			return newOpFailed(class, false, false, false, false, err)
		default:
			if serr := backoff.Sleep(ctx); serr != nil {
				return newOpFailed(class, false, false, false, false, err)
			}
		}
	}
}
