package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal mutationRuntime backed by memStore, for testing
// StagedMutationQueue.Commit/Rollback in isolation from AttemptContext.
type fakeRuntime struct {
	st       Store
	atr      DocID
	cfg      PerTransactionConfig
	dl       time.Time
	overtime bool
	mtr      *Metrics
}

func (r *fakeRuntime) store() Store                { return r.st }
func (r *fakeRuntime) atrID() DocID                 { return r.atr }
func (r *fakeRuntime) config() PerTransactionConfig { return r.cfg }
func (r *fakeRuntime) deadline() time.Time          { return r.dl }
func (r *fakeRuntime) enterOvertime()               { r.overtime = true }
func (r *fakeRuntime) inOvertime() bool             { return r.overtime }
func (r *fakeRuntime) metrics() *Metrics            { return r.mtr }

func newFakeRuntime(st Store) *fakeRuntime {
	return &fakeRuntime{st: st, cfg: DefaultConfig(), dl: time.Now().Add(time.Minute)}
}

func TestStagedMutationQueueAddReplacesSameDoc(t *testing.T) {
	var q = &StagedMutationQueue{}
	var id = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "k"}

	q.Add(&stagedMutation{id: id, kind: MutationReplace, cas: 1})
	require.Equal(t, 1, q.Len())

	q.Add(&stagedMutation{id: id, kind: MutationReplace, cas: 2})
	require.Equal(t, 1, q.Len())
	m, ok := q.FindReplace(id)
	require.True(t, ok)
	require.Equal(t, uint64(2), m.cas)
}

func TestStagedMutationQueueInsertThenReplaceStaysInsert(t *testing.T) {
	var q = &StagedMutationQueue{}
	var id = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "k"}

	q.Add(&stagedMutation{id: id, kind: MutationInsert, cas: 1})
	q.Add(&stagedMutation{id: id, kind: MutationReplace, cas: 2})

	require.Equal(t, 1, q.Len())
	m, ok := q.FindInsert(id)
	require.True(t, ok)
	require.Equal(t, uint64(2), m.cas)
	_, ok = q.FindReplace(id)
	require.False(t, ok)
}

func TestStagedMutationQueueRemoveAny(t *testing.T) {
	var q = &StagedMutationQueue{}
	var id = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "k"}
	q.Add(&stagedMutation{id: id, kind: MutationRemove})
	require.Equal(t, 1, q.Len())
	q.RemoveAny(id)
	require.Equal(t, 0, q.Len())
}

func TestStagedMutationQueueExtractTo(t *testing.T) {
	var q = &StagedMutationQueue{}
	q.Add(&stagedMutation{id: DocID{Key: "ins"}, kind: MutationInsert})
	q.Add(&stagedMutation{id: DocID{Key: "rep"}, kind: MutationReplace})
	q.Add(&stagedMutation{id: DocID{Key: "rem"}, kind: MutationRemove})

	var entry ATREntry
	q.ExtractTo(&entry)

	require.Equal(t, []DocRecord{{ID: "ins"}}, entry.Inserted)
	require.Equal(t, []DocRecord{{ID: "rep"}}, entry.Replaced)
	require.Equal(t, []DocRecord{{ID: "rem"}}, entry.Removed)
}

func TestStagedMutationQueueExtractToAlwaysWritesAllThreeLists(t *testing.T) {
	var q = &StagedMutationQueue{}
	var entry ATREntry
	q.ExtractTo(&entry)

	require.Equal(t, []DocRecord{}, entry.Inserted)
	require.Equal(t, []DocRecord{}, entry.Replaced)
	require.Equal(t, []DocRecord{}, entry.Removed)
}

func TestStagedMutationQueueCommitUnstagesInsert(t *testing.T) {
	var store = newMemStore()
	var ctx = context.Background()
	var rt = newFakeRuntime(store)

	var insID = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "ins"}
	var insCas, err = store.StageInsert(ctx, insID, jsonRaw(`{"n":1}`), TransactionLinks{}, false, 0)
	require.NoError(t, err)

	var q = &StagedMutationQueue{}
	q.Add(&stagedMutation{id: insID, kind: MutationInsert, content: jsonRaw(`{"n":1}`), cas: insCas})

	require.NoError(t, q.Commit(ctx, rt))

	content, _, deleted, _, hasLinks, gerr := store.Get(ctx, insID)
	require.NoError(t, gerr)
	require.False(t, deleted)
	require.False(t, hasLinks)
	require.JSONEq(t, `{"n":1}`, string(content))
}

func TestStagedMutationQueueRollbackUndoesInsert(t *testing.T) {
	var store = newMemStore()
	var ctx = context.Background()
	var rt = newFakeRuntime(store)

	var insID = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "ins"}
	var insCas, err = store.StageInsert(ctx, insID, jsonRaw(`{"n":1}`), TransactionLinks{}, false, 0)
	require.NoError(t, err)

	var q = &StagedMutationQueue{}
	q.Add(&stagedMutation{id: insID, kind: MutationInsert, content: jsonRaw(`{"n":1}`), cas: insCas})

	require.NoError(t, q.Rollback(ctx, rt))

	_, _, _, _, _, gerr := store.Get(ctx, insID)
	require.Error(t, gerr)
	require.Equal(t, ClassDocNotFound, ClassifyError(gerr))
}

func jsonRaw(s string) []byte { return []byte(s) }

// TestStagedMutationQueueCommitRetriesOnceOnAmbiguousThenSucceeds drives the
// ambiguity-resolution retry path in commitDoc: a single AMBIGUOUS response
// flips the mutation into ambiguityResolutionMode and is retried, rather
// than failing the commit outright.
func TestStagedMutationQueueCommitRetriesOnceOnAmbiguousThenSucceeds(t *testing.T) {
	var store = newMemStore()
	var ctx = context.Background()
	var rt = newFakeRuntime(store)

	var insID = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "ins-ambig"}
	var insCas, err = store.StageInsert(ctx, insID, jsonRaw(`{"n":1}`), TransactionLinks{}, false, 0)
	require.NoError(t, err)
	store.queueFailure("Insert", &StoreError{Code: StoreErrAmbiguous})

	var q = &StagedMutationQueue{}
	var m = &stagedMutation{id: insID, kind: MutationInsert, content: jsonRaw(`{"n":1}`), cas: insCas}
	q.Add(m)

	require.NoError(t, q.Commit(ctx, rt))
	require.True(t, m.ambiguityResolutionMode)
	require.False(t, m.casZeroMode)

	content, _, deleted, _, hasLinks, gerr := store.Get(ctx, insID)
	require.NoError(t, gerr)
	require.False(t, deleted)
	require.False(t, hasLinks)
	require.JSONEq(t, `{"n":1}`, string(content))
}

// TestStagedMutationQueueCommitEntersCasZeroModeOnCasMismatchThenSucceeds
// drives commitDoc's cas_zero_mode fallback: a CAS_MISMATCH on the first
// unstage attempt (the normal race between the attempt's own stage write
// and a concurrent actor) flips casZeroMode on, after which the retry skips
// the CAS check entirely and succeeds.
func TestStagedMutationQueueCommitEntersCasZeroModeOnCasMismatchThenSucceeds(t *testing.T) {
	var store = newMemStore()
	var ctx = context.Background()
	var rt = newFakeRuntime(store)

	var repID = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "rep-cas0"}
	var liveCas, err = store.Insert(ctx, repID, jsonRaw(`{"n":1}`), DurabilityMajority)
	require.NoError(t, err)
	var stagedCas, stageErr = store.StageReplace(ctx, repID, jsonRaw(`{"n":2}`), TransactionLinks{}, liveCas, DurabilityMajority)
	require.NoError(t, stageErr)
	store.queueFailure("UnstageAsReplace", &StoreError{Code: StoreErrCasMismatch})

	var q = &StagedMutationQueue{}
	var m = &stagedMutation{id: repID, kind: MutationReplace, content: jsonRaw(`{"n":2}`), cas: stagedCas}
	q.Add(m)

	require.NoError(t, q.Commit(ctx, rt))
	require.True(t, m.ambiguityResolutionMode)
	require.True(t, m.casZeroMode)

	content, _, _, _, _, gerr := store.Get(ctx, repID)
	require.NoError(t, gerr)
	require.JSONEq(t, `{"n":2}`, string(content))
}

// TestStagedMutationQueueCommitFailedPostCommitDoesNotStopRemainingUnstages
// exercises Commit's post-commit-point resilience: a hard, non-retriable
// failure unstaging the first entry must not prevent the second entry from
// still being unstaged, and the returned error is the first failure seen.
func TestStagedMutationQueueCommitFailedPostCommitDoesNotStopRemainingUnstages(t *testing.T) {
	var store = newMemStore()
	var ctx = context.Background()
	var rt = newFakeRuntime(store)

	var failing = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "rep-fails"}
	var liveCas, err = store.Insert(ctx, failing, jsonRaw(`{"n":1}`), DurabilityMajority)
	require.NoError(t, err)
	var stagedCas, stageErr = store.StageReplace(ctx, failing, jsonRaw(`{"n":2}`), TransactionLinks{}, liveCas, DurabilityMajority)
	require.NoError(t, stageErr)
	// A hard error is not retried: commitDoc returns it immediately.
	store.queueFailure("UnstageAsReplace", &StoreError{Code: StoreErrOther})

	var inserted = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "ins-still-runs"}
	var insCas, insErr = store.StageInsert(ctx, inserted, jsonRaw(`{"n":9}`), TransactionLinks{}, false, 0)
	require.NoError(t, insErr)

	var q = &StagedMutationQueue{}
	q.Add(&stagedMutation{id: failing, kind: MutationReplace, content: jsonRaw(`{"n":2}`), cas: stagedCas})
	q.Add(&stagedMutation{id: inserted, kind: MutationInsert, content: jsonRaw(`{"n":9}`), cas: insCas})

	var commitErr = q.Commit(ctx, rt)
	require.Error(t, commitErr)
	var opFailed *TransactionOperationFailedError
	require.ErrorAs(t, commitErr, &opFailed)
	require.True(t, opFailed.FailedPostCommit)

	// The second entry still unstaged despite the first's failure.
	content, _, deleted, _, hasLinks, gerr := store.Get(ctx, inserted)
	require.NoError(t, gerr)
	require.False(t, deleted)
	require.False(t, hasLinks)
	require.JSONEq(t, `{"n":9}`, string(content))
}

// TestStagedMutationQueueRollbackEntersOvertimeThenShortCircuitsNoRollback
// drives the original source's overtime short-circuit: an EXPIRY on the
// first rollback step enters overtime and retries; a second failure (of any
// class) while already in overtime fails the attempt immediately with
// Rollback=false ("no_rollback"), regardless of that second error's class.
func TestStagedMutationQueueRollbackEntersOvertimeThenShortCircuitsNoRollback(t *testing.T) {
	var store = newMemStore()
	var ctx = context.Background()
	var rt = newFakeRuntime(store)

	var insID = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "ins-overtime"}
	var insCas, err = store.StageInsert(ctx, insID, jsonRaw(`{"n":1}`), TransactionLinks{}, false, 0)
	require.NoError(t, err)

	store.queueFailure("RemoveStagedInsert", &StoreError{Code: StoreErrExpiry})
	store.queueFailure("RemoveStagedInsert", &StoreError{Code: StoreErrCasMismatch})

	var q = &StagedMutationQueue{}
	q.Add(&stagedMutation{id: insID, kind: MutationInsert, content: jsonRaw(`{"n":1}`), cas: insCas})

	var rollbackErr = q.Rollback(ctx, rt)
	require.Error(t, rollbackErr)
	require.True(t, rt.inOvertime())

	var opFailed *TransactionOperationFailedError
	require.ErrorAs(t, rollbackErr, &opFailed)
	require.Equal(t, ClassCasMismatch, opFailed.Class)
	require.False(t, opFailed.Rollback, "a second expiry-overtime failure must not ask the caller to roll back again")
	require.True(t, opFailed.Expired)
}
