package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// expirySafetyMarginMs absorbs clock/IO skew between an expiry check and
// the action it guards.
const expirySafetyMarginMs = 50

// AttemptContext drives a single transaction attempt through its state
// machine: NOT_STARTED -> PENDING -> {COMMITTED -> COMPLETED} |
// {ABORTED -> ROLLED_BACK}. It is created fresh per try by
// TransactionContext.Run, and must not be reused across attempts.
//
// Grounded on the original source's attempt_context_impl.hxx for operation
// sequencing, and go/runtime/split_workflow.go for the
// log.WithFields(...).Info(...) idiom and closure-guarded critical sections.
type AttemptContext struct {
	txnID     string
	attemptID string
	startedAt time.Time
	cfg       PerTransactionConfig
	st        Store
	atrCollection DocID // caller-chosen ATR collection coordinates (bucket/scope/collection only)

	atrMu    sync.Mutex
	atrKey   *DocID
	atrState AttemptState

	queue *StagedMutationQueue
	ops   *opsList

	mu         sync.Mutex
	firstError *TransactionOperationFailedError
	done       bool
	overtime   bool
	overtimeRetries int

	foreignAtrCache *lru.Cache[string, foreignAtrDecision]

	// metricsCollector, if set by the owning TransactionContext, receives
	// backoff-delay observations from every retry loop this attempt drives.
	metricsCollector *Metrics

	// hooks lets tests inject faults at named sequencing points, mirroring
	// the original source's internal test-hook table. Absent in production
	// use.
	hooks map[string]func() error
}

type foreignAtrDecision struct {
	proceed bool // true: ignore or treat-as-rolled-back; false: must still wait
}

// NewAttemptContext constructs a fresh attempt. atrCollection names the
// bucket/scope/collection an ATR key will be chosen within once the first
// mutating operation runs.
func NewAttemptContext(txnID string, cfg PerTransactionConfig, st Store, atrCollection DocID) *AttemptContext {
	var cache, _ = lru.New[string, foreignAtrDecision](256)
	return &AttemptContext{
		txnID:         txnID,
		attemptID:     NewUUID(),
		startedAt:     time.Now(),
		cfg:           cfg,
		st:            st,
		atrCollection: atrCollection,
		atrState:      StateNotStarted,
		queue:         &StagedMutationQueue{},
		ops:           newOpsList(),
		foreignAtrCache: cache,
	}
}

// AttemptID returns this attempt's id.
func (a *AttemptContext) AttemptID() string { return a.attemptID }

// --- mutationRuntime interface, consumed by stagedqueue.go ---

func (a *AttemptContext) store() Store                   { return a.st }
func (a *AttemptContext) config() PerTransactionConfig   { return a.cfg }
func (a *AttemptContext) deadline() time.Time            { return a.startedAt.Add(a.cfg.ExpirationTime) }
func (a *AttemptContext) metrics() *Metrics              { return a.metricsCollector }

// newBackoff returns an exponential-backoff controller bounded by this
// attempt's deadline and wired to observe delays into metricsCollector.
func (a *AttemptContext) newBackoff() *RetryOpExponentialBackoff {
	var b = NewRetryOpExponentialBackoff(a.deadline())
	b.Metrics = a.metricsCollector
	return b
}
func (a *AttemptContext) inOvertime() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overtime
}
func (a *AttemptContext) enterOvertime() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.overtime {
		log.WithFields(log.Fields{"attempt": a.attemptID}).Warn("entering expiry overtime")
	}
	a.overtime = true
}

func (a *AttemptContext) atrID() DocID {
	a.atrMu.Lock()
	defer a.atrMu.Unlock()
	if a.atrKey == nil {
		return DocID{}
	}
	return *a.atrKey
}

// --- error-state bookkeeping ---

func (a *AttemptContext) recordFirstError(err *TransactionOperationFailedError) *TransactionOperationFailedError {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstError == nil {
		a.firstError = err
	}
	return a.firstError
}

func (a *AttemptContext) priorFailure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstError != nil {
		return errAlreadyFailed
	}
	return nil
}

func (a *AttemptContext) markDone() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
}

// IsDone reports whether commit or rollback has already run to completion.
func (a *AttemptContext) IsDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// --- expiry ---

func (a *AttemptContext) checkExpiry(ctx context.Context) error {
	if a.inOvertime() {
		return nil
	}
	var nowMs, err = a.st.Now(ctx, a.atrCollection)
	if err != nil {
		// Can't consult server time; don't block progress on it.
		return nil
	}
	if HasExpired(nowMs, a.startedAt.UnixMilli(), a.cfg.ExpirationTime.Milliseconds(), expirySafetyMarginMs) {
		return newOpFailed(ClassExpiry, false, true, true, false, fmt.Errorf("attempt expiration_time exceeded"))
	}
	return nil
}

// --- ATR selection ---

// ensureAtr lazily selects this attempt's ATR key (serialized, at most once
// per attempt) and writes its PENDING entry. firstDocKey is the key of the
// first document the attempt mutates; it determines which of the fixed ATR
// keys is chosen. On ATR_FULL, a different key is tried until the deadline.
func (a *AttemptContext) ensureAtr(ctx context.Context, firstDocKey string) error {
	a.atrMu.Lock()
	defer a.atrMu.Unlock()

	if a.atrKey != nil {
		return nil
	}

	var backoff = a.newBackoff()
	var key = PickAtrKey(firstDocKey)
	for {
		var atr = DocID{Bucket: a.atrCollection.Bucket, Scope: a.atrCollection.Scope, Collection: a.atrCollection.Collection, Key: key}
		var err = a.st.UpsertAtrPending(ctx, atr, a.attemptID, ExpiryMsFromNow(a.cfg.ExpirationTime), a.cfg.DurabilityLevel)
		if err == nil {
			a.atrKey = &atr
			a.atrState = StatePending
			log.WithFields(log.Fields{"attempt": a.attemptID, "atr": atr.String()}).Info("selected ATR, entry PENDING")
			return nil
		}
		var class = ClassifyError(err)
		if class != ClassAtrFull {
			return newOpFailed(class, false, true, class == ClassExpiry, false, err)
		}
		key = PickAtrKey(key) // re-hash to a different key
		if serr := backoff.Sleep(ctx); serr != nil {
			return newOpFailed(ClassAtrFull, false, true, false, false, err)
		}
	}
}

// --- read path ---

// Get fetches a document, preferring the staged-mutation queue so reads
// within the attempt observe the attempt's own prior writes before
// consulting the store.
func (a *AttemptContext) Get(ctx context.Context, id DocID) (TransactionGetResult, error) {
	if err := a.priorFailure(); err != nil {
		return TransactionGetResult{}, err
	}
	a.ops.BeginOp()
	defer a.ops.EndOp()

	if err := a.checkExpiry(ctx); err != nil {
		return TransactionGetResult{}, a.fail(err.(*TransactionOperationFailedError))
	}

	if m, ok := a.queue.FindAny(id); ok {
		if m.kind == MutationRemove {
			return TransactionGetResult{}, a.fail(newOpFailed(ClassDocNotFound, false, false, false, false, fmt.Errorf("document staged for removal")))
		}
		return TransactionGetResult{ID: id, Content: m.content, Cas: m.cas}, nil
	}

	content, cas, deleted, links, hasLinks, err := a.st.Get(ctx, id)
	if err != nil {
		return TransactionGetResult{}, a.fail(newOpFailed(ClassifyError(err), true, false, false, false, err))
	}
	if deleted && !(hasLinks && links.IsTombstone) {
		return TransactionGetResult{}, a.fail(newOpFailed(ClassDocNotFound, false, false, false, false, fmt.Errorf("document not found")))
	}

	if hasLinks && links.AttemptID != "" && links.AttemptID != a.attemptID {
		if _, rerr := a.checkAndHandleBlockingTransactions(ctx, links); rerr != nil {
			return TransactionGetResult{}, a.fail(rerr)
		}
	}

	if hasLinks && links.OpType == MutationRemove && links.AttemptID != a.attemptID {
		return TransactionGetResult{}, a.fail(newOpFailed(ClassDocNotFound, false, false, false, false, fmt.Errorf("document staged for removal by another attempt")))
	}

	return TransactionGetResult{ID: id, Content: content, Cas: cas, Links: links}, nil
}

// GetOptional is Get, except a not-found live document is returned as
// absent (ok=false) instead of an error.
func (a *AttemptContext) GetOptional(ctx context.Context, id DocID) (TransactionGetResult, bool, error) {
	res, err := a.Get(ctx, id)
	if err == nil {
		return res, true, nil
	}
	if tofe, ok := err.(*TransactionOperationFailedError); ok && tofe.Class == ClassDocNotFound {
		// Absence is an answer here, not a failure: clear the attempt-wide
		// error Get recorded for it so later operations still run.
		a.mu.Lock()
		if a.firstError == tofe {
			a.firstError = nil
		}
		a.mu.Unlock()
		return TransactionGetResult{}, false, nil
	}
	return TransactionGetResult{}, false, err
}

// checkAndHandleBlockingTransactions resolves a foreign attempt's ATR
// reference found in a document's links. It returns
// proceed=true when the current attempt may continue as if no staged
// content existed (entry missing, or present-and-expired); it blocks with
// backoff (bounded by the attempt deadline) while the foreign attempt is
// live and not expired, returning an error only once that wait itself times
// out.
func (a *AttemptContext) checkAndHandleBlockingTransactions(ctx context.Context, foreign TransactionLinks) (bool, *TransactionOperationFailedError) {
	var cacheKey = foreign.AtrID.String() + "/" + foreign.AttemptID
	if d, ok := a.foreignAtrCache.Get(cacheKey); ok {
		return d.proceed, nil
	}

	var backoff = NewRetryOpConstantDelay()
	var deadline = a.deadline()

	for {
		entry, ok, err := a.st.GetAtrEntry(ctx, foreign.AtrID, foreign.AttemptID)
		if err != nil {
			return false, newOpFailed(ClassifyError(err), true, false, false, false, err)
		}
		if !ok {
			a.foreignAtrCache.Add(cacheKey, foreignAtrDecision{proceed: true})
			return true, nil
		}

		var nowMs, _ = a.st.Now(ctx, foreign.AtrID)
		var expired = HasExpired(nowMs, entry.StartTimestampMs, entry.ExpiryMs, expirySafetyMarginMs)
		if expired || entry.State.Terminal() {
			a.foreignAtrCache.Add(cacheKey, foreignAtrDecision{proceed: true})
			return true, nil
		}

		if foreign.ForwardCompat.RequiresSupport(supportedForwardCompatBehaviors) {
			if a.cfg.ForeignBlockPolicy == ForeignBlockAbortOnInsufficientBudget && !time.Now().Before(deadline) {
				return false, newOpFailed(ClassExpiry, false, true, true, false, fmt.Errorf("foreign forward-compat directive requires unsupported wait"))
			}
		}

		if !time.Now().Before(deadline) {
			return false, newOpFailed(ClassExpiry, false, true, true, false, fmt.Errorf("timed out waiting for blocking transaction %s", foreign.AttemptID))
		}
		if serr := backoff.Sleep(ctx); serr != nil {
			return false, newOpFailed(ClassExpiry, false, true, true, false, serr)
		}
	}
}

// supportedForwardCompatBehaviors is empty: this implementation recognizes
// no forward-compat behaviors yet, so RequiresSupport conservatively treats
// every named behavior as unsupported (wait, or abort per policy).
var supportedForwardCompatBehaviors = map[string]bool{}

// --- write path ---

func (a *AttemptContext) fail(err *TransactionOperationFailedError) error {
	return a.recordFirstError(err)
}

// Insert stages an INSERT: a tombstone with staged content in the reserved
// extended-attribute subtree.
func (a *AttemptContext) Insert(ctx context.Context, id DocID, content json.RawMessage) (TransactionGetResult, error) {
	if err := a.priorFailure(); err != nil {
		return TransactionGetResult{}, err
	}
	a.ops.BeginOp()
	defer a.ops.EndOp()

	if err := a.checkExpiry(ctx); err != nil {
		return TransactionGetResult{}, a.fail(err.(*TransactionOperationFailedError))
	}
	if err := a.ensureAtr(ctx, id.Key); err != nil {
		return TransactionGetResult{}, a.fail(err.(*TransactionOperationFailedError))
	}

	var links = TransactionLinks{
		AtrID: a.atrID(), TxnID: a.txnID, AttemptID: a.attemptID,
		StagedContent: content, OpType: MutationInsert, IsTombstone: true,
	}

	var backoff = a.newBackoff()
	var resurrect bool
	var observedCas uint64

	for {
		cas, err := a.st.StageInsert(ctx, id, content, links, resurrect, observedCas)
		if err == nil {
			a.queue.Add(&stagedMutation{id: id, kind: MutationInsert, content: content, cas: cas})
			return TransactionGetResult{ID: id, Content: content, Cas: cas, Links: links}, nil
		}

		var class = ClassifyError(err)
		switch class {
		case ClassCasMismatch:
			// Resurrection race on a foreign tombstone: refetch and retry
			// with the observed CAS until the overall deadline.
			_, cas, _, _, _, gerr := a.st.Get(ctx, id)
			if gerr == nil {
				observedCas, resurrect = cas, true
			}
		case ClassDocAlreadyExists:
			_, _, deleted, flinks, hasLinks, gerr := a.st.Get(ctx, id)
			if gerr != nil {
				return TransactionGetResult{}, a.fail(newOpFailed(ClassifyError(gerr), true, true, false, false, gerr))
			}
			if !deleted || !(hasLinks && flinks.IsTombstone) {
				return TransactionGetResult{}, a.fail(newOpFailed(ClassDocAlreadyExists, false, true, false, false, err))
			}
			// A foreign tombstone: wait until its owner is gone, finished or
			// expired, then retry resurrecting over it. No separate cleanup
			// of the foreign attempt is run.
			if proceed, rerr := a.checkAndHandleBlockingTransactions(ctx, flinks); rerr != nil {
				return TransactionGetResult{}, a.fail(rerr)
			} else if proceed {
				resurrect = true
			}
		default:
			return TransactionGetResult{}, a.fail(newOpFailed(class, false, true, class == ClassExpiry, false, err))
		}

		if serr := backoff.Sleep(ctx); serr != nil {
			return TransactionGetResult{}, a.fail(newOpFailed(ClassExpiry, false, true, true, false, err))
		}
	}
}

// Replace stages a REPLACE over a previously-Get document.
func (a *AttemptContext) Replace(ctx context.Context, doc TransactionGetResult, content json.RawMessage) (TransactionGetResult, error) {
	if err := a.priorFailure(); err != nil {
		return TransactionGetResult{}, err
	}
	a.ops.BeginOp()
	defer a.ops.EndOp()

	if err := a.checkExpiry(ctx); err != nil {
		return TransactionGetResult{}, a.fail(err.(*TransactionOperationFailedError))
	}
	if err := a.ensureAtr(ctx, doc.ID.Key); err != nil {
		return TransactionGetResult{}, a.fail(err.(*TransactionOperationFailedError))
	}

	var restore = DocMetadata{CAS: doc.Cas}
	var links = TransactionLinks{
		AtrID: a.atrID(), TxnID: a.txnID, AttemptID: a.attemptID,
		StagedContent: content, OpType: MutationReplace, Restore: restore,
	}

	newCas, err := a.st.StageReplace(ctx, doc.ID, content, links, doc.Cas, a.cfg.DurabilityLevel)
	if err != nil {
		return TransactionGetResult{}, a.fail(newOpFailed(ClassifyError(err), false, true, ClassifyError(err) == ClassExpiry, false, err))
	}
	a.queue.Add(&stagedMutation{id: doc.ID, kind: MutationReplace, content: content, cas: newCas, restore: restore})
	return TransactionGetResult{ID: doc.ID, Content: content, Cas: newCas, Links: links}, nil
}

// Remove stages a REMOVE over a previously-Get document.
func (a *AttemptContext) Remove(ctx context.Context, doc TransactionGetResult) error {
	if err := a.priorFailure(); err != nil {
		return err
	}
	a.ops.BeginOp()
	defer a.ops.EndOp()

	if err := a.checkExpiry(ctx); err != nil {
		return a.fail(err.(*TransactionOperationFailedError))
	}
	if err := a.ensureAtr(ctx, doc.ID.Key); err != nil {
		return a.fail(err.(*TransactionOperationFailedError))
	}

	var restore = DocMetadata{CAS: doc.Cas}
	var links = TransactionLinks{
		AtrID: a.atrID(), TxnID: a.txnID, AttemptID: a.attemptID,
		OpType: MutationRemove, Restore: restore,
	}

	newCas, err := a.st.StageRemove(ctx, doc.ID, links, doc.Cas, a.cfg.DurabilityLevel)
	if err != nil {
		return a.fail(newOpFailed(ClassifyError(err), false, true, ClassifyError(err) == ClassExpiry, false, err))
	}
	a.queue.Add(&stagedMutation{id: doc.ID, kind: MutationRemove, cas: newCas, restore: restore})
	return nil
}

// Query issues a statement, pinning the attempt to a single query node on
// first use.
func (a *AttemptContext) Query(ctx context.Context, statement string, bindNode func(ctx context.Context) (string, error), runOnNode func(ctx context.Context, node string) ([]json.RawMessage, error)) ([]json.RawMessage, error) {
	if err := a.priorFailure(); err != nil {
		return nil, err
	}
	a.ops.BeginOp()
	defer a.ops.EndOp()

	switch a.ops.EnterQueryMode() {
	case roleBeginWork:
		node, err := bindNode(ctx)
		if err != nil {
			return nil, a.fail(newOpFailed(ClassOther, true, true, false, false, err))
		}
		a.ops.BindQueryNode(node)
		return runOnNode(ctx, node)
	default: // roleDoWork
		node, _ := a.ops.QueryNode()
		return runOnNode(ctx, node)
	}
}

// --- commit / rollback ---

// Commit transitions the ATR entry to COMMITTED (with AMBIGUOUS-aware
// resolution), unstages every queued mutation in insertion order, then
// transitions the ATR to COMPLETED. A per-mutation failure after the
// commit point marks the transaction failed_post_commit but still attempts
// to finish the remaining unstages.
func (a *AttemptContext) Commit(ctx context.Context) error {
	defer a.markDone()

	if a.atrKey == nil {
		// Nothing was ever staged; nothing to commit.
		return nil
	}

	if err := a.transitionAtr(ctx, StateCommitted, func(e *ATREntry) { a.queue.ExtractTo(e) }); err != nil {
		return err
	}

	var commitErr = a.queue.Commit(ctx, a)
	var failedPostCommit bool
	if commitErr != nil {
		if tofe, ok := commitErr.(*TransactionOperationFailedError); ok && tofe.FailedPostCommit {
			failedPostCommit = true
		}
	}

	if err := a.transitionAtr(ctx, StateCompleted, nil); err != nil && !failedPostCommit {
		return err
	}

	if failedPostCommit {
		return commitErr
	}
	return nil
}

// Rollback transitions the ATR to ABORTED, undoes every queued mutation,
// then transitions the ATR to ROLLED_BACK. A no-op if the ATR was never
// started.
func (a *AttemptContext) Rollback(ctx context.Context) error {
	defer a.markDone()

	if a.atrKey == nil || a.atrState == StateNotStarted {
		return nil
	}

	if err := a.transitionAtr(ctx, StateAborted, func(e *ATREntry) { a.queue.ExtractTo(e) }); err != nil {
		return err
	}
	if err := a.queue.Rollback(ctx, a); err != nil {
		return err
	}
	return a.transitionAtr(ctx, StateRolledBack, nil)
}

// transitionAtr writes the next ATR state with AMBIGUOUS-aware retry: on
// AMBIGUOUS, it reads the entry back; if the state already reflects next,
// the write is treated as having succeeded, otherwise the write is retried.
// Exhausting retries at the commit-point (next==StateCommitted) returns a
// *TransactionFailedError whose Type is FailureTypeCommitAmbiguous.
func (a *AttemptContext) transitionAtr(ctx context.Context, next AttemptState, decorate func(*ATREntry)) error {
	var backoff = a.newBackoff()
	var atr = a.atrID()

	for {
		var entry = ATREntry{
			State:      next,
			ExpiryMs:   ExpiryMsFromNow(a.cfg.ExpirationTime),
			Durability: a.cfg.DurabilityLevel,
		}
		switch next {
		case StateCommitted:
			entry.CommitStartTimestampMs = time.Now().UnixMilli()
		case StateCompleted:
			entry.CompleteTimestampMs = time.Now().UnixMilli()
		case StateAborted:
			// no extra timestamp beyond expiry recompute
		case StateRolledBack:
			entry.RolledBackTimestampMs = time.Now().UnixMilli()
		}
		if decorate != nil {
			decorate(&entry)
		}

		var err = a.st.UpdateAtrEntry(ctx, atr, a.attemptID, entry)
		if err == nil {
			a.atrState = next
			log.WithFields(log.Fields{"attempt": a.attemptID, "state": next}).Info("ATR transitioned")
			return nil
		}

		var class = ClassifyError(err)
		if class == ClassAmbiguous {
			readBack, ok, rerr := a.st.GetAtrEntry(ctx, atr, a.attemptID)
			if rerr == nil && ok && readBack.State == next {
				a.atrState = next
				return nil
			}
			if serr := backoff.Sleep(ctx); serr != nil {
				if next == StateCommitted {
					return &TransactionFailedError{Type: FailureTypeCommitAmbiguous, Message: "commit-point ATR write remained ambiguous"}
				}
				return newOpFailed(ClassAmbiguous, false, false, false, false, err)
			}
			continue
		}

		return newOpFailed(class, false, next != StateCompleted && next != StateRolledBack, class == ClassExpiry, false, err)
	}
}
