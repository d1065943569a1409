package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxAttemptsSafety is the hard backstop on attempt count, independent of
// the deadline ("a safety max-attempt count (≥1000)").
const maxAttemptsSafety = 1000

// TransactionResult is returned by Run on success.
type TransactionResult struct {
	TransactionID     string
	UnstagingComplete bool
}

// AttemptLogic is the caller-supplied block of attempt logic, given a
// per-attempt façade to issue operations through.
type AttemptLogic func(ctx context.Context, attempt *Attempt) error

// TransactionContext is the multi-attempt driver: it creates a transaction
// id, then repeatedly creates a fresh AttemptContext, runs the caller's
// logic, and finalizes (commit or rollback), retrying on a retriable
// failure and surfacing a terminal TransactionFailedError otherwise.
type TransactionContext struct {
	id        string
	startedAt time.Time
	cfg       PerTransactionConfig
	store     Store
	atrCollection DocID

	pastAttempts []*AttemptContext
	current      *AttemptContext
	metrics      *Metrics
}

// NewTransactionContext starts a new multi-attempt transaction. metrics may
// be nil, in which case no counters are observed.
func NewTransactionContext(cfg PerTransactionConfig, store Store, atrCollection DocID, metrics *Metrics) *TransactionContext {
	return &TransactionContext{
		id:        NewUUID(),
		startedAt: time.Now(),
		cfg:       cfg,
		store:     store,
		atrCollection: atrCollection,
		metrics:   metrics,
	}
}

func (t *TransactionContext) observe(c func(*Metrics)) {
	if t.metrics != nil {
		c(t.metrics)
	}
}

// ID returns the transaction id.
func (t *TransactionContext) ID() string { return t.id }

// Run drives the create-attempt/run-logic/finalize retry loop until the
// transaction commits, the caller's logic exhausts its retries, or the
// transaction's overall expiration window elapses.
func (t *TransactionContext) Run(ctx context.Context, logic AttemptLogic) (TransactionResult, error) {
	for i := 0; i < maxAttemptsSafety; i++ {
		if !time.Now().Before(t.startedAt.Add(t.cfg.ExpirationTime)) {
			return TransactionResult{}, &TransactionFailedError{
				Type: FailureTypeExpiry, Message: "transaction expiration_time exceeded before starting a new attempt",
			}
		}

		var attempt = NewAttemptContext(t.id, t.cfg, t.store, t.atrCollection)
		attempt.metricsCollector = t.metrics
		t.current = attempt
		t.pastAttempts = append(t.pastAttempts, attempt)

		log.WithFields(log.Fields{"txn": t.id, "attempt": attempt.AttemptID(), "try": i}).Info("starting attempt")
		t.observe(func(m *Metrics) { m.AttemptsStarted.Inc() })

		var logicErr = runLogicCapturingPanicsAndErrors(ctx, logic, &Attempt{tc: t, ac: attempt})

		if logicErr == nil {
			var commitErr = attempt.Commit(ctx)
			if commitErr == nil {
				t.observe(func(m *Metrics) { m.AttemptsCommitted.Inc() })
				return TransactionResult{TransactionID: t.id, UnstagingComplete: true}, nil
			}
			logicErr = commitErr
		}

		if alreadyTerminal, ok := logicErr.(*TransactionFailedError); ok {
			// transitionAtr already resolved this to a terminal outcome
			// (e.g. a commit-point ATR write that stayed ambiguous through
			// every retry); propagate it as-is rather than reclassifying.
			t.observe(func(m *Metrics) { m.AttemptsFailed.Inc() })
			return TransactionResult{}, alreadyTerminal
		}

		var tofe, isOpFailed = logicErr.(*TransactionOperationFailedError)
		if !isOpFailed {
			// Arbitrary exception from caller code: best-effort rollback,
			// surface as FAIL.
			_ = attempt.Rollback(ctx)
			t.observe(func(m *Metrics) { m.AttemptsFailed.Inc() })
			return TransactionResult{}, &TransactionFailedError{Type: FailureTypeFail, Message: logicErr.Error()}
		}

		if tofe.FailedPostCommit {
			t.observe(func(m *Metrics) { m.AttemptsFailed.Inc() })
			return TransactionResult{}, &TransactionFailedError{Type: FailureTypeFailedPostCommit, Cause: tofe, Message: "failure occurred after the commit point"}
		}

		if tofe.Rollback {
			_ = attempt.Rollback(ctx)
			t.observe(func(m *Metrics) { m.AttemptsRolledBack.Inc() })
		}

		if tofe.Expired && !tofe.Retry {
			t.observe(func(m *Metrics) { m.AttemptsFailed.Inc() })
			return TransactionResult{}, &TransactionFailedError{Type: FailureTypeExpiry, Cause: tofe, Message: "attempt expired"}
		}

		if !tofe.Retry {
			t.observe(func(m *Metrics) { m.AttemptsFailed.Inc() })
			return TransactionResult{}, &TransactionFailedError{Type: FailureTypeFail, Cause: tofe, Message: "attempt failed without retry"}
		}

		var delay = NewExpDelay(5 * time.Millisecond).Next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return TransactionResult{}, &TransactionFailedError{Type: FailureTypeFail, Cause: tofe, Message: ctx.Err().Error()}
		}
	}
	return TransactionResult{}, &TransactionFailedError{Type: FailureTypeFail, Message: "exceeded max-attempts safety backstop"}
}

func runLogicCapturingPanicsAndErrors(ctx context.Context, logic AttemptLogic, a *Attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attempt logic panicked: %v", r)
		}
	}()
	return logic(ctx, a)
}

// Attempt is the thin, per-attempt façade the attempt state machine: it
// delegates to the current AttemptContext and performs the state-machine
// check that the attempt is not already done.
type Attempt struct {
	tc *TransactionContext
	ac *AttemptContext
}

func (a *Attempt) checkNotDone() error {
	if a.ac.IsDone() {
		return fmt.Errorf("attempt already finalized")
	}
	return nil
}

func (a *Attempt) Get(ctx context.Context, id DocID) (TransactionGetResult, error) {
	if err := a.checkNotDone(); err != nil {
		return TransactionGetResult{}, err
	}
	return a.ac.Get(ctx, id)
}

func (a *Attempt) GetOptional(ctx context.Context, id DocID) (TransactionGetResult, bool, error) {
	if err := a.checkNotDone(); err != nil {
		return TransactionGetResult{}, false, err
	}
	return a.ac.GetOptional(ctx, id)
}

func (a *Attempt) Insert(ctx context.Context, id DocID, content json.RawMessage) (TransactionGetResult, error) {
	if err := a.checkNotDone(); err != nil {
		return TransactionGetResult{}, err
	}
	return a.ac.Insert(ctx, id, content)
}

func (a *Attempt) Replace(ctx context.Context, doc TransactionGetResult, content json.RawMessage) (TransactionGetResult, error) {
	if err := a.checkNotDone(); err != nil {
		return TransactionGetResult{}, err
	}
	return a.ac.Replace(ctx, doc, content)
}

func (a *Attempt) Remove(ctx context.Context, doc TransactionGetResult) error {
	if err := a.checkNotDone(); err != nil {
		return err
	}
	return a.ac.Remove(ctx, doc)
}

func (a *Attempt) Query(ctx context.Context, statement string, bindNode func(ctx context.Context) (string, error), runOnNode func(ctx context.Context, node string) ([]json.RawMessage, error)) ([]json.RawMessage, error) {
	if err := a.checkNotDone(); err != nil {
		return nil, err
	}
	return a.ac.Query(ctx, statement, bindNode, runOnNode)
}

// AttemptID returns the current attempt's id.
func (a *Attempt) AttemptID() string { return a.ac.AttemptID() }
