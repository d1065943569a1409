package txn

import "sync"

// opsList tracks, for one attempt, the lifetime of pending caller-initiated
// operations ("ops", including their callback) and currently-executing
// store calls ("in_flight"), and serializes the one-shot "into query mode"
// transition against in-flight KV operations.
//
// Grounded on the original source's waitable_op_list_t.cpp: a single mutex
// + condition variable gate a one-shot "am I the one who runs begin-work"
// decision, with every other racer blocking on the same condition until the
// node binding is published.
type opsList struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ops      int
	inFlight int

	queryMode   bool
	transitionStarted bool
	nodeBound   bool
	queryNode   string
}

func newOpsList() *opsList {
	var l = &opsList{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// BeginOp is called on entry to every caller operation; it increments both
// counters.
func (l *opsList) BeginOp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops++
	l.inFlight++
}

// EndOp is called when a caller operation (including its callback)
// completes. Every operation in this package performs its store round trip
// synchronously within the BeginOp/EndOp span, so the op and its in-flight
// store call always end together.
func (l *opsList) EndOp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops--
	l.inFlight--
	l.cond.Broadcast()
}

// role is returned by EnterQueryMode to tell the caller which callback to
// run.
type role int

const (
	roleKVMode role = iota
	roleBeginWork
	roleDoWork
)

// EnterQueryMode requests a transition into query-driven mode. Exactly one
// caller across the whole attempt is granted roleBeginWork (and must call
// BindQueryNode once it has pinned one); every other caller — whether it
// arrived before or after the winner — blocks until the node is bound, then
// proceeds as roleDoWork. A caller already in roleDoWork territory because
// the attempt is already bound returns immediately.
func (l *opsList) EnterQueryMode() role {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nodeBound {
		return roleDoWork
	}
	if !l.transitionStarted {
		l.transitionStarted = true
		// The winner must wait until it is the only in-flight KV operation
		// before running begin-work, so that no KV-mode op observes a
		// half-transitioned attempt.
		for l.inFlight > 1 {
			l.cond.Wait()
		}
		return roleBeginWork
	}
	// A caller parked here runs no store call, so it must not hold the
	// winner's wait for inFlight to drop to 1.
	l.inFlight--
	l.cond.Broadcast()
	for !l.nodeBound {
		l.cond.Wait()
	}
	l.inFlight++
	return roleDoWork
}

// BindQueryNode is called exactly once, by the roleBeginWork caller, once
// it has pinned a query node for the remainder of the attempt. It releases
// every other caller blocked in EnterQueryMode.
func (l *opsList) BindQueryNode(node string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryNode = node
	l.queryMode = true
	l.nodeBound = true
	l.cond.Broadcast()
}

// QueryNode returns the bound query node, if any.
func (l *opsList) QueryNode() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryNode, l.nodeBound
}

// InQueryMode reports whether the attempt has transitioned into query mode.
func (l *opsList) InQueryMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryMode
}
