package txn

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/minio/highwayhash"
)

// AttemptState is the attempt's lifecycle state. It is shared by the
// in-memory AttemptContext and the persisted ATREntry.St field: monotonic
// except NOT_STARTED -> {PENDING}; PENDING -> {ABORTED, COMMITTED};
// ABORTED -> {ROLLED_BACK}; COMMITTED -> {COMPLETED}. COMPLETED and
// ROLLED_BACK are terminal.
type AttemptState int

const (
	StateNotStarted AttemptState = iota
	StatePending
	StateAborted
	StateCommitted
	StateCompleted
	StateRolledBack
)

func (s AttemptState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAborted:
		return "ABORTED"
	case StateCommitted:
		return "COMMITTED"
	case StateCompleted:
		return "COMPLETED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "NOT_STARTED"
	}
}

// ParseAttemptState decodes a persisted ATR state string.
func ParseAttemptState(s string) AttemptState {
	switch s {
	case "PENDING":
		return StatePending
	case "ABORTED":
		return StateAborted
	case "COMMITTED":
		return StateCommitted
	case "COMPLETED":
		return StateCompleted
	case "ROLLED_BACK":
		return StateRolledBack
	default:
		return StateNotStarted
	}
}

// Terminal reports whether s is a terminal attempt state.
func (s AttemptState) Terminal() bool {
	return s == StateCompleted || s == StateRolledBack
}

// CanTransitionTo reports whether the monotonic state machine allows
// s -> next.
func (s AttemptState) CanTransitionTo(next AttemptState) bool {
	switch s {
	case StateNotStarted:
		return next == StatePending
	case StatePending:
		return next == StateAborted || next == StateCommitted
	case StateAborted:
		return next == StateRolledBack
	case StateCommitted:
		return next == StateCompleted
	default:
		return false
	}
}

// ATREntry is the on-disk shape of a single attempt within an ATR document,
// keyed under attempts.<attempt_id>'s fixed field literals.
type ATREntry struct {
	State AttemptState

	StartTimestampMs       int64
	CommitStartTimestampMs int64
	CompleteTimestampMs    int64
	RollbackStartTimestampMs int64
	RolledBackTimestampMs    int64

	ExpiryMs int64

	Inserted []DocRecord
	Replaced []DocRecord
	Removed  []DocRecord

	ForwardCompat ForwardCompat
	Durability    DurabilityLevel

	// ProcessID is carried for forward schema-compatibility with the
	// out-of-scope lost-attempt cleanup sweeper (original source's "p"
	// field); this layer never interprets it.
	ProcessID string
}

// atrEntryWire is the literal on-disk field shape for one entry keyed under
// attempts.<attempt_id>.
type atrEntryWire struct {
	St   string      `json:"st"`
	Tst  interface{} `json:"tst,omitempty"`
	Tsc  interface{} `json:"tsc,omitempty"`
	Tsco interface{} `json:"tsco,omitempty"`
	Tsrs interface{} `json:"tsrs,omitempty"`
	Tsrc interface{} `json:"tsrc,omitempty"`
	Exp  int64       `json:"exp"`
	Ins  []DocRecord `json:"ins"`
	Rep  []DocRecord `json:"rep"`
	Rem  []DocRecord `json:"rem"`
	Fc   ForwardCompat `json:"fc,omitempty"`
	D    string      `json:"d"`
	P    string      `json:"p,omitempty"`
}

// MarshalJSON encodes the entry using the exact field-key literals the wire
// format requires. Timestamps are millisecond epoch integers; callers that
// wrote them via a CAS macro instead resolve the macro before calling this.
func (e ATREntry) MarshalJSON() ([]byte, error) {
	var w = atrEntryWire{
		St:   e.State.String(),
		Exp:  e.ExpiryMs,
		Ins:  nonNil(e.Inserted),
		Rep:  nonNil(e.Replaced),
		Rem:  nonNil(e.Removed),
		Fc:   e.ForwardCompat,
		D:    e.Durability.String(),
		P:    e.ProcessID,
	}
	if e.StartTimestampMs != 0 {
		w.Tst = e.StartTimestampMs
	}
	if e.CommitStartTimestampMs != 0 {
		w.Tsc = e.CommitStartTimestampMs
	}
	if e.CompleteTimestampMs != 0 {
		w.Tsco = e.CompleteTimestampMs
	}
	if e.RollbackStartTimestampMs != 0 {
		w.Tsrs = e.RollbackStartTimestampMs
	}
	if e.RolledBackTimestampMs != 0 {
		w.Tsrc = e.RolledBackTimestampMs
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the persisted entry shape, including ms timestamps
// already resolved from their CAS macros.
func (e *ATREntry) UnmarshalJSON(data []byte) error {
	var w atrEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = ATREntry{
		State:         ParseAttemptState(w.St),
		ExpiryMs:      w.Exp,
		Inserted:      w.Ins,
		Replaced:      w.Rep,
		Removed:       w.Rem,
		ForwardCompat: w.Fc,
		Durability:    ParseDurabilityLevel(w.D),
		ProcessID:     w.P,
	}
	e.StartTimestampMs = toMs(w.Tst)
	e.CommitStartTimestampMs = toMs(w.Tsc)
	e.CompleteTimestampMs = toMs(w.Tsco)
	e.RollbackStartTimestampMs = toMs(w.Tsrs)
	e.RolledBackTimestampMs = toMs(w.Tsrc)
	return nil
}

func toMs(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

func nonNil(r []DocRecord) []DocRecord {
	if r == nil {
		return []DocRecord{}
	}
	return r
}

// ATRRecord is a full ATR document: a JSON map from attempt id to entry,
// stored under a reserved extended-attribute path.
type ATRRecord map[string]ATREntry

// atrKeyHashKey is a fixed, arbitrary 32-byte HighwayHash key. It need not
// be secret (this is a partitioning hash, not an authentication tag) but
// must be stable across processes so that every attempt picks ATR keys the
// same way a concurrent attempt on the same document would.
var atrKeyHashKey = [32]byte{
	0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78,
	0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0,
	0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10,
}

// NumATRKeys is the fixed, vbucket-derived size of the ATR key set an
// attempt hashes its first mutated document onto.
const NumATRKeys = 1024

// MaxAttemptsPerAtr bounds how many attempt entries a single ATR document
// may hold before a Store reports FAIL_ATR_FULL, forcing the caller to
// retry against a different ATR key.
const MaxAttemptsPerAtr = 20

// PickAtrKey deterministically hashes a document key onto one of the fixed
// NumATRKeys ATR keys, the same way a logical partition is derived from a
// document key for journal mapping.
func PickAtrKey(docKey string) string {
	var sum = highwayhash.Sum64([]byte(docKey), atrKeyHashKey[:])
	var idx = sum % uint64(NumATRKeys)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], idx)
	return "_txn:atr:" + hexEncode(buf[:])
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	var out = make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// ExpiryMsFromNow computes the expiry budget field value for a freshly
// started attempt.
func ExpiryMsFromNow(expiration time.Duration) int64 {
	return expiration.Milliseconds()
}

// HasExpired reports whether, given atrNowMs (the store's "now", as
// returned by Store.Now) and the entry's recorded start timestamp and
// expiry budget, the attempt should be treated as expired. A small safety
// margin absorbs clock/IO skew between the expiry check and the action it
// guards.
func HasExpired(atrNowMs, startMs, expiryMs, safetyMarginMs int64) bool {
	return (atrNowMs - startMs) > (expiryMs + safetyMarginMs)
}
