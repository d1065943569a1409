package txn

import (
	"time"

	"github.com/google/uuid"
)

// NewUUID returns a 36-character lowercase hex UUID with dashes at
// positions 8/13/18/23, generated from a cryptographically-seeded source.
// Transaction ids and attempt ids are both drawn from this function.
func NewUUID() string {
	return uuid.New().String()
}

// DurabilityLevel is the durability every mutation of an attempt must
// satisfy before the store acknowledges it.
type DurabilityLevel int

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersistToActive
	DurabilityPersistToMajority
)

// String encodes the durability level using the fixed, bit-exact persistence
// tokens the wire format expects.
func (d DurabilityLevel) String() string {
	switch d {
	case DurabilityNone:
		return "n"
	case DurabilityMajority:
		return "m"
	case DurabilityMajorityAndPersistToActive:
		return "pa"
	case DurabilityPersistToMajority:
		return "pm"
	default:
		return "m"
	}
}

// ParseDurabilityLevel decodes a persisted durability token. An unknown code
// decodes to DurabilityMajority and logs a warning so the fallback is at
// least observable instead of failing silently.
func ParseDurabilityLevel(code string) DurabilityLevel {
	switch code {
	case "n":
		return DurabilityNone
	case "m":
		return DurabilityMajority
	case "pa":
		return DurabilityMajorityAndPersistToActive
	case "pm":
		return DurabilityPersistToMajority
	default:
		logUnknownDurability(code)
		return DurabilityMajority
	}
}

// ScanConsistency controls query-mode statement consistency.
type ScanConsistency int

const (
	ScanConsistencyNotBounded ScanConsistency = iota
	ScanConsistencyRequestPlus
)

// ForeignBlockPolicy governs how an attempt reacts when a foreign attempt's
// forward-compat directives demand a wait longer than the current budget.
//
type ForeignBlockPolicy int

const (
	// ForeignBlockAbortOnInsufficientBudget aborts with FailureType_EXPIRY,
	// matching the original Couchbase transactions client. The default.
	ForeignBlockAbortOnInsufficientBudget ForeignBlockPolicy = iota
	// ForeignBlockWaitAnyway is an opt-in alternative to the default. The
	// blocking-transaction wait still ends at the attempt deadline under
	// it, so its outcome is the same as the default's.
	ForeignBlockWaitAnyway
)

// PerTransactionConfig is the resolved, immutable configuration for one
// transaction (and every attempt within it). It is produced once by merging
// PerTransactionOptions field-by-field over DefaultConfig.
type PerTransactionConfig struct {
	DurabilityLevel     DurabilityLevel
	ScanConsistency     ScanConsistency
	KvTimeout           time.Duration
	ExpirationTime      time.Duration
	CleanupClientAttempts bool
	CleanupLostAttempts   bool
	CleanupWindow         time.Duration
	ForeignBlockPolicy    ForeignBlockPolicy
}

// DefaultConfig returns the baseline configuration every PerTransactionOptions
// override is merged over.
func DefaultConfig() PerTransactionConfig {
	return PerTransactionConfig{
		DurabilityLevel:       DurabilityMajority,
		ScanConsistency:       ScanConsistencyNotBounded,
		KvTimeout:             2500 * time.Millisecond,
		ExpirationTime:        15 * time.Second,
		CleanupClientAttempts: true,
		CleanupLostAttempts:   true,
		CleanupWindow:         60 * time.Second,
		ForeignBlockPolicy:    ForeignBlockAbortOnInsufficientBudget,
	}
}

// PerTransactionOptions carries explicit overrides for one transaction.
// A nil field (pointer) means "inherit the default"; Merge applies a
// field-by-field override, never wholesale replacement.
type PerTransactionOptions struct {
	DurabilityLevel       *DurabilityLevel
	ScanConsistency       *ScanConsistency
	KvTimeout             *time.Duration
	ExpirationTime        *time.Duration
	CleanupClientAttempts *bool
	CleanupLostAttempts   *bool
	CleanupWindow         *time.Duration
	ForeignBlockPolicy    *ForeignBlockPolicy
}

// Merge resolves opts over DefaultConfig, field by field.
func (opts PerTransactionOptions) Merge() PerTransactionConfig {
	var cfg = DefaultConfig()
	if opts.DurabilityLevel != nil {
		cfg.DurabilityLevel = *opts.DurabilityLevel
	}
	if opts.ScanConsistency != nil {
		cfg.ScanConsistency = *opts.ScanConsistency
	}
	if opts.KvTimeout != nil {
		cfg.KvTimeout = *opts.KvTimeout
	}
	if opts.ExpirationTime != nil {
		cfg.ExpirationTime = *opts.ExpirationTime
	}
	if opts.CleanupClientAttempts != nil {
		cfg.CleanupClientAttempts = *opts.CleanupClientAttempts
	}
	if opts.CleanupLostAttempts != nil {
		cfg.CleanupLostAttempts = *opts.CleanupLostAttempts
	}
	if opts.CleanupWindow != nil {
		cfg.CleanupWindow = *opts.CleanupWindow
	}
	if opts.ForeignBlockPolicy != nil {
		cfg.ForeignBlockPolicy = *opts.ForeignBlockPolicy
	}
	return cfg
}

// PerCallOverrides merge with a PerTransactionConfig the same way: unset
// fields inherit the attempt's effective config.
type PerCallOverrides struct {
	DurabilityLevel *DurabilityLevel
	KvTimeout       *time.Duration
}

func (o PerCallOverrides) applyTo(cfg PerTransactionConfig) PerTransactionConfig {
	if o.DurabilityLevel != nil {
		cfg.DurabilityLevel = *o.DurabilityLevel
	}
	if o.KvTimeout != nil {
		cfg.KvTimeout = *o.KvTimeout
	}
	return cfg
}
