package txn

import (
	"context"
	"encoding/json"
)

// Store is the external collaborator contract this package consumes.
// Connection/bootstrap, wire encoding, and bucket/collection discovery
// belong to the concrete implementation (see go/txnstore/etcdstore for one).
// AttemptContext and StagedMutationQueue only ever call through this
// interface.
type Store interface {
	// Get fetches a live document's body, CAS, deletion flag, and the
	// reserved extended-attribute subtree decoded as TransactionLinks
	// (hasLinks=false if the document carries no links at all).
	Get(ctx context.Context, id DocID) (content json.RawMessage, cas uint64, isDeleted bool, links TransactionLinks, hasLinks bool, err error)

	// Insert performs a whole-document insert (the normal, non-ambiguous
	// commit-time unstage path for a fresh INSERT).
	Insert(ctx context.Context, id DocID, value json.RawMessage, durability DurabilityLevel) (cas uint64, err error)

	// Remove performs a whole-document remove.
	Remove(ctx context.Context, id DocID, cas uint64, durability DurabilityLevel) error

	// StageInsert writes a tombstone carrying staged content in the
	// reserved extended-attribute subtree, via a sub-document multi-mutation
	// using insert semantics (or insert with access_deleted=true when
	// resurrecting a foreign expired tombstone). Returns the new CAS.
	StageInsert(ctx context.Context, id DocID, content json.RawMessage, links TransactionLinks, resurrectFromTombstone bool, observedCas uint64) (cas uint64, err error)

	// StageReplace writes the backup of the pre-transaction state, the
	// staged content, op=replace, and the ATR coordinates, using the
	// document's current CAS.
	StageReplace(ctx context.Context, id DocID, content json.RawMessage, links TransactionLinks, cas uint64, durability DurabilityLevel) (newCas uint64, err error)

	// StageRemove is like StageReplace but op=remove, no staged content.
	StageRemove(ctx context.Context, id DocID, links TransactionLinks, cas uint64, durability DurabilityLevel) (newCas uint64, err error)

	// UnstageAsReplace is the commit-time sub-document mutation that removes
	// the reserved extended-attribute subtree and writes the staged content
	// as the new document body in one operation, using replace store
	// semantics and the given CAS (0 in ambiguity-resolution cas_zero_mode).
	UnstageAsReplace(ctx context.Context, id DocID, content json.RawMessage, cas uint64, durability DurabilityLevel) (newCas uint64, err error)

	// RemoveStagedInsert is rollback_insert: a sub-document remove of the
	// reserved subtree with access_deleted=true and the entry's CAS.
	RemoveStagedInsert(ctx context.Context, id DocID, cas uint64) error

	// RemoveStagedContent is rollback_remove_or_replace: a sub-document
	// remove of the reserved subtree on the live document with the entry's
	// CAS.
	RemoveStagedContent(ctx context.Context, id DocID, cas uint64) error

	// UpsertAtrPending lazily creates the ATR entry for attemptID within
	// atrID in PENDING state, with the start timestamp written via the
	// store's mutation-CAS macro. Returns ClassAtrFull if the ATR document
	// is full and a different ATR key should be tried.
	UpsertAtrPending(ctx context.Context, atrID DocID, attemptID string, expiryMs int64, durability DurabilityLevel) error

	// UpdateAtrEntry writes an updated ATR entry (state transitions,
	// extracted staged-mutation lists) for attemptID within atrID. The
	// "ambiguity-aware" AMBIGUOUS-retry behavior on the commit-point and
	// rollback-point writes is driven by the caller (AttemptContext), not
	// this method.
	UpdateAtrEntry(ctx context.Context, atrID DocID, attemptID string, entry ATREntry) error

	// GetAtrEntry reads back one attempt's ATR entry, for ambiguity
	// resolution and for resolving another attempt's blocking transaction.
	// ok=false means the ATR document (or the specific attempt id within
	// it) no longer exists.
	GetAtrEntry(ctx context.Context, atrID DocID, attemptID string) (entry ATREntry, ok bool, err error)

	// Now returns the store's "now" for atrID, in milliseconds, for expiry
	// checks. How closely it tracks server time depends on the
	// implementation: etcdstore.Store seeds it from the local clock and
	// returns only values it has CAS-written to a per-ATR clock key, which
	// keeps them strictly increasing.
	Now(ctx context.Context, atrID DocID) (nowMs int64, err error)

	// Query issues a SQL-like statement in query mode, with the given
	// consistency and opaque txdata metadata header passed through
	// untouched.
	Query(ctx context.Context, statement string, consistency ScanConsistency, txdata json.RawMessage) (rows []json.RawMessage, err error)
}
