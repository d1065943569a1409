// Package etcdstore is a concrete txn.Store backed by an etcd keyspace.
//
// Each document is one etcd key holding a JSON envelope: the live body plus
// a reserved "_txn" side-car carrying the staged mutation (if any) and the
// transaction links. There is no native sub-document API in etcd, so
// StageInsert/StageReplace/UnstageAsReplace etc. build the new envelope and
// CAS-write it whole. evanphx/json-patch/v5 is used only for ATR documents,
// where one attempt's entry is merge-patched the way a KV sub-document
// mutate_in would patch a single path. CAS is etcd's
// ModRevision, compared the way go/flow/catalog.go builds its catalog-apply
// transaction.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/estuary/txncoord/go/txn"
)

// envelope is the on-the-wire shape of one document's etcd value.
type envelope struct {
	Body    json.RawMessage    `json:"body,omitempty"`
	Deleted bool               `json:"deleted,omitempty"`
	Txn     *envelopeTxnXattr  `json:"_txn,omitempty"`
}

// envelopeTxnXattr is the reserved extended-attribute subtree this store
// emulates on top of a plain etcd value.
type envelopeTxnXattr struct {
	Staged json.RawMessage      `json:"stgd,omitempty"`
	Op     string               `json:"op,omitempty"`
	Links  txn.TransactionLinks `json:"lnk"`
}

// Store implements txn.Store against one etcd client, namespacing every key
// under prefix.
type Store struct {
	client *clientv3.Client
	prefix string
}

// New returns a Store rooted at prefix (e.g. "/txn/").
func New(client *clientv3.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(id txn.DocID) string {
	return s.prefix + id.Bucket + "/" + id.Scope + "/" + id.Collection + "/" + id.Key
}

func (s *Store) atrKey(id txn.DocID) string {
	return s.key(id)
}

func (s *Store) getEnvelope(ctx context.Context, key string) (env envelope, cas uint64, found bool, err error) {
	var resp, getErr = s.client.Get(ctx, key)
	if getErr != nil {
		return envelope{}, 0, false, fmt.Errorf("etcd get %s: %w", key, getErr)
	}
	if len(resp.Kvs) == 0 {
		return envelope{}, 0, false, nil
	}
	var kv = resp.Kvs[0]
	if jsonErr := json.Unmarshal(kv.Value, &env); jsonErr != nil {
		return envelope{}, 0, false, fmt.Errorf("unmarshal envelope %s: %w", key, jsonErr)
	}
	return env, uint64(kv.ModRevision), true, nil
}

// casPut writes value at key under a single-comparison etcd transaction,
// following the Compare(ModRevision)/OpPut pattern go/flow/catalog.go uses
// for its catalog-apply transaction. expectCas of 0 requires the key to be
// absent (insert semantics); skipCas=true skips the CAS check entirely
// (cas_zero_mode unstage).
func (s *Store) casPut(ctx context.Context, key string, env envelope, expectCas uint64, skipCas bool) (newCas uint64, err error) {
	var body, marshalErr = json.Marshal(env)
	if marshalErr != nil {
		return 0, fmt.Errorf("marshal envelope: %w", marshalErr)
	}

	var cmps []clientv3.Cmp
	if !skipCas {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", int64(expectCas)))
	}
	var resp, txnErr = s.client.Txn(ctx).If(cmps...).Then(clientv3.OpPut(key, string(body))).Commit()
	if txnErr != nil {
		return 0, classifyEtcdErr(txnErr)
	}
	if !resp.Succeeded {
		return 0, &txn.StoreError{Code: txn.StoreErrCasMismatch, Cause: fmt.Errorf("cas mismatch on %s", key)}
	}
	return uint64(resp.Header.Revision), nil
}

func (s *Store) casDelete(ctx context.Context, key string, expectCas uint64) error {
	var cmps = []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", int64(expectCas))}
	var resp, err = s.client.Txn(ctx).If(cmps...).Then(clientv3.OpDelete(key)).Commit()
	if err != nil {
		return classifyEtcdErr(err)
	}
	if !resp.Succeeded {
		return &txn.StoreError{Code: txn.StoreErrCasMismatch, Cause: fmt.Errorf("cas mismatch on delete %s", key)}
	}
	return nil
}

func classifyEtcdErr(err error) error {
	if err == nil {
		return nil
	}
	return &txn.StoreError{Code: txn.StoreErrTransient, Cause: err}
}

func (s *Store) Get(ctx context.Context, id txn.DocID) (content json.RawMessage, cas uint64, isDeleted bool, links txn.TransactionLinks, hasLinks bool, err error) {
	var env, envCas, found, getErr = s.getEnvelope(ctx, s.key(id))
	if getErr != nil {
		return nil, 0, false, txn.TransactionLinks{}, false, getErr
	}
	if !found {
		return nil, 0, false, txn.TransactionLinks{}, false, &txn.StoreError{Code: txn.StoreErrDocNotFound}
	}
	if env.Txn != nil {
		return env.Body, envCas, env.Deleted, env.Txn.Links, true, nil
	}
	return env.Body, envCas, env.Deleted, txn.TransactionLinks{}, false, nil
}

// Insert succeeds either against an absent key (CAS 0) or against a
// tombstone left by StageInsert (its CAS), since this is also the
// commit-time unstage path for a fresh staged INSERT: the key already holds
// a deleted envelope by the time commit runs.
func (s *Store) Insert(ctx context.Context, id txn.DocID, value json.RawMessage, _ txn.DurabilityLevel) (cas uint64, err error) {
	var key = s.key(id)
	var existing, existingCas, found, getErr = s.getEnvelope(ctx, key)
	if getErr != nil {
		return 0, getErr
	}
	if found && !existing.Deleted {
		return 0, &txn.StoreError{Code: txn.StoreErrDocExists}
	}
	var expect uint64
	if found {
		expect = existingCas
	}
	return s.casPut(ctx, key, envelope{Body: value}, expect, false)
}

func (s *Store) Remove(ctx context.Context, id txn.DocID, cas uint64, _ txn.DurabilityLevel) error {
	return s.casDelete(ctx, s.key(id), cas)
}

func (s *Store) StageInsert(ctx context.Context, id txn.DocID, content json.RawMessage, links txn.TransactionLinks, resurrectFromTombstone bool, observedCas uint64) (cas uint64, err error) {
	var key = s.key(id)
	var expect uint64
	var skipCas bool

	if resurrectFromTombstone {
		expect = observedCas
	} else {
		var _, _, found, getErr = s.getEnvelope(ctx, key)
		if getErr != nil {
			return 0, getErr
		}
		if found {
			return 0, &txn.StoreError{Code: txn.StoreErrDocExists}
		}
		expect = 0
	}
	var env = envelope{
		Deleted: true,
		Txn: &envelopeTxnXattr{
			Staged: content,
			Op:     txn.MutationInsert.String(),
			Links:  links,
		},
	}
	return s.casPut(ctx, key, env, expect, skipCas)
}

func (s *Store) StageReplace(ctx context.Context, id txn.DocID, content json.RawMessage, links txn.TransactionLinks, cas uint64, _ txn.DurabilityLevel) (newCas uint64, err error) {
	var key = s.key(id)
	var current, _, found, getErr = s.getEnvelope(ctx, key)
	if getErr != nil {
		return 0, getErr
	}
	if !found {
		return 0, &txn.StoreError{Code: txn.StoreErrDocNotFound}
	}
	var env = envelope{
		Body: current.Body,
		Txn: &envelopeTxnXattr{
			Staged: content,
			Op:     txn.MutationReplace.String(),
			Links:  links,
		},
	}
	return s.casPut(ctx, key, env, cas, false)
}

func (s *Store) StageRemove(ctx context.Context, id txn.DocID, links txn.TransactionLinks, cas uint64, _ txn.DurabilityLevel) (newCas uint64, err error) {
	var key = s.key(id)
	var current, _, found, getErr = s.getEnvelope(ctx, key)
	if getErr != nil {
		return 0, getErr
	}
	if !found {
		return 0, &txn.StoreError{Code: txn.StoreErrDocNotFound}
	}
	var env = envelope{
		Body: current.Body,
		Txn: &envelopeTxnXattr{
			Op:    txn.MutationRemove.String(),
			Links: links,
		},
	}
	return s.casPut(ctx, key, env, cas, false)
}

func (s *Store) UnstageAsReplace(ctx context.Context, id txn.DocID, content json.RawMessage, cas uint64, _ txn.DurabilityLevel) (newCas uint64, err error) {
	var key = s.key(id)
	var skipCas = cas == 0 // cas_zero_mode: ambiguity-resolution retry skips the CAS check.
	var env = envelope{Body: content}
	return s.casPut(ctx, key, env, cas, skipCas)
}

func (s *Store) RemoveStagedInsert(ctx context.Context, id txn.DocID, cas uint64) error {
	return s.casDelete(ctx, s.key(id), cas)
}

func (s *Store) RemoveStagedContent(ctx context.Context, id txn.DocID, cas uint64) error {
	var key = s.key(id)
	var current, _, found, getErr = s.getEnvelope(ctx, key)
	if getErr != nil {
		return getErr
	}
	if !found {
		return &txn.StoreError{Code: txn.StoreErrPathNotFound}
	}
	if current.Txn == nil {
		return &txn.StoreError{Code: txn.StoreErrPathNotFound}
	}
	var env = envelope{Body: current.Body, Deleted: current.Deleted}
	var _, err = s.casPut(ctx, key, env, cas, false)
	return err
}

// atrDoc is the envelope value stored at one ATR key: a map of attempt id
// to its entry, patched one attempt at a time via JSON merge-patch the way
// evanphx/json-patch/v5 emulates a sub-document mutate_in against a single
// path.
type atrDoc struct {
	Attempts txn.ATRRecord `json:"attempts"`
}

func (s *Store) readAtrDoc(ctx context.Context, atrID txn.DocID) (doc atrDoc, cas uint64, found bool, err error) {
	var resp, getErr = s.client.Get(ctx, s.atrKey(atrID))
	if getErr != nil {
		return atrDoc{}, 0, false, fmt.Errorf("etcd get atr %s: %w", s.atrKey(atrID), getErr)
	}
	if len(resp.Kvs) == 0 {
		return atrDoc{Attempts: txn.ATRRecord{}}, 0, false, nil
	}
	var kv = resp.Kvs[0]
	if jsonErr := json.Unmarshal(kv.Value, &doc); jsonErr != nil {
		return atrDoc{}, 0, false, fmt.Errorf("unmarshal atr %s: %w", s.atrKey(atrID), jsonErr)
	}
	if doc.Attempts == nil {
		doc.Attempts = txn.ATRRecord{}
	}
	return doc, uint64(kv.ModRevision), true, nil
}

// patchAttempt applies a JSON merge-patch to just the requested attempt id
// within the ATR document, mirroring how a real KV store's mutate_in patches
// one sub-document path without disturbing sibling attempts.
func patchAttempt(doc atrDoc, attemptID string, patch json.RawMessage) (atrDoc, error) {
	var existing, marshalErr = json.Marshal(doc.Attempts[attemptID])
	if marshalErr != nil {
		return doc, marshalErr
	}
	var merged, patchErr = jsonpatch.MergePatch(existing, patch)
	if patchErr != nil {
		return doc, patchErr
	}
	var entry txn.ATREntry
	if unmarshalErr := json.Unmarshal(merged, &entry); unmarshalErr != nil {
		return doc, unmarshalErr
	}
	doc.Attempts[attemptID] = entry
	return doc, nil
}

func (s *Store) UpsertAtrPending(ctx context.Context, atrID txn.DocID, attemptID string, expiryMs int64, durability txn.DurabilityLevel) error {
	var doc, cas, found, err = s.readAtrDoc(ctx, atrID)
	if err != nil {
		return err
	}
	if len(doc.Attempts) >= txn.MaxAttemptsPerAtr {
		return &txn.StoreError{Code: txn.StoreErrAtrFull}
	}
	if _, exists := doc.Attempts[attemptID]; exists {
		return nil // already created by an earlier, ambiguous retry.
	}

	var nowMs, nowErr = s.Now(ctx, atrID)
	if nowErr != nil {
		return nowErr
	}
	doc.Attempts[attemptID] = txn.ATREntry{
		State:            txn.StatePending,
		StartTimestampMs: nowMs,
		ExpiryMs:         expiryMs,
		Durability:       durability,
	}

	var body, marshalErr = json.Marshal(doc)
	if marshalErr != nil {
		return marshalErr
	}
	var cmps []clientv3.Cmp
	if found {
		cmps = []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(s.atrKey(atrID)), "=", int64(cas))}
	} else {
		cmps = []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(s.atrKey(atrID)), "=", 0)}
	}
	var resp, txnErr = s.client.Txn(ctx).If(cmps...).Then(clientv3.OpPut(s.atrKey(atrID), string(body))).Commit()
	if txnErr != nil {
		return classifyEtcdErr(txnErr)
	}
	if !resp.Succeeded {
		// Lost the race with a concurrent attempt creation. This is
		// reported as transient; txn's ATR selection retries only
		// FAIL_ATR_FULL, so the operation that needed the ATR fails.
		return &txn.StoreError{Code: txn.StoreErrTransient, Cause: fmt.Errorf("concurrent atr update")}
	}
	return nil
}

func (s *Store) UpdateAtrEntry(ctx context.Context, atrID txn.DocID, attemptID string, entry txn.ATREntry) error {
	var doc, cas, found, err = s.readAtrDoc(ctx, atrID)
	if err != nil {
		return err
	}
	if !found {
		return &txn.StoreError{Code: txn.StoreErrPathNotFound}
	}
	if _, exists := doc.Attempts[attemptID]; !exists {
		return &txn.StoreError{Code: txn.StoreErrPathNotFound}
	}
	var patch, marshalErr = json.Marshal(entry)
	if marshalErr != nil {
		return marshalErr
	}
	var patched, patchErr = patchAttempt(doc, attemptID, patch)
	if patchErr != nil {
		return patchErr
	}

	var body, bodyErr = json.Marshal(patched)
	if bodyErr != nil {
		return bodyErr
	}
	var cmps = []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(s.atrKey(atrID)), "=", int64(cas))}
	var resp, txnErr = s.client.Txn(ctx).If(cmps...).Then(clientv3.OpPut(s.atrKey(atrID), string(body))).Commit()
	if txnErr != nil {
		return classifyEtcdErr(txnErr)
	}
	if !resp.Succeeded {
		return &txn.StoreError{Code: txn.StoreErrAmbiguous, Cause: fmt.Errorf("concurrent atr write racing attempt %s", attemptID)}
	}
	return nil
}

func (s *Store) GetAtrEntry(ctx context.Context, atrID txn.DocID, attemptID string) (entry txn.ATREntry, ok bool, err error) {
	var doc, _, found, getErr = s.readAtrDoc(ctx, atrID)
	if getErr != nil {
		return txn.ATREntry{}, false, getErr
	}
	if !found {
		return txn.ATREntry{}, false, nil
	}
	var e, exists = doc.Attempts[attemptID]
	return e, exists, nil
}

// nowClockKey is the reserved sub-key under one ATR's own keyspace that
// backs Now(): every caller CASes a candidate millisecond value into it, so
// the value any caller is ever handed back has been accepted by etcd's own
// transaction arbiter rather than simply read off the local process clock.
func (s *Store) nowClockKey(atrID txn.DocID) string {
	return s.atrKey(atrID) + "/_clock"
}

// Now derives "now" from a CAS-bearing write against the ATR's own reserved
// clock key, the way go/flow/catalog.go drives its catalog-apply CAS loop:
// etcd exposes no server-side wall-clock RPC, so a bare client read (or a
// Status() round trip) can't honestly claim to be server time. Instead this
// seeds a candidate from the local clock, but only a value etcd's
// transaction arbiter actually accepts via Compare(ModRevision) is ever
// returned, and it is always at least the previous accepted value plus 1ms,
// ensuring every observer of Now() sees a strictly monotonic, CAS-agreed
// sequence instead of an unordered mix of independent client clocks.
func (s *Store) Now(ctx context.Context, atrID txn.DocID) (nowMs int64, err error) {
	var key = s.nowClockKey(atrID)
	const maxAttempts = 8

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var getResp, getErr = s.client.Get(ctx, key)
		if getErr != nil {
			return 0, fmt.Errorf("etcd get %s: %w", key, getErr)
		}

		var stored int64
		var expectCas int64
		if len(getResp.Kvs) > 0 {
			var kv = getResp.Kvs[0]
			if jsonErr := json.Unmarshal(kv.Value, &stored); jsonErr != nil {
				return 0, fmt.Errorf("unmarshal clock %s: %w", key, jsonErr)
			}
			expectCas = kv.ModRevision
		}

		var candidate = time.Now().UnixMilli()
		if candidate <= stored {
			candidate = stored + 1
		}
		var body, marshalErr = json.Marshal(candidate)
		if marshalErr != nil {
			return 0, fmt.Errorf("marshal clock: %w", marshalErr)
		}

		var cmps = []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", expectCas)}
		var txnResp, txnErr = s.client.Txn(ctx).If(cmps...).Then(clientv3.OpPut(key, string(body))).Commit()
		if txnErr != nil {
			return 0, classifyEtcdErr(txnErr)
		}
		if txnResp.Succeeded {
			return candidate, nil
		}
		// Lost the race to a concurrent caller advancing the same clock;
		// retry against its freshly-written value.
	}
	return 0, &txn.StoreError{Code: txn.StoreErrTransient, Cause: fmt.Errorf("now(): exhausted retries racing concurrent clock writers on %s", key)}
}

func (s *Store) Query(ctx context.Context, statement string, consistency txn.ScanConsistency, txdata json.RawMessage) (rows []json.RawMessage, err error) {
	return nil, fmt.Errorf("etcdstore: query mode is not implemented by this reference store")
}
