package txn

import (
	"context"
	"encoding/json"
	"sync"
)

// memDoc is one user document tracked by memStore.
type memDoc struct {
	content   json.RawMessage
	cas       uint64
	deleted   bool
	links     TransactionLinks
	hasLinks  bool
}

// memStore is an in-memory, single-process fake of Store, grounded the same
// way go/txnstore/etcdstore/store.go models one: a CAS-guarded map keyed by
// DocID, plus a per-ATR map of attempt entries. It exists purely to drive
// AttemptContext/TransactionContext tests without a real backing service.
type memStore struct {
	mu   sync.Mutex
	docs map[DocID]*memDoc
	atrs map[DocID]map[string]ATREntry
	now  int64

	// failNext, if non-empty for a given op, is popped (in order) before
	// performing that named operation, letting a test inject one or more
	// successive faults ahead of an eventual real call.
	failNext map[string][]error
}

func newMemStore() *memStore {
	return &memStore{
		docs:     map[DocID]*memDoc{},
		atrs:     map[DocID]map[string]ATREntry{},
		failNext: map[string][]error{},
		now:      1_000_000,
	}
}

// queueFailure appends err to the op's fault queue, consumed oldest-first.
func (s *memStore) queueFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], err)
}

func (s *memStore) takeFailure(op string) error {
	var queue = s.failNext[op]
	if len(queue) == 0 {
		return nil
	}
	s.failNext[op] = queue[1:]
	return queue[0]
}

func (s *memStore) Get(_ context.Context, id DocID) (json.RawMessage, uint64, bool, TransactionLinks, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("Get"); err != nil {
		return nil, 0, false, TransactionLinks{}, false, err
	}
	var d, ok = s.docs[id]
	if !ok {
		return nil, 0, false, TransactionLinks{}, false, &StoreError{Code: StoreErrDocNotFound}
	}
	return d.content, d.cas, d.deleted, d.links, d.hasLinks, nil
}

// Insert succeeds against an absent key or against a tombstone left by
// StageInsert, matching etcdstore.Store.Insert: at commit time the key
// already holds a deleted envelope for a fresh staged INSERT.
func (s *memStore) Insert(_ context.Context, id DocID, value json.RawMessage, _ DurabilityLevel) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("Insert"); err != nil {
		return 0, err
	}
	var d, ok = s.docs[id]
	if ok && !d.deleted {
		return 0, &StoreError{Code: StoreErrDocExists}
	}
	if !ok {
		d = &memDoc{}
		s.docs[id] = d
	}
	d.content, d.deleted, d.hasLinks, d.links = value, false, false, TransactionLinks{}
	d.cas++
	return d.cas, nil
}

func (s *memStore) Remove(_ context.Context, id DocID, cas uint64, _ DurabilityLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("Remove"); err != nil {
		return err
	}
	var d, ok = s.docs[id]
	if !ok {
		return &StoreError{Code: StoreErrDocNotFound}
	}
	if d.cas != cas {
		return &StoreError{Code: StoreErrCasMismatch}
	}
	delete(s.docs, id)
	return nil
}

func (s *memStore) StageInsert(_ context.Context, id DocID, content json.RawMessage, links TransactionLinks, resurrect bool, observedCas uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("StageInsert"); err != nil {
		return 0, err
	}
	if d, ok := s.docs[id]; ok && !resurrect {
		return 0, &StoreError{Code: StoreErrDocExists}
	} else if ok && resurrect && d.cas != observedCas {
		return 0, &StoreError{Code: StoreErrCasMismatch}
	}
	var cas = uint64(len(s.docs) + 1000)
	links.StagedContent = content
	s.docs[id] = &memDoc{deleted: true, links: links, hasLinks: true, cas: cas}
	return cas, nil
}

func (s *memStore) StageReplace(_ context.Context, id DocID, content json.RawMessage, links TransactionLinks, cas uint64, _ DurabilityLevel) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("StageReplace"); err != nil {
		return 0, err
	}
	var d, ok = s.docs[id]
	if !ok {
		return 0, &StoreError{Code: StoreErrDocNotFound}
	}
	if d.cas != cas {
		return 0, &StoreError{Code: StoreErrCasMismatch}
	}
	links.StagedContent = content
	d.links, d.hasLinks, d.cas = links, true, d.cas+1
	return d.cas, nil
}

func (s *memStore) StageRemove(_ context.Context, id DocID, links TransactionLinks, cas uint64, _ DurabilityLevel) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("StageRemove"); err != nil {
		return 0, err
	}
	var d, ok = s.docs[id]
	if !ok {
		return 0, &StoreError{Code: StoreErrDocNotFound}
	}
	if d.cas != cas {
		return 0, &StoreError{Code: StoreErrCasMismatch}
	}
	d.links, d.hasLinks, d.cas = links, true, d.cas+1
	return d.cas, nil
}

func (s *memStore) UnstageAsReplace(_ context.Context, id DocID, content json.RawMessage, cas uint64, _ DurabilityLevel) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UnstageAsReplace"); err != nil {
		return 0, err
	}
	var d, ok = s.docs[id]
	if !ok {
		d = &memDoc{}
		s.docs[id] = d
	}
	if cas != 0 && d.cas != cas {
		return 0, &StoreError{Code: StoreErrCasMismatch}
	}
	d.content, d.deleted, d.hasLinks, d.links = content, false, false, TransactionLinks{}
	d.cas++
	return d.cas, nil
}

func (s *memStore) RemoveStagedInsert(_ context.Context, id DocID, cas uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("RemoveStagedInsert"); err != nil {
		return err
	}
	var d, ok = s.docs[id]
	if !ok {
		return nil
	}
	if d.cas != cas {
		return &StoreError{Code: StoreErrCasMismatch}
	}
	delete(s.docs, id)
	return nil
}

func (s *memStore) RemoveStagedContent(_ context.Context, id DocID, cas uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("RemoveStagedContent"); err != nil {
		return err
	}
	var d, ok = s.docs[id]
	if !ok {
		return &StoreError{Code: StoreErrPathNotFound}
	}
	if d.cas != cas {
		return &StoreError{Code: StoreErrCasMismatch}
	}
	d.hasLinks, d.links = false, TransactionLinks{}
	return nil
}

func (s *memStore) UpsertAtrPending(_ context.Context, atrID DocID, attemptID string, expiryMs int64, durability DurabilityLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UpsertAtrPending"); err != nil {
		return err
	}
	var entries, ok = s.atrs[atrID]
	if !ok {
		entries = map[string]ATREntry{}
		s.atrs[atrID] = entries
	}
	if len(entries) >= MaxAttemptsPerAtr {
		return &StoreError{Code: StoreErrAtrFull}
	}
	if _, exists := entries[attemptID]; exists {
		return nil
	}
	entries[attemptID] = ATREntry{State: StatePending, StartTimestampMs: s.now, ExpiryMs: expiryMs, Durability: durability}
	return nil
}

func (s *memStore) UpdateAtrEntry(_ context.Context, atrID DocID, attemptID string, entry ATREntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UpdateAtrEntry"); err != nil {
		return err
	}
	var entries, ok = s.atrs[atrID]
	if !ok {
		return &StoreError{Code: StoreErrPathNotFound}
	}
	var existing = entries[attemptID]
	entry.StartTimestampMs = existing.StartTimestampMs
	entries[attemptID] = entry
	return nil
}

func (s *memStore) GetAtrEntry(_ context.Context, atrID DocID, attemptID string) (ATREntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetAtrEntry"); err != nil {
		return ATREntry{}, false, err
	}
	var entries, ok = s.atrs[atrID]
	if !ok {
		return ATREntry{}, false, nil
	}
	var e, exists = entries[attemptID]
	return e, exists, nil
}

func (s *memStore) Now(_ context.Context, _ DocID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now, nil
}

func (s *memStore) Query(_ context.Context, _ string, _ ScanConsistency, _ json.RawMessage) ([]json.RawMessage, error) {
	return nil, nil
}

var _ Store = (*memStore)(nil)
