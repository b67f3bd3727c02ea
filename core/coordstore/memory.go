package coordstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryKey struct {
	sid string
	txn int64
}

// MemoryStore keeps coordinator documents in process memory. It loses state
// on restart and exists for single-node deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[memoryKey]*Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[memoryKey]*Document)}
}

// PutParticipants implements Store.
func (s *MemoryStore) PutParticipants(ctx context.Context, sid string, txn int64, participants []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{sid: sid, txn: txn}
	now := time.Now()
	if doc, ok := s.docs[key]; ok {
		doc.Participants = JoinParticipants(participants)
		doc.UpdatedAt = now
		return nil
	}
	s.docs[key] = &Document{
		SessionID:    sid,
		TxnNumber:    txn,
		Participants: JoinParticipants(participants),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

// RecordDecision implements Store.
func (s *MemoryStore) RecordDecision(ctx context.Context, sid string, txn int64, decision string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[memoryKey{sid: sid, txn: txn}]; ok {
		doc.Decision = decision
		doc.UpdatedAt = time.Now()
	}
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, sid string, txn int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, memoryKey{sid: sid, txn: txn})
	return nil
}

// ListAll implements Store.
func (s *MemoryStore) ListAll(ctx context.Context) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		copied := *doc
		docs = append(docs, &copied)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].SessionID != docs[j].SessionID {
			return docs[i].SessionID < docs[j].SessionID
		}
		return docs[i].TxnNumber < docs[j].TxnNumber
	})
	return docs, nil
}
