package deposit

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[common.Hash]Record
	order   []common.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[common.Hash]Record),
	}
}

func (s *MemoryStore) Create(_ context.Context, a Attempt) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[a.AttemptID]; ok {
		if !r.Attempt.Equal(a) {
			return Record{}, false, ErrAttemptMismatch
		}
		return copyRecord(r), false, nil
	}

	r := Record{
		Attempt: copyAttempt(a),
		State:   StatePending,
	}
	s.records[a.AttemptID] = r
	s.order = append(s.order, a.AttemptID)
	return copyRecord(r), true, nil
}

func (s *MemoryStore) Get(_ context.Context, attemptID common.Hash) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[attemptID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	out := make([]Record, 0, limit)
	for _, id := range s.order {
		r := s.records[id]
		if r.State != state {
			continue
		}
		out = append(out, copyRecord(r))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkApproving(_ context.Context, attemptID common.Hash, approveTxHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[attemptID]
	if !ok {
		return ErrNotFound
	}
	if r.State >= StateSubmitted {
		return ErrInvalidTransition
	}

	if r.State < StateApproving {
		r.State = StateApproving
	}
	r.Approved = true
	r.ApproveTxHash = approveTxHash
	s.records[attemptID] = r
	return nil
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, attemptID common.Hash, depositTxHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[attemptID]
	if !ok {
		return ErrNotFound
	}
	if r.State >= StateConfirmed {
		return ErrInvalidTransition
	}

	if r.State < StateSubmitted {
		r.State = StateSubmitted
	}
	r.DepositTxHash = depositTxHash
	s.records[attemptID] = r
	return nil
}

func (s *MemoryStore) MarkConfirmed(_ context.Context, attemptID common.Hash, depositTxHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[attemptID]
	if !ok {
		return ErrNotFound
	}

	if r.State == StateConfirmed {
		if r.DepositTxHash != depositTxHash {
			return ErrAttemptMismatch
		}
		return nil
	}
	if r.State != StateSubmitted {
		return ErrInvalidTransition
	}

	r.State = StateConfirmed
	r.DepositTxHash = depositTxHash
	s.records[attemptID] = r
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, attemptID common.Hash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[attemptID]
	if !ok {
		return ErrNotFound
	}

	if r.State == StateFailed {
		return nil
	}
	if r.State == StateConfirmed {
		return ErrInvalidTransition
	}

	r.State = StateFailed
	r.FailReason = reason
	s.records[attemptID] = r
	return nil
}

func copyAttempt(a Attempt) Attempt {
	if a.Amount != nil {
		a.Amount = new(big.Int).Set(a.Amount)
	}
	return a
}

func copyRecord(r Record) Record {
	r.Attempt = copyAttempt(r.Attempt)
	return r
}
