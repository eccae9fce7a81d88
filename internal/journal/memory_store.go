package journal

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	records map[common.Hash]Record
	order   []common.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		records: make(map[common.Hash]Record),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) (Record, bool, error) {
	if err := Validate(r); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[r.TxHash]
	if ok {
		if !SameDeposit(existing, r) {
			return Record{}, false, ErrDepositMismatch
		}
		return existing.clone(), false, nil
	}

	now := s.now().UTC()
	r = r.clone()
	r.State = StateSubmitted
	r.BlockNumber, r.FailReason = 0, ""
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = now
	}
	r.UpdatedAt = now
	s.records[r.TxHash] = r
	s.order = append(s.order, r.TxHash)
	return r.clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, txHash common.Hash) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[txHash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

// ListByAccount returns the account's records, newest first.
func (s *MemoryStore) ListByAccount(_ context.Context, account common.Address, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.records[s.order[i]]
		if r.Account != account {
			continue
		}
		out = append(out, r.clone())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkConfirmed(_ context.Context, txHash common.Hash, blockNumber uint64) error {
	return s.transition(txHash, StateConfirmed, func(r *Record) { r.BlockNumber = blockNumber })
}

func (s *MemoryStore) MarkFailed(_ context.Context, txHash common.Hash, reason string) error {
	return s.transition(txHash, StateFailed, func(r *Record) { r.FailReason = reason })
}

func (s *MemoryStore) transition(txHash common.Hash, to State, apply func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[txHash]
	if !ok {
		return ErrNotFound
	}
	if err := CheckTransition(r.State, to); err != nil {
		return err
	}
	if r.State == to {
		return nil
	}
	r.State = to
	apply(&r)
	r.UpdatedAt = s.now().UTC()
	s.records[txHash] = r
	return nil
}

var _ Store = (*MemoryStore)(nil)
