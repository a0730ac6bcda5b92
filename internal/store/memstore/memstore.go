// Package memstore keeps rebalances and intents in process memory. It backs
// the "memory" store driver and tests.
package memstore

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// RebalanceStore is an in-memory domain.RebalanceStore.
type RebalanceStore struct {
	mu   sync.RWMutex
	rows map[string]domain.Rebalance
}

var _ domain.RebalanceStore = (*RebalanceStore)(nil)

func NewRebalanceStore() *RebalanceStore {
	return &RebalanceStore{rows: make(map[string]domain.Rebalance)}
}

func (s *RebalanceStore) Create(_ context.Context, r domain.Rebalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[r.ID]; ok {
		return fmt.Errorf("memstore: create rebalance %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	s.rows[r.ID] = r
	return nil
}

func (s *RebalanceStore) Get(_ context.Context, id string) (domain.Rebalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.Rebalance{}, fmt.Errorf("memstore: rebalance %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (s *RebalanceStore) UpdateStatus(_ context.Context, id string, status domain.RebalanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("memstore: rebalance %s: %w", id, domain.ErrNotFound)
	}
	if !domain.CanTransition(r.Status, status) {
		return fmt.Errorf("memstore: rebalance %s %s -> %s: %w", id, r.Status, status, domain.ErrInvalidTransition)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	s.rows[id] = r
	return nil
}

func (s *RebalanceStore) ListByGroup(_ context.Context, groupID string) ([]domain.Rebalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Rebalance
	for _, r := range s.rows {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RebalanceStore) PendingReservedByToken(_ context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return s.sumPending(wallet, func(r domain.Rebalance) (string, *big.Int) {
		return r.TokenIn.Key(), r.AmountIn
	}), nil
}

func (s *RebalanceStore) PendingIncomingByToken(_ context.Context, wallet common.Address) (map[string]*big.Int, error) {
	return s.sumPending(wallet, func(r domain.Rebalance) (string, *big.Int) {
		return r.TokenOut.Key(), r.AmountOut
	}), nil
}

func (s *RebalanceStore) sumPending(wallet common.Address, pick func(domain.Rebalance) (string, *big.Int)) map[string]*big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*big.Int)
	for _, r := range s.rows {
		if r.Wallet != wallet || r.Status != domain.RebalancePending {
			continue
		}
		key, amt := pick(r)
		if amt == nil {
			continue
		}
		if out[key] == nil {
			out[key] = new(big.Int)
		}
		out[key].Add(out[key], amt)
	}
	return out
}

// IntentStore is an in-memory domain.IntentStore.
type IntentStore struct {
	mu   sync.RWMutex
	rows map[common.Hash]domain.Intent
}

var _ domain.IntentStore = (*IntentStore)(nil)

func NewIntentStore() *IntentStore {
	return &IntentStore{rows: make(map[common.Hash]domain.Intent)}
}

func (s *IntentStore) Upsert(_ context.Context, in domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Status == "" {
		in.Status = domain.IntentPending
	}
	s.rows[in.Hash] = in
	return nil
}

func (s *IntentStore) Get(_ context.Context, hash common.Hash) (domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.rows[hash]
	if !ok {
		return domain.Intent{}, fmt.Errorf("memstore: intent %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	return in, nil
}

func (s *IntentStore) ListOpen(_ context.Context, f domain.IntentFilter) ([]domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Intent
	for _, in := range s.rows {
		if in.Status != domain.IntentPending {
			continue
		}
		if in.DestinationChainID != f.RouteChainID || in.RouteToken != f.RouteToken {
			continue
		}
		if in.SourceChainID != f.RewardChainID || in.RewardToken != f.RewardToken {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *IntentStore) UpdateStatus(_ context.Context, hash common.Hash, status domain.IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.rows[hash]
	if !ok {
		return fmt.Errorf("memstore: intent %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	in.Status = status
	s.rows[hash] = in
	return nil
}
