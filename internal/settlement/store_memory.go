package settlement

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	claimed map[uint64]struct{}
	reports map[uint64]Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claimed: make(map[uint64]struct{}),
		reports: make(map[uint64]Report),
	}
}

func (s *MemoryStore) Claim(_ context.Context, batchID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[batchID]; ok {
		return false, nil
	}
	s.claimed[batchID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, rep Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep.Instructions = append([]Instruction(nil), rep.Instructions...)
	s.reports[rep.BatchID] = rep
	return nil
}

func (s *MemoryStore) Load(_ context.Context, batchID uint64) (Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reports[batchID]
	return rep, ok, nil
}

var _ Pruner = (*MemoryStore)(nil)

// Prune 清理 beforeBatch 之前的报告和认领，返回清掉的报告数
func (s *MemoryStore) Prune(beforeBatch uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.claimed {
		if id < beforeBatch {
			delete(s.claimed, id)
		}
	}
	for id := range s.reports {
		if id < beforeBatch {
			delete(s.reports, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}
