package ledger

import (
	"context"
	"fmt"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	blocks []Block
}

func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Last(ctx context.Context) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.blocks) == 0 {
		return Block{}, ErrBlockNotFound
	}
	return s.blocks[len(s.blocks)-1], nil
}

func (s *memoryStore) Append(ctx context.Context, block Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Index != len(s.blocks) {
		return fmt.Errorf("append out of order: next index is %d, got %d", len(s.blocks), block.Index)
	}
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, index int) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.blocks) {
		return Block{}, ErrBlockNotFound
	}
	return s.blocks[index], nil
}

func (s *memoryStore) Range(ctx context.Context, from, limit int) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if from >= len(s.blocks) || limit <= 0 {
		return []Block{}, nil
	}
	to := from + limit
	if to > len(s.blocks) {
		to = len(s.blocks)
	}
	out := make([]Block, to-from)
	copy(out, s.blocks[from:to])
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
