package otp

import (
	"context"
	"sync"
	"time"

	"github.com/mesikahq/medvault/internal/domain"
)

// MemoryStore keeps codes in process; Consume is guarded by one mutex.
type MemoryStore struct {
	mu    sync.Mutex
	codes []*domain.OneTimeCode
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(ctx context.Context, code *domain.OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes = append(s.codes, &c)
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, phone, codeHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// newest first
	for i := len(s.codes) - 1; i >= 0; i-- {
		c := s.codes[i]
		if c.Phone != phone || c.CodeHash != codeHash || c.Used {
			continue
		}
		if now.After(c.ExpiresAt) {
			continue
		}
		c.Used = true
		return true, nil
	}
	return false, nil
}
