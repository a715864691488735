package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/mesikahq/medvault/internal/retry"
)

var ErrObjectNotFound = errors.New("object not found")

// Store holds opaque byte objects. Content must round-trip unchanged.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// contentKey derives the object key from its bytes, so a retried Put
// writes the same object instead of leaving an orphan.
func contentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type retryingStore struct {
	next   Store
	policy retry.Policy
}

// WithRetry bounds every call to next by policy and retries transient failures.
func WithRetry(next Store, policy retry.Policy) Store {
	return &retryingStore{next: next, policy: policy}
}

func (s *retryingStore) Put(ctx context.Context, data []byte) (string, error) {
	var key string
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		key, err = s.next.Put(ctx, data)
		return err
	})
	return key, err
}

func (s *retryingStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		data, err = s.next.Get(ctx, key)
		return err
	})
	return data, err
}

func (s *retryingStore) Delete(ctx context.Context, key string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.next.Delete(ctx, key)
	})
}
