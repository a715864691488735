package ledger

import (
	"context"
	"errors"
)

var ErrBlockNotFound = errors.New("block not found")

// Store is the append-only sequence backing a Ledger. Only the Ledger
// writes to it, and only while holding its append lock.
type Store interface {
	// Last returns the highest-indexed block, or ErrBlockNotFound when empty.
	Last(ctx context.Context) (Block, error)
	Append(ctx context.Context, block Block) error
	Get(ctx context.Context, index int) (Block, error)
	// Range returns up to limit blocks starting at index from.
	Range(ctx context.Context, from, limit int) ([]Block, error)
	Close() error
}
