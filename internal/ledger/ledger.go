package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/monitoring"
)

// Ledger is the single writer of the audit chain. Append serializes the
// read-last/compute/append sequence so the chain stays linear.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	last    Block
	now     func() time.Time
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New opens a ledger on store, writing the genesis block if the store is empty.
func New(ctx context.Context, store Store, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	last, err := store.Last(ctx)
	switch {
	case errors.Is(err, ErrBlockNotFound):
		genesis := Genesis()
		if err := store.Append(ctx, genesis); err != nil {
			return nil, fmt.Errorf("write genesis block: %w", err)
		}
		last = genesis
	case err != nil:
		return nil, fmt.Errorf("read last block: %w", err)
	}
	l.last = last

	return l, nil
}

// Append links a new block onto the chain and returns it.
func (l *Ledger) Append(ctx context.Context, action Action, details, dataHash string) (Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	block := Block{
		Index:        l.last.Index + 1,
		Timestamp:    l.now().UTC(),
		Action:       action,
		Details:      details,
		DataHash:     dataHash,
		PreviousHash: l.last.BlockHash,
	}
	block.BlockHash = block.computeHash()

	if err := l.store.Append(ctx, block); err != nil {
		l.logger.Error("ledger append failed",
			zap.Int("index", block.Index),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return Block{}, fmt.Errorf("append block %d: %w", block.Index, err)
	}
	l.last = block
	l.metrics.LedgerAppend(string(action))

	l.logger.Debug("ledger block appended",
		zap.Int("index", block.Index),
		zap.String("action", string(action)),
		zap.String("hash", block.BlockHash),
	)
	return block, nil
}

// Last returns the current head of the chain.
func (l *Ledger) Last() Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Blocks returns up to limit blocks starting at index from.
func (l *Ledger) Blocks(ctx context.Context, from, limit int) ([]Block, error) {
	return l.store.Range(ctx, from, limit)
}

// Report is the outcome of a chain verification.
type Report struct {
	Valid  bool `json:"valid"`
	Blocks int  `json:"blocks"`
	// FirstInvalid is the index of the first block that failed, or -1.
	FirstInvalid int    `json:"first_invalid"`
	Reason       string `json:"reason,omitempty"`
}

const verifyPageSize = 256

// Verify recomputes every block hash from its stored fields and its
// predecessor, stopping at the first mismatch.
func (l *Ledger) Verify(ctx context.Context) (Report, error) {
	return VerifyStore(ctx, l.store)
}

// VerifyChain reports whether the whole chain is intact.
func (l *Ledger) VerifyChain(ctx context.Context) (bool, error) {
	r, err := l.Verify(ctx)
	return r.Valid, err
}

// VerifyStore walks a store without a Ledger, for offline audits.
func VerifyStore(ctx context.Context, store Store) (Report, error) {
	report := Report{Valid: true, FirstInvalid: -1}
	prevHash := ""
	next := 0

	for {
		page, err := store.Range(ctx, next, verifyPageSize)
		if err != nil {
			return Report{}, err
		}
		for _, b := range page {
			if reason := checkBlock(b, next, prevHash); reason != "" {
				report.Valid = false
				report.FirstInvalid = b.Index
				report.Reason = reason
				report.Blocks = next
				return report, nil
			}
			prevHash = b.BlockHash
			next++
		}
		if len(page) < verifyPageSize {
			break
		}
	}

	report.Blocks = next
	return report, nil
}

func checkBlock(b Block, expectedIndex int, prevHash string) string {
	if b.Index != expectedIndex {
		return fmt.Sprintf("index %d out of sequence, expected %d", b.Index, expectedIndex)
	}
	if expectedIndex == 0 {
		g := Genesis()
		if b.Action != g.Action || b.Details != g.Details || b.DataHash != g.DataHash ||
			b.PreviousHash != g.PreviousHash || b.BlockHash != g.BlockHash {
			return "genesis block altered"
		}
		return ""
	}
	if b.PreviousHash != prevHash {
		return "previous hash does not match predecessor"
	}
	if b.computeHash() != b.BlockHash {
		return "block hash mismatch"
	}
	return ""
}
