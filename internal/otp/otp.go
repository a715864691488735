package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/ledger"
)

var (
	ErrRateLimited  = errors.New("too many codes requested for this phone")
	ErrInvalidPhone = errors.New("phone is required")
)

// Store persists issued codes. Consume must find and flip a matching
// unused, unexpired code as one atomic step so a code verifies at most once.
type Store interface {
	Create(ctx context.Context, code *domain.OneTimeCode) error
	Consume(ctx context.Context, phone, codeHash string, now time.Time) (bool, error)
}

// Recorder is the subset of the ledger the authenticator writes to.
type Recorder interface {
	Append(ctx context.Context, action ledger.Action, details, dataHash string) (ledger.Block, error)
}

type Config struct {
	TTL    time.Duration
	Digits int
	// MasterCodeHash is a bcrypt hash of a code accepted for any phone.
	// Empty disables the bypass.
	MasterCodeHash string
	IssueRate      rate.Limit
	IssueBurst     int
}

func DefaultConfig() Config {
	return Config{
		TTL:        5 * time.Minute,
		Digits:     6,
		IssueRate:  rate.Every(30 * time.Second),
		IssueBurst: 3,
	}
}

type Authenticator struct {
	store    Store
	recorder Recorder
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	limiters sync.Map
}

func NewAuthenticator(store Store, recorder Recorder, config Config, logger *zap.Logger) *Authenticator {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.Digits <= 0 {
		config.Digits = DefaultConfig().Digits
	}
	if config.MasterCodeHash != "" {
		logger.Warn("master one-time code is enabled; every phone accepts it")
	}
	return &Authenticator{
		store:    store,
		recorder: recorder,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// HashCode is the digest under which codes are stored and looked up.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue generates a code for phone, stores its hash and returns the
// plaintext for out-of-band delivery.
func (a *Authenticator) Issue(ctx context.Context, phone string) (string, error) {
	if phone == "" {
		return "", ErrInvalidPhone
	}
	if !a.allow(phone) {
		return "", ErrRateLimited
	}

	code, err := a.generate()
	if err != nil {
		return "", err
	}

	now := a.now()
	record := &domain.OneTimeCode{
		ID:        uuid.New().String(),
		Phone:     phone,
		CodeHash:  HashCode(code),
		ExpiresAt: now.Add(a.config.TTL),
		CreatedAt: now,
	}
	if err := a.store.Create(ctx, record); err != nil {
		return "", fmt.Errorf("store one-time code: %w", err)
	}

	return code, nil
}

// Verify consumes code for phone. It returns false for unknown, expired or
// already used codes; an error only when the store fails.
func (a *Authenticator) Verify(ctx context.Context, phone, code string) (bool, error) {
	if phone == "" || code == "" {
		return false, nil
	}

	if a.isMasterCode(code) {
		a.logger.Warn("master one-time code accepted", zap.String("phone", phone))
		if a.recorder != nil {
			if _, err := a.recorder.Append(ctx, ledger.ActionOTPMasterBypass,
				fmt.Sprintf("Master code used for %s", phone), ledger.DataHash(phone)); err != nil {
				a.logger.Error("failed to record master code use", zap.Error(err))
			}
		}
		return true, nil
	}

	ok, err := a.store.Consume(ctx, phone, HashCode(code), a.now())
	if err != nil {
		return false, fmt.Errorf("consume one-time code: %w", err)
	}
	return ok, nil
}

func (a *Authenticator) isMasterCode(code string) bool {
	if a.config.MasterCodeHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.config.MasterCodeHash), []byte(code)) == nil
}

func (a *Authenticator) allow(phone string) bool {
	if a.config.IssueRate == 0 {
		return true
	}
	limiterI, _ := a.limiters.LoadOrStore(phone, rate.NewLimiter(a.config.IssueRate, a.config.IssueBurst))
	return limiterI.(*rate.Limiter).Allow()
}

func (a *Authenticator) generate() (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.config.Digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate one-time code: %w", err)
	}
	return fmt.Sprintf("%0*d", a.config.Digits, n), nil
}
