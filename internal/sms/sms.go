package sms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrDeliveryFailed = errors.New("sms delivery failed")

// Sender delivers a one-time code out of band. Delivery is best effort:
// callers log failures and never invalidate the code because of them.
type Sender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// DeliveryLog appends "phone:code" lines to a file readable by operators.
type DeliveryLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewDeliveryLog(path string) (*DeliveryLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create delivery log dir: %w", err)
	}
	return &DeliveryLog{path: path, now: time.Now}, nil
}

func (d *DeliveryLog) SendCode(ctx context.Context, phone, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s:%s\n", d.now().UTC().Format(time.RFC3339), phone, code)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

type fallbackSender struct {
	primary  Sender
	fallback Sender
	logger   *zap.Logger
}

// WithFallback sends through primary and, when that fails, through fallback.
func WithFallback(primary, fallback Sender, logger *zap.Logger) Sender {
	return &fallbackSender{primary: primary, fallback: fallback, logger: logger}
}

func (s *fallbackSender) SendCode(ctx context.Context, phone, code string) error {
	err := s.primary.SendCode(ctx, phone, code)
	if err == nil {
		return nil
	}
	s.logger.Warn("primary sms delivery failed, using fallback",
		zap.String("phone", maskPhone(phone)), zap.Error(err))
	return s.fallback.SendCode(ctx, phone, code)
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
