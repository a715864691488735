package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/domain"
)

// Store is the system of record for access-log entries.
type Store interface {
	CreateAccessLog(ctx context.Context, entry *domain.AccessLogEntry) error
	ListAccessLogs(ctx context.Context, recordID string, offset, limit int) ([]domain.AccessLogEntry, error)
}

// Writer persists each entry to the store and then mirrors it. The store
// write decides the result; a mirror failure is only logged.
type Writer struct {
	store  Store
	mirror Service
	logger *zap.Logger
}

func NewWriter(store Store, mirror Service, logger *zap.Logger) *Writer {
	return &Writer{store: store, mirror: mirror, logger: logger}
}

func (w *Writer) CreateAccessLog(ctx context.Context, entry *domain.AccessLogEntry) error {
	if err := w.store.CreateAccessLog(ctx, entry); err != nil {
		return err
	}
	if w.mirror == nil {
		return nil
	}
	if err := w.mirror.LogAccess(ctx, entry); err != nil {
		w.logger.Warn("access log mirror failed",
			zap.String("entry_id", entry.ID), zap.Error(err))
	}
	return nil
}

// QueryRecordAccess returns the newest entries for a record. The search
// mirror answers when it can; otherwise the store does.
func (w *Writer) QueryRecordAccess(ctx context.Context, recordID string, from, size int) ([]domain.AccessLogEntry, error) {
	if w.mirror != nil {
		entries, err := w.mirror.QueryAccess(ctx, map[string]interface{}{"record_id": recordID}, from, size)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, ErrSearchDisabled) {
			w.logger.Warn("access search failed, reading from store",
				zap.String("record_id", recordID), zap.Error(err))
		}
	}
	return w.store.ListAccessLogs(ctx, recordID, from, size)
}
