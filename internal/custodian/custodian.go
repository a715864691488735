// Package custodian stores medical files encrypted at rest and returns them
// only after their content hash has been verified.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/blob"
	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/encryption"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/monitoring"
	"github.com/mesikahq/medvault/internal/repository"
	"github.com/mesikahq/medvault/internal/retry"
)

const defaultMimeType = "application/octet-stream"

var ErrNotOwner = fmt.Errorf("%w: only the record owner may change this setting", domain.ErrAuthorization)

type Recorder interface {
	Append(ctx context.Context, action ledger.Action, details, dataHash string) (ledger.Block, error)
}

type Custodian struct {
	crypto   encryption.Service
	blobs    blob.Store
	records  repository.Records
	recorder Recorder
	policy   retry.Policy
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Custodian)

func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Custodian) { c.metrics = m }
}

// WithRetryPolicy bounds record reads. Blob calls are bounded by the store.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Custodian) { c.policy = p }
}

func New(crypto encryption.Service, blobs blob.Store, records repository.Records, recorder Recorder, logger *zap.Logger, opts ...Option) *Custodian {
	c := &Custodian{
		crypto:   crypto,
		blobs:    blobs,
		records:  records,
		recorder: recorder,
		policy:   retry.DefaultPolicy(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store fingerprints, encrypts and persists a file for its owner. The
// ciphertext and IV are written as two separate objects.
func (c *Custodian) Store(ctx context.Context, ownerID string, category domain.Specialty, data []byte, mimeType string) (*domain.Record, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseSpecialty(string(category)); err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	hash := c.crypto.Digest(data)
	ciphertext, iv, err := c.crypto.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}

	fileKey, err := c.blobs.Put(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("store ciphertext: %w", err)
	}
	ivKey, err := c.blobs.Put(ctx, iv)
	if err != nil {
		c.discard(ctx, fileKey)
		return nil, fmt.Errorf("store iv: %w", err)
	}

	record := &domain.Record{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Category:  category,
		FileKey:   fileKey,
		IVKey:     ivKey,
		Hash:      hash,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: c.now().UTC(),
	}
	if err := c.records.CreateRecord(ctx, record); err != nil {
		c.discard(ctx, fileKey, ivKey)
		return nil, fmt.Errorf("persist record: %w", err)
	}

	details := fmt.Sprintf("Patient %s uploaded %s record %s", ownerID, category, record.ID)
	if _, err := c.recorder.Append(ctx, ledger.ActionUploadRecord, details, hash); err != nil {
		c.logger.Error("failed to record upload in ledger", zap.String("record_id", record.ID), zap.Error(err))
	}

	c.logger.Info("record stored",
		zap.String("record_id", record.ID),
		zap.String("owner_id", ownerID),
		zap.String("category", string(category)),
		zap.Int64("size", record.Size))
	return record, nil
}

// discard removes orphaned objects after a failed upload.
func (c *Custodian) discard(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := c.blobs.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to remove orphaned object", zap.String("key", key), zap.Error(err))
		}
	}
}

// Get loads record metadata without touching the blob store.
func (c *Custodian) Get(ctx context.Context, recordID string) (*domain.Record, error) {
	var record *domain.Record
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		record, err = c.records.GetRecord(ctx, recordID)
		return err
	})
	return record, err
}

// Retrieve loads, decrypts and verifies a record by id.
func (c *Custodian) Retrieve(ctx context.Context, recordID string) ([]byte, error) {
	record, err := c.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, record)
}

// Open decrypts a record and checks it against the hash frozen at upload.
// Any corruption surfaces as domain.ErrIntegrity, never as plaintext.
func (c *Custodian) Open(ctx context.Context, record *domain.Record) ([]byte, error) {
	ciphertext, err := c.blobs.Get(ctx, record.FileKey)
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return nil, c.integrityFailure(ctx, record, "ciphertext missing")
		}
		return nil, err
	}

	iv, err := c.blobs.Get(ctx, record.IVKey)
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return nil, c.integrityFailure(ctx, record, "iv missing")
		}
		return nil, err
	}

	plaintext, err := c.crypto.Decrypt(ciphertext, iv)
	if err != nil {
		return nil, c.integrityFailure(ctx, record, "decryption failed")
	}

	if c.crypto.Digest(plaintext) != record.Hash {
		return nil, c.integrityFailure(ctx, record, "hash mismatch")
	}

	c.metrics.IntegrityCheck(true)
	details := fmt.Sprintf("Record %s passed integrity verification", record.ID)
	if _, err := c.recorder.Append(ctx, ledger.ActionIntegrityVerified, details, record.Hash); err != nil {
		c.logger.Error("failed to record integrity check in ledger", zap.String("record_id", record.ID), zap.Error(err))
	}
	return plaintext, nil
}

func (c *Custodian) integrityFailure(ctx context.Context, record *domain.Record, cause string) error {
	c.metrics.IntegrityCheck(false)
	c.logger.Error("SECURITY ALERT: record integrity check failed",
		zap.String("record_id", record.ID),
		zap.String("owner_id", record.OwnerID),
		zap.String("cause", cause))

	details := fmt.Sprintf("Record %s failed integrity verification: %s", record.ID, cause)
	if _, err := c.recorder.Append(ctx, ledger.ActionIntegrityFailure, details, record.Hash); err != nil {
		c.logger.Error("failed to record integrity failure in ledger", zap.String("record_id", record.ID), zap.Error(err))
	}
	return fmt.Errorf("record %s: %s: %w", record.ID, cause, domain.ErrIntegrity)
}

// SetEmergencyAccessible toggles break-glass availability. Only the owner may.
func (c *Custodian) SetEmergencyAccessible(ctx context.Context, ownerID, recordID string, enabled bool) error {
	record, err := c.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if record.OwnerID != ownerID {
		return ErrNotOwner
	}
	if err := c.records.SetEmergencyAccessible(ctx, recordID, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	details := fmt.Sprintf("Patient %s %s emergency access for record %s", ownerID, state, recordID)
	hash := ledger.DataHash(recordID, ownerID, state)
	if _, err := c.recorder.Append(ctx, ledger.ActionUpdateEmergencySettings, details, hash); err != nil {
		c.logger.Error("failed to record emergency setting in ledger", zap.String("record_id", recordID), zap.Error(err))
	}
	return nil
}

func (c *Custodian) ListByOwner(ctx context.Context, ownerID string) ([]domain.Record, error) {
	var records []domain.Record
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		records, err = c.records.ListRecordsByOwner(ctx, ownerID)
		return err
	})
	return records, err
}
