package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mesikahq/medvault/internal/domain"
)

// GridFSStore keeps objects in a MongoDB GridFS bucket, keyed by content digest.
type GridFSStore struct {
	db     *mongo.Database
	bucket string
}

func NewGridFSStore(db *mongo.Database, bucket string) *GridFSStore {
	if bucket == "" {
		bucket = "records"
	}
	return &GridFSStore{db: db, bucket: bucket}
}

// open returns a fresh bucket per call; deadlines are per-bucket state.
func (s *GridFSStore) open(ctx context.Context) (*gridfs.Bucket, error) {
	b, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(s.bucket))
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := b.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		if err := b.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *GridFSStore) Put(ctx context.Context, data []byte) (string, error) {
	key := contentKey(data)
	b, err := s.open(ctx)
	if err != nil {
		return "", domain.NewStorageError("put", err, true)
	}
	err = b.UploadFromStreamWithID(key, key, bytes.NewReader(data))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", domain.NewStorageError("put", err, !errors.Is(err, context.Canceled))
	}
	return key, nil
}

func (s *GridFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.open(ctx)
	if err != nil {
		return nil, domain.NewStorageError("get", err, true)
	}
	var buf bytes.Buffer
	if _, err := b.DownloadToStream(key, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, domain.NewStorageError("get", fmt.Errorf("%w: %s", ErrObjectNotFound, key), false)
		}
		return nil, domain.NewStorageError("get", err, true)
	}
	return buf.Bytes(), nil
}

func (s *GridFSStore) Delete(ctx context.Context, key string) error {
	b, err := s.open(ctx)
	if err != nil {
		return domain.NewStorageError("delete", err, true)
	}
	if err := b.DeleteContext(ctx, key); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return domain.NewStorageError("delete", err, true)
	}
	return nil
}
