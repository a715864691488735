package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/mesikahq/medvault/internal/domain"
)

var validKey = regexp.MustCompile(`^[a-f0-9]{64}$`)

// DiskStore keeps objects as files under a single directory.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", domain.NewStorageError("resolve", fmt.Errorf("%w: malformed key %q", ErrObjectNotFound, key), false)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *DiskStore) Put(ctx context.Context, data []byte) (string, error) {
	key := contentKey(data)
	p, _ := s.path(key)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", domain.NewStorageError("put", err, true)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", domain.NewStorageError("put", err, true)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", domain.NewStorageError("put", err, true)
	}
	if err := tmp.Close(); err != nil {
		return "", domain.NewStorageError("put", err, true)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", domain.NewStorageError("put", err, true)
	}
	return key, nil
}

func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NewStorageError("get", fmt.Errorf("%w: %s", ErrObjectNotFound, key), false)
	}
	if err != nil {
		return nil, domain.NewStorageError("get", err, true)
	}
	return data, nil
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.NewStorageError("delete", err, true)
	}
	return nil
}
