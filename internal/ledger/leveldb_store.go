package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const heightKey = "height_latest"

// LevelDBStore persists blocks as JSON under two keys:
//   - "block_<index>" for positional reads
//   - "hash_<blockHash>" for lookup by hash
//
// plus "height_latest" holding the index of the last block.
type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger db %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func blockKey(index int) []byte {
	return []byte(fmt.Sprintf("block_%d", index))
}

func hashKey(hash string) []byte {
	return []byte("hash_" + hash)
}

func (s *LevelDBStore) height() (int, bool, error) {
	v, err := s.db.Get([]byte(heightKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, false, fmt.Errorf("corrupt ledger height %q: %w", v, err)
	}
	return h, true, nil
}

func (s *LevelDBStore) Last(ctx context.Context) (Block, error) {
	h, ok, err := s.height()
	if err != nil {
		return Block{}, err
	}
	if !ok {
		return Block{}, ErrBlockNotFound
	}
	return s.Get(ctx, h)
}

func (s *LevelDBStore) Append(ctx context.Context, block Block) error {
	h, ok, err := s.height()
	if err != nil {
		return err
	}
	next := 0
	if ok {
		next = h + 1
	}
	if block.Index != next {
		return fmt.Errorf("append out of order: next index is %d, got %d", next, block.Index)
	}

	data, err := json.Marshal(block)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(block.Index), data)
	batch.Put(hashKey(block.BlockHash), data)
	batch.Put([]byte(heightKey), []byte(strconv.Itoa(block.Index)))

	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *LevelDBStore) Get(ctx context.Context, index int) (Block, error) {
	data, err := s.db.Get(blockKey(index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Block{}, ErrBlockNotFound
	}
	if err != nil {
		return Block{}, err
	}
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return Block{}, fmt.Errorf("decode block %d: %w", index, err)
	}
	return block, nil
}

// GetByHash looks a block up through the hash index.
func (s *LevelDBStore) GetByHash(ctx context.Context, hash string) (Block, error) {
	data, err := s.db.Get(hashKey(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Block{}, ErrBlockNotFound
	}
	if err != nil {
		return Block{}, err
	}
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return Block{}, err
	}
	return block, nil
}

func (s *LevelDBStore) Range(ctx context.Context, from, limit int) ([]Block, error) {
	h, ok, err := s.height()
	if err != nil {
		return nil, err
	}
	blocks := []Block{}
	if !ok || limit <= 0 {
		return blocks, nil
	}
	if from < 0 {
		from = 0
	}
	for i := from; i <= h && len(blocks) < limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := s.Get(ctx, i)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
