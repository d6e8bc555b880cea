package storage

import (
	"encoding/json"
	"fmt"

	"github.com/duskchain/duskchain/core"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// NewBatch returns an atomic write buffer backed by goleveldb's own Batch.
func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, batch: new(leveldb.Batch)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Analyze compacts the full keyspace. It backs the store-analyzer built-in
// listener (spec §4.6, "invoked every 5,000 blocks and at RESCAN_END").
func (l *LevelDB) Analyze() error {
	return l.db.CompactRange(util.Range{})
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Write() error          { return b.db.Write(b.batch, nil) }
func (b *levelBatch) Reset()                { b.batch.Reset() }

// ---- BlockStore implementation ----

// LevelBlockStore implements core.BlockStore on top of LevelDB. Alongside
// the block-by-id and block-by-height indexes it maintains a transaction
// index (tx id -> containing block id) so the validator can check "already
// persisted" and walk referenced-transaction chains without scanning every
// block (spec §4.1 step 9).
type LevelBlockStore struct {
	db *LevelDB
}

// NewLevelBlockStore wraps a LevelDB instance as a BlockStore.
func NewLevelBlockStore(db *LevelDB) *LevelBlockStore {
	return &LevelBlockStore{db: db}
}

func blockKey(id string) []byte     { return []byte("block:" + id) }
func heightKey(height int64) []byte { return []byte(fmt.Sprintf("height:%020d", height)) }
func txIndexKey(id string) []byte   { return []byte("tx:" + id) }

func (s *LevelBlockStore) GetBlock(id string) (*core.Block, error) {
	data, err := s.db.Get(blockKey(id))
	if err != nil {
		return nil, err
	}
	return core.UnmarshalBlockJSON(data)
}

func (s *LevelBlockStore) GetBlockByHeight(height int64) (*core.Block, error) {
	id, err := s.db.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	return s.GetBlock(string(id))
}

func (s *LevelBlockStore) GetTip() (string, error) {
	val, err := s.db.Get([]byte("chain:tip"))
	if err == core.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *LevelBlockStore) GetHeight() (int64, error) {
	val, err := s.db.Get([]byte("chain:height"))
	if err == core.ErrNotFound {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	var h int64
	if _, err := fmt.Sscanf(string(val), "%d", &h); err != nil {
		return 0, err
	}
	return h, nil
}

// HasTransaction reports whether id has been persisted in any committed
// block.
func (s *LevelBlockStore) HasTransaction(id string) (bool, error) {
	_, err := s.db.Get(txIndexKey(id))
	if err == core.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetTransaction fetches a persisted transaction by id, via the tx index and
// its containing block.
func (s *LevelBlockStore) GetTransaction(id string) (*core.Transaction, error) {
	blockID, err := s.db.Get(txIndexKey(id))
	if err != nil {
		return nil, err
	}
	block, err := s.GetBlock(string(blockID))
	if err != nil {
		return nil, err
	}
	for _, tx := range block.Transactions {
		if tx.ID == id {
			return tx, nil
		}
	}
	return nil, core.ErrNotFound
}

// CommitBlock atomically appends block as the new tip: stores it, indexes it
// by height and by each contained transaction id, and advances the
// tip/height pointers in one batch so a crash mid-write can never leave the
// store pointing at a block it doesn't have.
func (s *LevelBlockStore) CommitBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set(blockKey(block.ID), data)
	batch.Set(heightKey(block.Height), []byte(block.ID))
	for _, tx := range block.Transactions {
		batch.Set(txIndexKey(tx.ID), []byte(block.ID))
	}
	batch.Set([]byte("chain:tip"), []byte(block.ID))
	batch.Set([]byte("chain:height"), []byte(fmt.Sprintf("%d", block.Height)))
	return batch.Write()
}

// RemoveTip atomically deletes block (which must be the current tip),
// its height and transaction index entries, and moves the tip/height
// pointers back to newTipID/newHeight. Used by PopOffTo.
func (s *LevelBlockStore) RemoveTip(block *core.Block, newTipID string, newHeight int64) error {
	batch := s.db.NewBatch()
	batch.Delete(blockKey(block.ID))
	batch.Delete(heightKey(block.Height))
	for _, tx := range block.Transactions {
		batch.Delete(txIndexKey(tx.ID))
	}
	if newTipID == "" {
		batch.Delete([]byte("chain:tip"))
	} else {
		batch.Set([]byte("chain:tip"), []byte(newTipID))
	}
	batch.Set([]byte("chain:height"), []byte(fmt.Sprintf("%d", newHeight)))
	return batch.Write()
}
