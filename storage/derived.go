package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/duskchain/duskchain/core"
)

// KeyedTable is a generic height-indexed secondary table: a prefix-scoped
// key/value namespace over DB, plus an undo log that lets the chain
// processor Rollback a table to its state as of an earlier height without
// keeping the whole history in memory (spec §3 "Derived tables", §4.3
// PopOffTo). It generalizes the teacher's StateDB dirty/deleted write
// buffer, which only ever reverted within a single block, to a log that
// survives across blocks and process restarts.
//
// Every domain table (accounts, aliases, assets, asset balances, DGS
// listings, sessions) is an instance of this type rather than a bespoke
// hand-rolled table, so Rollback/Trim/Truncate only need to be written once.
type KeyedTable struct {
	db   DB
	name string
}

// NewKeyedTable returns a table named name backed by db. Two tables with the
// same name sharing a db would collide; callers must use distinct names.
func NewKeyedTable(db DB, name string) *KeyedTable {
	return &KeyedTable{db: db, name: name}
}

func (t *KeyedTable) Name() string { return t.name }

func (t *KeyedTable) dataKey(key string) []byte {
	return []byte("tbl:" + t.name + ":" + key)
}

func (t *KeyedTable) dataPrefix() []byte {
	return []byte("tbl:" + t.name + ":")
}

func (t *KeyedTable) undoPrefix() []byte {
	return []byte("undo:" + t.name + ":")
}

func (t *KeyedTable) undoKey(height int64, seq int) []byte {
	return []byte(fmt.Sprintf("undo:%s:%020d:%020d", t.name, height, seq))
}

func parseUndoHeight(name string, key []byte) (int64, bool) {
	prefix := "undo:" + name + ":"
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return 0, false
	}
	rest := s[len(prefix):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}

// undoEntry records the value a key held before a write, so Rollback can
// restore it.
type undoEntry struct {
	Key     string `json:"key"`
	Prev    []byte `json:"prev"`
	Existed bool   `json:"existed"`
}

// Get fetches the current value for key, or core.ErrNotFound.
func (t *KeyedTable) Get(key string) ([]byte, error) {
	return t.db.Get(t.dataKey(key))
}

// List scans every key/value currently in the table (no particular order
// guarantee beyond the underlying DB iterator's), used by ComputeRoot-style
// state-root computation.
func (t *KeyedTable) List() (map[string][]byte, error) {
	it := t.db.NewIterator(t.dataPrefix())
	defer it.Release()
	out := make(map[string][]byte)
	prefix := t.dataPrefix()
	for it.Next() {
		k := string(it.Key()[len(prefix):])
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		out[k] = v
	}
	return out, it.Error()
}

// Writer returns a height-scoped writer that records undo entries into batch
// as it writes, so a later Rollback(height) can undo everything written
// through this writer. The caller is responsible for calling batch.Write().
func (t *KeyedTable) Writer(batch Batch, height int64) *TableWriter {
	return &TableWriter{table: t, batch: batch, height: height}
}

// TableWriter batches a set of writes against one KeyedTable at one height,
// tagging each with an increasing sequence number so Rollback can replay
// multiple writes to the same key, in order, within that height.
type TableWriter struct {
	table  *KeyedTable
	batch  Batch
	height int64
	seq    int
}

func (w *TableWriter) previous(key string) (undoEntry, error) {
	prev, err := w.table.db.Get(w.table.dataKey(key))
	if errors.Is(err, core.ErrNotFound) {
		return undoEntry{Key: key, Existed: false}, nil
	}
	if err != nil {
		return undoEntry{}, err
	}
	return undoEntry{Key: key, Prev: prev, Existed: true}, nil
}

// Set stages key=value, recording an undo entry for the prior value.
func (w *TableWriter) Set(key string, value []byte) error {
	entry, err := w.previous(key)
	if err != nil {
		return fmt.Errorf("table %s: read previous %q: %w", w.table.name, key, err)
	}
	w.seq++
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	w.batch.Set(w.table.undoKey(w.height, w.seq), data)
	w.batch.Set(w.table.dataKey(key), value)
	return nil
}

// Delete stages removal of key, recording an undo entry for the prior value.
func (w *TableWriter) Delete(key string) error {
	entry, err := w.previous(key)
	if err != nil {
		return fmt.Errorf("table %s: read previous %q: %w", w.table.name, key, err)
	}
	if !entry.Existed {
		return nil
	}
	w.seq++
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	w.batch.Set(w.table.undoKey(w.height, w.seq), data)
	w.batch.Delete(w.table.dataKey(key))
	return nil
}

// Rollback restores the table to its state as of height by replaying, in
// reverse, every undo entry recorded at a height strictly greater than
// height (spec §4.3 PopOffTo).
func (t *KeyedTable) Rollback(height int64) error {
	it := t.db.NewIterator(t.undoPrefix())
	var keys [][]byte
	var entries []undoEntry
	for it.Next() {
		h, ok := parseUndoHeight(t.name, it.Key())
		if !ok || h <= height {
			continue
		}
		var e undoEntry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			it.Release()
			return fmt.Errorf("table %s: decode undo entry: %w", t.name, err)
		}
		keys = append(keys, append([]byte{}, it.Key()...))
		entries = append(entries, e)
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		var err error
		if e.Existed {
			err = t.db.Set(t.dataKey(e.Key), e.Prev)
		} else {
			err = t.db.Delete(t.dataKey(e.Key))
		}
		if err != nil {
			return fmt.Errorf("table %s: replay undo: %w", t.name, err)
		}
		if err := t.db.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// Trim prunes undo entries recorded at a height at or below height. It never
// touches current data, only history that a future Rollback can no longer
// need because the chain can't roll back past the configured retention
// window (spec §4.4 "trim scheduler").
func (t *KeyedTable) Trim(height int64) error {
	it := t.db.NewIterator(t.undoPrefix())
	var keys [][]byte
	for it.Next() {
		h, ok := parseUndoHeight(t.name, it.Key())
		if !ok || h > height {
			continue
		}
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()
	for _, k := range keys {
		if err := t.db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Truncate discards all data and history for this table (spec §4.4
// "fullReset").
func (t *KeyedTable) Truncate() error {
	for _, prefix := range [][]byte{t.dataPrefix(), t.undoPrefix()} {
		it := t.db.NewIterator(prefix)
		var keys [][]byte
		for it.Next() {
			keys = append(keys, append([]byte{}, it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := t.db.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}
