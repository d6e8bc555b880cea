package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
)

const (
	tableAccount = "account"
	tableAlias   = "alias"
	tableAsset   = "asset"
	tableBalance = "balance"
	tableListing = "listing"
	tableSession = "session"
)

var tableOrder = []string{tableAccount, tableAlias, tableAsset, tableBalance, tableListing, tableSession}

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB, layering an in-memory
// write buffer (for same-block snapshot/revert) over a set of KeyedTables
// (for cross-block, height-indexed rollback/trim/truncate). The write
// buffer generalizes the teacher's single dirty/deleted pair to span every
// domain table at once, keyed by "<table>\x00<key>".
type StateDB struct {
	db      DB
	tables  map[string]*KeyedTable
	dirty   map[string][]byte
	deleted map[string]bool

	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db, with one KeyedTable per domain
// table named above.
func NewStateDB(db DB) *StateDB {
	tables := make(map[string]*KeyedTable, len(tableOrder))
	for _, name := range tableOrder {
		tables[name] = NewKeyedTable(db, name)
	}
	return &StateDB{
		db:      db,
		tables:  tables,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func compositeKey(table, key string) string { return table + "\x00" + key }

func splitCompositeKey(ck string) (table, key string) {
	parts := strings.SplitN(ck, "\x00", 2)
	if len(parts) != 2 {
		return "", ck
	}
	return parts[0], parts[1]
}

func (s *StateDB) get(table, key string) ([]byte, error) {
	ck := compositeKey(table, key)
	if s.deleted[ck] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[ck]; ok {
		return v, nil
	}
	return s.tables[table].Get(key)
}

func (s *StateDB) set(table, key string, val []byte) {
	ck := compositeKey(table, key)
	delete(s.deleted, ck)
	s.dirty[ck] = val
}

func (s *StateDB) del(table, key string) {
	ck := compositeKey(table, key)
	delete(s.dirty, ck)
	s.deleted[ck] = true
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(tableAccount, address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	s.set(tableAccount, acc.Address, data)
	return nil
}

// ---- Alias ----

func (s *StateDB) GetAlias(name string) (*core.Alias, error) {
	data, err := s.get(tableAlias, name)
	if err != nil {
		return nil, err
	}
	var a core.Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *StateDB) SetAlias(a *core.Alias) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.set(tableAlias, a.Name, data)
	return nil
}

// ---- Asset ----

func (s *StateDB) GetAsset(id string) (*core.Asset, error) {
	data, err := s.get(tableAsset, id)
	if err != nil {
		return nil, err
	}
	var a core.Asset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *StateDB) SetAsset(a *core.Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.set(tableAsset, a.ID, data)
	return nil
}

func balanceKey(assetID, owner string) string { return assetID + ":" + owner }

func (s *StateDB) GetAssetBalance(assetID, owner string) (*core.AssetBalance, error) {
	data, err := s.get(tableBalance, balanceKey(assetID, owner))
	if errors.Is(err, core.ErrNotFound) {
		return &core.AssetBalance{AssetID: assetID, Owner: owner}, nil
	}
	if err != nil {
		return nil, err
	}
	var b core.AssetBalance
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *StateDB) SetAssetBalance(b *core.AssetBalance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	s.set(tableBalance, balanceKey(b.AssetID, b.Owner), data)
	return nil
}

// ---- Digital goods store ----

func (s *StateDB) GetListing(id string) (*core.DGSListing, error) {
	data, err := s.get(tableListing, id)
	if err != nil {
		return nil, err
	}
	var l core.DGSListing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *StateDB) SetListing(l *core.DGSListing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	s.set(tableListing, l.ID, data)
	return nil
}

func (s *StateDB) DeleteListing(id string) error {
	s.del(tableListing, id)
	return nil
}

// ---- Session ----

func (s *StateDB) GetSession(id string) (*core.Session, error) {
	data, err := s.get(tableSession, id)
	if err != nil {
		return nil, err
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *StateDB) SetSession(sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.set(tableSession, sess.ID, data)
	return nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID, used by
// the executor to revert a single failed transaction without discarding the
// rest of the block (spec §4.1 "Accept").
func (s *StateDB) Snapshot() (int, error) {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state: it
// merges every table's persisted contents with the current write buffer,
// then hashes the sorted, length-prefixed key-value pairs. It does not
// flush or modify state, so it is safe to call before signing a block.
func (s *StateDB) ComputeRoot() string {
	merged := make(map[string][]byte)
	for _, name := range tableOrder {
		list, _ := s.tables[name].List()
		for k, v := range list {
			merged[compositeKey(name, k)] = v
		}
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit flushes the write buffer into each table's underlying storage in a
// single atomic batch, recording undo entries at height so a later
// Rollback(height-1) on any table can undo exactly this commit (spec §4.1
// step 11 "Accept", §4.3 PopOffTo).
func (s *StateDB) Commit(height int64) error {
	batch := s.db.NewBatch()
	writers := make(map[string]*TableWriter, len(tableOrder))
	writerFor := func(table string) *TableWriter {
		w, ok := writers[table]
		if !ok {
			w = s.tables[table].Writer(batch, height)
			writers[table] = w
		}
		return w
	}

	for ck, v := range s.dirty {
		table, key := splitCompositeKey(ck)
		if err := writerFor(table).Set(key, v); err != nil {
			return fmt.Errorf("commit height %d: %w", height, err)
		}
	}
	for ck := range s.deleted {
		table, key := splitCompositeKey(ck)
		if err := writerFor(table).Delete(key); err != nil {
			return fmt.Errorf("commit height %d: %w", height, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit height %d: %w", height, err)
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}

// DerivedTables returns every table registered with this state, in a fixed
// order, so the chain processor can Rollback/Trim/Truncate them uniformly.
func (s *StateDB) DerivedTables() []core.DerivedTable {
	out := make([]core.DerivedTable, 0, len(tableOrder))
	for _, name := range tableOrder {
		out = append(out, s.tables[name])
	}
	return out
}
