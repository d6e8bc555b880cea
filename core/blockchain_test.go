package core

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/duskchain/duskchain/crypto"
)

// memBlockStore is a minimal in-memory BlockStore test double, standing in
// for storage.LevelBlockStore without requiring an on-disk LevelDB.
type memBlockStore struct {
	mu        sync.Mutex
	byID      map[string]*Block
	byHeight  map[int64]*Block
	txIndex   map[string]string
	tipID     string
	height    int64
}

func newMemBlockStore() *memBlockStore {
	return &memBlockStore{
		byID:     make(map[string]*Block),
		byHeight: make(map[int64]*Block),
		txIndex:  make(map[string]string),
		height:   -1,
	}
}

func (s *memBlockStore) GetBlock(id string) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *memBlockStore) GetBlockByHeight(height int64) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHeight[height]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *memBlockStore) GetTip() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipID, nil
}

func (s *memBlockStore) GetHeight() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

func (s *memBlockStore) HasTransaction(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txIndex[id]
	return ok, nil
}

func (s *memBlockStore) GetTransaction(id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockID, ok := s.txIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	block := s.byID[blockID]
	for _, tx := range block.Transactions {
		if tx.ID == id {
			return tx, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memBlockStore) CommitBlock(block *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[block.ID] = block
	s.byHeight[block.Height] = block
	for _, tx := range block.Transactions {
		s.txIndex[tx.ID] = block.ID
	}
	s.tipID = block.ID
	s.height = block.Height
	return nil
}

func (s *memBlockStore) RemoveTip(block *Block, newTipID string, newHeight int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, block.ID)
	delete(s.byHeight, block.Height)
	for _, tx := range block.Transactions {
		delete(s.txIndex, tx.ID)
	}
	s.tipID = newTipID
	s.height = newHeight
	return nil
}

// stubExecutor is a no-op TxExecutor: the blockchain-processor tests in this
// file exercise header/fork/rescan plumbing, not transaction application,
// which is covered separately in the vm package's tests.
type stubExecutor struct{}

func (stubExecutor) ValidateTx(block *Block, tx *Transaction) error { return nil }
func (stubExecutor) ExecuteBlock(block *Block) error                { return nil }
func (stubExecutor) DuplicateKey(typ TxType, payload json.RawMessage) (string, bool) {
	return "", false
}

// memState is a minimal no-op core.State test double.
type memState struct{}

func (memState) GetAccount(address string) (*Account, error) { return &Account{Address: address}, nil }
func (memState) SetAccount(acc *Account) error                { return nil }
func (memState) GetAlias(name string) (*Alias, error)         { return nil, ErrNotFound }
func (memState) SetAlias(a *Alias) error                      { return nil }
func (memState) GetAsset(id string) (*Asset, error)           { return nil, ErrNotFound }
func (memState) SetAsset(a *Asset) error                      { return nil }
func (memState) GetAssetBalance(assetID, owner string) (*AssetBalance, error) {
	return &AssetBalance{AssetID: assetID, Owner: owner}, nil
}
func (memState) SetAssetBalance(b *AssetBalance) error     { return nil }
func (memState) GetListing(id string) (*DGSListing, error) { return nil, ErrNotFound }
func (memState) SetListing(l *DGSListing) error            { return nil }
func (memState) DeleteListing(id string) error              { return nil }
func (memState) GetSession(id string) (*Session, error)     { return nil, ErrNotFound }
func (memState) SetSession(s *Session) error                { return nil }
func (memState) Snapshot() (int, error)                     { return 0, nil }
func (memState) RevertToSnapshot(id int) error               { return nil }
func (memState) ComputeRoot() string                         { return "" }
func (memState) Commit(height int64) error                   { return nil }
func (memState) DerivedTables() []DerivedTable                { return nil }

func testGenesis(pub crypto.PublicKey) *Block {
	g := NewBlock(BlockVersion1, 0, "", "", pub.Hex(), 0, nil)
	g.CumulativeDifficulty = *ZeroDifficulty()
	g.ID = "genesis-test-id"
	return g
}

func newTestChain(t *testing.T, priv crypto.PrivateKey, pub crypto.PublicKey) *Blockchain {
	t.Helper()
	store := newMemBlockStore()
	bc := NewBlockchain(store, memState{}, stubExecutor{}, nil, BlockchainConfig{
		ChainID:                  "test-chain",
		AllowFakeForging:         []string{pub.Hex()},
		TransparentForgingHeight: 1_000_000,
		NQTHeight:                2_000_000,
		MaxRollback:              1440,
	})
	if err := bc.Bootstrap(testGenesis(pub)); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := bc.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return bc
}

func nextBlock(t *testing.T, priv crypto.PrivateKey, pub crypto.PublicKey, prev *Block, timestamp int64) *Block {
	t.Helper()
	b := NewBlock(BlockVersion1, prev.Height+1, prev.ID, "", pub.Hex(), timestamp, nil)
	b.CumulativeDifficulty = *prev.CumulativeDifficulty.Add(NewDifficulty(1))
	b.GenerationSignature = crypto.HexEncode(crypto.SignGenerationSignature(priv, []byte(prev.GenerationSignature)))
	b.Sign(priv)
	return b
}

func TestBlockchainBootstrapAndPushBlock(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bc := newTestChain(t, priv, pub)

	if bc.Height() != 0 {
		t.Fatalf("height after bootstrap: got %d want 0", bc.Height())
	}

	b1 := nextBlock(t, priv, pub, bc.Tip(), 1000)
	if err := bc.PushBlock(b1); err != nil {
		t.Fatalf("PushBlock: %v", err)
	}
	if bc.Height() != 1 {
		t.Errorf("height after push: got %d want 1", bc.Height())
	}
	if bc.Tip().ID != b1.ID {
		t.Error("tip should be the newly pushed block")
	}
}

func TestBlockchainRejectsStaleHeight(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bc := newTestChain(t, priv, pub)

	b1 := nextBlock(t, priv, pub, bc.Tip(), 1000)
	if err := bc.PushBlock(b1); err != nil {
		t.Fatalf("PushBlock: %v", err)
	}

	stale := nextBlock(t, priv, pub, bc.Tip(), 2000)
	stale.Height = 1
	stale.PreviousBlockID = bc.Tip().PreviousBlockID
	stale.Sign(priv)
	if err := bc.PushBlock(stale); err == nil {
		t.Error("pushing a block at an already-occupied height should fail")
	}
}

func TestBlockchainPopOffTo(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bc := newTestChain(t, priv, pub)

	b1 := nextBlock(t, priv, pub, bc.Tip(), 1000)
	if err := bc.PushBlock(b1); err != nil {
		t.Fatal(err)
	}
	b2 := nextBlock(t, priv, pub, bc.Tip(), 2000)
	if err := bc.PushBlock(b2); err != nil {
		t.Fatal(err)
	}

	popped, err := bc.PopOffTo(1)
	if err != nil {
		t.Fatalf("PopOffTo: %v", err)
	}
	if len(popped) != 1 || popped[0].ID != b2.ID {
		t.Errorf("expected exactly b2 popped, got %d blocks", len(popped))
	}
	if bc.Height() != 1 {
		t.Errorf("height after pop: got %d want 1", bc.Height())
	}
	if bc.Tip().ID != b1.ID {
		t.Error("tip should be b1 after popping b2")
	}
}

func TestBlockchainProcessForkAdoptsHeavierChain(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bc := newTestChain(t, priv, pub)

	b1 := nextBlock(t, priv, pub, bc.Tip(), 1000)
	if err := bc.PushBlock(b1); err != nil {
		t.Fatal(err)
	}

	// Build a two-block fork from genesis with strictly higher cumulative
	// difficulty than the current one-block tip.
	genesis := testGenesis(pub)
	fork1 := nextBlock(t, priv, pub, genesis, 1500)
	fork1.CumulativeDifficulty = *NewDifficulty(5)
	fork1.Sign(priv)
	fork2 := nextBlock(t, priv, pub, fork1, 2500)
	fork2.CumulativeDifficulty = *NewDifficulty(9)
	fork2.Sign(priv)

	if err := bc.ProcessFork(0, []*Block{fork1, fork2}); err != nil {
		t.Fatalf("ProcessFork: %v", err)
	}
	if bc.Height() != 2 {
		t.Errorf("height after fork adoption: got %d want 2", bc.Height())
	}
	if bc.Tip().ID != fork2.ID {
		t.Error("tip should be the heavier fork's last block")
	}
}

func TestBlockchainScanReplaysFromGenesis(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bc := newTestChain(t, priv, pub)

	b1 := nextBlock(t, priv, pub, bc.Tip(), 1000)
	if err := bc.PushBlock(b1); err != nil {
		t.Fatal(err)
	}
	b2 := nextBlock(t, priv, pub, bc.Tip(), 2000)
	if err := bc.PushBlock(b2); err != nil {
		t.Fatal(err)
	}

	if bc.IsScanning() {
		t.Error("should not be scanning before Scan is called")
	}
	if err := bc.FullReset(); err != nil {
		t.Fatalf("FullReset: %v", err)
	}
	if bc.Height() != 2 {
		t.Errorf("height after full rescan: got %d want 2", bc.Height())
	}
	if bc.Tip().ID != b2.ID {
		t.Error("tip should still be b2 after a full rescan replay")
	}
	if bc.IsScanning() {
		t.Error("should not be scanning once Scan returns")
	}
}
