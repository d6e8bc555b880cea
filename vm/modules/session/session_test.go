package session_test

import (
	"testing"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/internal/testutil"
	"github.com/duskchain/duskchain/storage"
	"github.com/duskchain/duskchain/vm"
	"github.com/duskchain/duskchain/wallet"

	_ "github.com/duskchain/duskchain/vm/modules/session"
)

func TestSessionOpenLocksStakes(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	creator, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p1, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: creator.PubKey()}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: p1.PubKey(), Balance: 100}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: p2.PubKey(), Balance: 100}); err != nil {
		t.Fatal(err)
	}

	tx, err := creator.NewTx("test-chain", core.TxSessionOpen, 0, 0, 0, 1000, 0, core.SessionOpenPayload{
		SessionID: "match-1",
		GameID:    "chess",
		Players:   []string{p1.PubKey(), p2.PubKey()},
		Stakes:    50,
	})
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", creator.PubKey(), 1000, []*core.Transaction{tx})

	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	p1Acc, err := state.GetAccount(p1.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if p1Acc.Balance != 50 {
		t.Errorf("p1 balance after stake lock: got %d want 50", p1Acc.Balance)
	}

	sess, err := state.GetSession("match-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != "open" {
		t.Errorf("session status: got %q want open", sess.Status)
	}
}

func TestSessionResultDistributesOutcomeAndCloses(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	creator, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p1, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: creator.PubKey()}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: p1.PubKey(), Balance: 100}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: p2.PubKey(), Balance: 100}); err != nil {
		t.Fatal(err)
	}

	openTx, err := creator.NewTx("test-chain", core.TxSessionOpen, 0, 0, 0, 1000, 0, core.SessionOpenPayload{
		SessionID: "match-2",
		GameID:    "chess",
		Players:   []string{p1.PubKey(), p2.PubKey()},
		Stakes:    50,
	})
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", creator.PubKey(), 1000, nil)
	if err := exec.ExecuteTx(block, openTx); err != nil {
		t.Fatalf("open: %v", err)
	}

	resultTx, err := creator.NewTx("test-chain", core.TxSessionResult, 1, 0, 0, 1000, 0, core.SessionResultPayload{
		SessionID: "match-2",
		Outcome:   map[string]uint64{p1.PubKey(): 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, resultTx); err != nil {
		t.Fatalf("result: %v", err)
	}

	p1Acc, err := state.GetAccount(p1.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if p1Acc.Balance != 150 {
		t.Errorf("winner balance: got %d want 150 (50 left after staking + 100 reward)", p1Acc.Balance)
	}

	sess, err := state.GetSession("match-2")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != "closed" {
		t.Errorf("session status: got %q want closed", sess.Status)
	}
}

func TestSessionOpenRejectsDuplicateSessionID(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	creator, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	p1, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: creator.PubKey()}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: p1.PubKey()}); err != nil {
		t.Fatal(err)
	}

	payload := core.SessionOpenPayload{SessionID: "match-3", GameID: "chess", Players: []string{p1.PubKey()}}
	tx1, err := creator.NewTx("test-chain", core.TxSessionOpen, 0, 0, 0, 1000, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", creator.PubKey(), 1000, nil)
	if err := exec.ExecuteTx(block, tx1); err != nil {
		t.Fatalf("first open: %v", err)
	}

	tx2, err := creator.NewTx("test-chain", core.TxSessionOpen, 1, 0, 0, 1000, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, tx2); err == nil {
		t.Error("opening a session with an already-used session id should fail")
	}
}
