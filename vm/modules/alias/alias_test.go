package alias_test

import (
	"testing"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/internal/testutil"
	"github.com/duskchain/duskchain/storage"
	"github.com/duskchain/duskchain/vm"
	"github.com/duskchain/duskchain/wallet"

	_ "github.com/duskchain/duskchain/vm/modules/alias"
)

func TestAliasAssignmentClaimsName(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: w.PubKey(), Balance: 100}); err != nil {
		t.Fatal(err)
	}

	tx, err := w.NewTx("test-chain", core.TxAliasAssignment, 0, 0, 0, 1000, 0, core.AliasAssignmentPayload{Name: "bob", URI: "https://example.test"})
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", w.PubKey(), 1000, []*core.Transaction{tx})

	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	a, err := state.GetAlias("bob")
	if err != nil {
		t.Fatal(err)
	}
	if a.Owner != w.PubKey() {
		t.Errorf("owner: got %s want %s", a.Owner, w.PubKey())
	}
}

func TestAliasAssignmentRejectsNameOwnedByAnotherAccount(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	first, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: first.PubKey()}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: second.PubKey()}); err != nil {
		t.Fatal(err)
	}

	tx1, err := first.NewTx("test-chain", core.TxAliasAssignment, 0, 0, 0, 1000, 0, core.AliasAssignmentPayload{Name: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", first.PubKey(), 1000, nil)
	if err := exec.ExecuteTx(block, tx1); err != nil {
		t.Fatalf("first assignment: %v", err)
	}

	tx2, err := second.NewTx("test-chain", core.TxAliasAssignment, 0, 0, 0, 1000, 0, core.AliasAssignmentPayload{Name: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, tx2); err == nil {
		t.Error("claiming a name already owned by another account should fail")
	}
}
