package vm_test

import (
	"testing"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/internal/testutil"
	"github.com/duskchain/duskchain/storage"
	"github.com/duskchain/duskchain/vm"
	"github.com/duskchain/duskchain/wallet"

	_ "github.com/duskchain/duskchain/vm/modules/payment"
)

func newExecutor(t *testing.T) (*vm.Executor, core.State) {
	t.Helper()
	state := storage.NewStateDB(testutil.NewMemDB())
	return vm.NewExecutor(state, events.NewEmitter()), state
}

func TestExecutorPaymentMovesBalance(t *testing.T) {
	exec, state := newExecutor(t)

	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: sender.PubKey(), Balance: 1000}); err != nil {
		t.Fatal(err)
	}

	tx, err := sender.Payment("test-chain", receiver.PubKey(), 300, 0, 0, 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", sender.PubKey(), 1000, []*core.Transaction{tx})

	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	senderAcc, err := state.GetAccount(sender.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if senderAcc.Balance != 700 {
		t.Errorf("sender balance: got %d want 700", senderAcc.Balance)
	}
	receiverAcc, err := state.GetAccount(receiver.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if receiverAcc.Balance != 300 {
		t.Errorf("receiver balance: got %d want 300", receiverAcc.Balance)
	}
}

func TestExecutorRejectsInsufficientBalance(t *testing.T) {
	exec, state := newExecutor(t)

	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: sender.PubKey(), Balance: 10}); err != nil {
		t.Fatal(err)
	}

	tx, err := sender.Payment("test-chain", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", 300, 0, 0, 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", sender.PubKey(), 1000, []*core.Transaction{tx})

	if err := exec.ExecuteTx(block, tx); err == nil {
		t.Error("payment exceeding balance should fail")
	}
}

func TestExecutorRejectsNonceReplay(t *testing.T) {
	exec, state := newExecutor(t)

	sender, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: sender.PubKey(), Balance: 1000}); err != nil {
		t.Fatal(err)
	}

	tx, err := sender.Payment("test-chain", receiver.PubKey(), 1, 0, 0, 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", sender.PubKey(), 1000, nil)

	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if err := exec.ExecuteTx(block, tx); err == nil {
		t.Error("replaying the same tx after its nonce was consumed should be rejected")
	}
}
