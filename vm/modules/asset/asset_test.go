package asset_test

import (
	"testing"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/internal/testutil"
	"github.com/duskchain/duskchain/storage"
	"github.com/duskchain/duskchain/vm"
	"github.com/duskchain/duskchain/wallet"

	_ "github.com/duskchain/duskchain/vm/modules/asset"
)

// issueAsset applies an issuance transaction and returns the block used plus
// the asset ID, computed the same way applyIssuance derives it.
func issueAsset(t *testing.T, exec *vm.Executor, issuer *wallet.Wallet, qty uint64) (*core.Block, string) {
	t.Helper()
	tx, err := issuer.NewTx("test-chain", core.TxAssetIssuance, 0, 0, 0, 1000, 0, core.AssetIssuancePayload{
		Name:        "gold",
		QuantityQNT: qty,
		Decimals:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", issuer.PubKey(), 1000, []*core.Transaction{tx})
	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("issuance: %v", err)
	}
	return block, crypto.Hash([]byte(tx.ID + ":asset"))
}

func TestAssetIssuanceTransferAndDelete(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	issuer, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	recipient, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: issuer.PubKey()}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: recipient.PubKey()}); err != nil {
		t.Fatal(err)
	}

	block, assetID := issueAsset(t, exec, issuer, 1000)

	transferTx, err := issuer.NewTx("test-chain", core.TxAssetTransfer, 1, 0, 0, 1000, 0, core.AssetTransferPayload{
		AssetID:     assetID,
		To:          recipient.PubKey(),
		QuantityQNT: 400,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, transferTx); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	issuerBal, err := state.GetAssetBalance(assetID, issuer.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if issuerBal.QuantityQNT != 600 {
		t.Errorf("issuer balance: got %d want 600", issuerBal.QuantityQNT)
	}
	recipientBal, err := state.GetAssetBalance(assetID, recipient.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if recipientBal.QuantityQNT != 400 {
		t.Errorf("recipient balance: got %d want 400", recipientBal.QuantityQNT)
	}

	deleteTx, err := issuer.NewTx("test-chain", core.TxAssetDelete, 2, 0, 0, 1000, 0, core.AssetDeletePayload{
		AssetID:     assetID,
		QuantityQNT: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, deleteTx); err != nil {
		t.Fatalf("delete: %v", err)
	}

	issuerBal, err = state.GetAssetBalance(assetID, issuer.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if issuerBal.QuantityQNT != 500 {
		t.Errorf("issuer balance after delete: got %d want 500", issuerBal.QuantityQNT)
	}
	asset, err := state.GetAsset(assetID)
	if err != nil {
		t.Fatal(err)
	}
	if asset.QuantityQNT != 900 {
		t.Errorf("asset total supply after delete: got %d want 900", asset.QuantityQNT)
	}
}

func TestAssetTransferRejectsInsufficientBalance(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	issuer, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: issuer.PubKey()}); err != nil {
		t.Fatal(err)
	}
	block, assetID := issueAsset(t, exec, issuer, 10)

	transferTx, err := issuer.NewTx("test-chain", core.TxAssetTransfer, 1, 0, 0, 1000, 0, core.AssetTransferPayload{
		AssetID:     assetID,
		To:          "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		QuantityQNT: 999,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, transferTx); err == nil {
		t.Error("transferring more than held should fail")
	}
}
