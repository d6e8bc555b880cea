package dgs_test

import (
	"testing"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/internal/testutil"
	"github.com/duskchain/duskchain/storage"
	"github.com/duskchain/duskchain/vm"
	"github.com/duskchain/duskchain/wallet"

	_ "github.com/duskchain/duskchain/vm/modules/dgs"
)

func listGood(t *testing.T, exec *vm.Executor, seller *wallet.Wallet, price, qty uint64) (*core.Block, string) {
	t.Helper()
	tx, err := seller.NewTx("test-chain", core.TxDGSListing, 0, 0, 0, 1000, 0, core.DGSListingPayload{
		Name:        "potion",
		PriceNQT:    price,
		QuantityQNT: qty,
	})
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(core.BlockVersion1, 1, "genesis-id", "", seller.PubKey(), 1000, []*core.Transaction{tx})
	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("listing: %v", err)
	}
	return block, crypto.Hash([]byte(tx.ID + ":listing"))
}

func TestDGSPurchaseMovesBalanceAndReducesQuantity(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	seller, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	buyer, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: seller.PubKey()}); err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: buyer.PubKey(), Balance: 1000}); err != nil {
		t.Fatal(err)
	}

	block, listingID := listGood(t, exec, seller, 50, 10)

	purchaseTx, err := buyer.NewTx("test-chain", core.TxDGSPurchase, 0, 0, 0, 1000, 0, core.DGSPurchasePayload{
		ListingID:   listingID,
		QuantityQNT: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, purchaseTx); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	buyerAcc, err := state.GetAccount(buyer.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if buyerAcc.Balance != 800 {
		t.Errorf("buyer balance: got %d want 800", buyerAcc.Balance)
	}
	sellerAcc, err := state.GetAccount(seller.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if sellerAcc.Balance != 200 {
		t.Errorf("seller balance: got %d want 200", sellerAcc.Balance)
	}
	listing, err := state.GetListing(listingID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.QuantityQNT != 6 {
		t.Errorf("listing quantity: got %d want 6", listing.QuantityQNT)
	}
	if !listing.Active {
		t.Error("listing should still be active with quantity remaining")
	}
}

func TestDGSPurchaseRejectsSellerBuyingOwnListing(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	seller, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: seller.PubKey(), Balance: 1000}); err != nil {
		t.Fatal(err)
	}
	block, listingID := listGood(t, exec, seller, 50, 10)

	purchaseTx, err := seller.NewTx("test-chain", core.TxDGSPurchase, 1, 0, 0, 1000, 0, core.DGSPurchasePayload{
		ListingID:   listingID,
		QuantityQNT: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, purchaseTx); err == nil {
		t.Error("seller buying their own listing should fail")
	}
}

func TestDGSDelistingDeactivatesListing(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter())

	seller, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.SetAccount(&core.Account{Address: seller.PubKey()}); err != nil {
		t.Fatal(err)
	}
	block, listingID := listGood(t, exec, seller, 50, 10)

	delistTx, err := seller.NewTx("test-chain", core.TxDGSDelisting, 1, 0, 0, 1000, 0, core.DGSDelistingPayload{ListingID: listingID})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(block, delistTx); err != nil {
		t.Fatalf("delisting: %v", err)
	}

	listing, err := state.GetListing(listingID)
	if err != nil {
		t.Fatal(err)
	}
	if listing.Active {
		t.Error("listing should be inactive after delisting")
	}
}
