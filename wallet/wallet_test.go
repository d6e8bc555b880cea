package wallet

import (
	"testing"

	"github.com/duskchain/duskchain/core"
)

func TestWalletPaymentSignsAndVerifies(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	tx, err := w.Payment("test-chain", "deadbeef", 100, 0, 1, 1000, 0)
	if err != nil {
		t.Fatalf("Payment: %v", err)
	}
	if tx.From != w.PubKey() {
		t.Errorf("From: got %s want %s", tx.From, w.PubKey())
	}
	if tx.Type != core.TxPayment {
		t.Errorf("Type: got %v want TxPayment", tx.Type)
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestWalletAddressDerivedFromPubKey(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Address()) != 40 {
		t.Errorf("address length: got %d want 40", len(w.Address()))
	}
	if w.PubKey() != w.PrivKey().Public().Hex() {
		t.Error("PubKey should match the derived public key hex")
	}
}
