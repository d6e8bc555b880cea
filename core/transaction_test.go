package core

import (
	"encoding/json"
	"testing"

	"github.com/duskchain/duskchain/crypto"
)

func newSignedTx(t *testing.T, priv crypto.PrivateKey, typ TxType, nonce, amount, fee uint64, payload any) *Transaction {
	t.Helper()
	tx, err := NewTransaction("test-chain", typ, priv.Public().Hex(), nonce, amount, fee, 1000, 0, payload)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Sign(priv)
	return tx
}

func TestTransactionSignVerify(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newSignedTx(t, priv, TxPayment, 0, 100, 1, PaymentPayload{To: "deadbeef"})
	if tx.ID == "" {
		t.Error("tx ID should be set after signing")
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	tx.Fee = 999
	if err := tx.Verify(); err == nil {
		t.Error("tampered tx should fail verification")
	}
}

func TestTransactionBytesRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newSignedTx(t, priv, TxPayment, 3, 50, 2, PaymentPayload{To: "aabb"})

	parsed, err := ParseTransactionBytes(tx.Bytes())
	if err != nil {
		t.Fatalf("ParseTransactionBytes: %v", err)
	}
	if parsed.From != tx.From || parsed.Nonce != tx.Nonce || parsed.Amount != tx.Amount {
		t.Errorf("round-tripped transaction fields differ: got %+v want matching %+v", parsed, tx)
	}
}

func TestFullHashIncludesSignature(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newSignedTx(t, priv, TxPayment, 0, 1, 0, PaymentPayload{To: "aa"})
	h1 := tx.FullHash()
	tx.Signature = tx.Signature[:len(tx.Signature)-2] + "00"
	h2 := tx.FullHash()
	if h1 == h2 {
		t.Error("FullHash should change when the signature bytes change")
	}
}

func TestNewTransactionMarshalsPayload(t *testing.T) {
	tx, err := NewTransaction("test-chain", TxAliasAssignment, "pub", 0, 0, 0, 1, 0, AliasAssignmentPayload{Name: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	var p AliasAssignmentPayload
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Name != "bob" {
		t.Errorf("payload name: got %q want %q", p.Name, "bob")
	}
}
