package core

import (
	"testing"

	"github.com/duskchain/duskchain/crypto"
)

func TestMempoolAddGetRemove(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	mp := NewMempool()
	tx := newSignedTx(t, priv, TxPayment, 0, 1, 0, PaymentPayload{To: "aa"})

	if err := mp.Add(tx, 1000); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if mp.Size() != 1 {
		t.Errorf("size: got %d want 1", mp.Size())
	}
	if err := mp.Add(tx, 1000); err == nil {
		t.Error("adding duplicate tx should fail")
	}

	got, ok := mp.Get(tx.ID)
	if !ok || got.ID != tx.ID {
		t.Error("Get should return the added transaction")
	}

	pending := mp.Pending(10)
	if len(pending) != 1 {
		t.Errorf("pending: got %d want 1", len(pending))
	}

	mp.Remove([]string{tx.ID})
	if mp.Size() != 0 {
		t.Error("pool should be empty after remove")
	}
}

func TestMempoolRejectsFutureTimestamp(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx, err := NewTransaction("test-chain", TxPayment, priv.Public().Hex(), 0, 1, 0, 10_000, 0, PaymentPayload{To: "aa"})
	if err != nil {
		t.Fatal(err)
	}
	tx.Sign(priv)

	mp := NewMempool()
	if err := mp.Add(tx, 0); err == nil {
		t.Error("transaction timestamped far in the future should be rejected")
	}
}

func TestMempoolDeferForRetry(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	mp := NewMempool()
	tx := newSignedTx(t, priv, TxPayment, 0, 1, 0, PaymentPayload{To: "aa"})

	mp.DeferForRetry(tx)
	if mp.LaterLen() != 1 {
		t.Errorf("LaterLen: got %d want 1", mp.LaterLen())
	}
	drained := mp.DrainLater()
	if len(drained) != 1 || drained[0].ID != tx.ID {
		t.Error("DrainLater should return the deferred transaction")
	}
	if mp.LaterLen() != 0 {
		t.Error("LaterLen should be 0 after draining")
	}
}
