package core

import (
	"testing"

	"github.com/duskchain/duskchain/crypto"
)

func TestBlockSignAndVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := NewBlock(BlockVersion1, 1, "genesis-id", "", pub.Hex(), 1000, nil)
	block.GenerationSignature = crypto.HexEncode(crypto.SignGenerationSignature(priv, []byte("prev")))
	block.CumulativeDifficulty = *ZeroDifficulty()
	block.Sign(priv)

	if block.ID == "" {
		t.Error("ID should be set after signing")
	}
	if err := block.VerifyBlockSignature(pub); err != nil {
		t.Errorf("VerifyBlockSignature failed: %v", err)
	}
	if err := block.VerifyIntegrity(); err != nil {
		t.Errorf("VerifyIntegrity failed: %v", err)
	}
}

func TestBlockVerifyIntegrityCatchesPayloadTamper(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tx := newSignedTx(t, priv, TxPayment, 0, 10, 1, PaymentPayload{To: "aa"})
	extra := newSignedTx(t, priv, TxPayment, 1, 5, 1, PaymentPayload{To: "bb"})
	block := NewBlock(BlockVersion1, 1, "genesis-id", "", pub.Hex(), 1000, []*Transaction{tx})
	block.GenerationSignature = crypto.HexEncode(crypto.SignGenerationSignature(priv, []byte("prev")))
	block.Sign(priv)

	block.Transactions = append(block.Transactions, extra)
	if err := block.VerifyIntegrity(); err == nil {
		t.Error("VerifyIntegrity should fail once the transaction list diverges from PayloadHash/PayloadLength")
	}
}

func TestExpectedVersionSchedule(t *testing.T) {
	cases := []struct {
		prevHeight, transparent, nqt int64
		want                         int
	}{
		{0, 10, 20, BlockVersion1},
		{9, 10, 20, BlockVersion1},
		{10, 10, 20, BlockVersion2},
		{19, 10, 20, BlockVersion2},
		{20, 10, 20, BlockVersion3},
		{1000, 10, 20, BlockVersion3},
	}
	for _, c := range cases {
		if got := ExpectedVersion(c.prevHeight, c.transparent, c.nqt); got != c.want {
			t.Errorf("ExpectedVersion(%d, %d, %d): got %d want %d", c.prevHeight, c.transparent, c.nqt, got, c.want)
		}
	}
}

func TestDifficultyAddAndCmp(t *testing.T) {
	a := NewDifficulty(5)
	b := NewDifficulty(3)
	sum := a.Add(b)
	if sum.Cmp(NewDifficulty(8)) != 0 {
		t.Errorf("5+3 difficulty mismatch: got %s", sum.String())
	}
	if a.Cmp(b) <= 0 {
		t.Error("5 should compare greater than 3")
	}
}
