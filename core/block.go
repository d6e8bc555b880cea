package core

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/duskchain/duskchain/crypto"
)

// Block versions gate the wire layout and the generation-signature scheme.
// Version 1 carries a 64-byte raw-signature generation signature; version 2
// introduces PreviousBlockHash and a 32-byte hashed generation signature;
// version 3 is the steady-state NQT-era layout (spec §3, §4.1 step 2).
const (
	BlockVersion1 = 1
	BlockVersion2 = 2
	BlockVersion3 = 3
)

// Block is the chain's unit of commitment. It is immutable once accepted:
// fields are only read after PushBlock/Accept populate them, and a block is
// never mutated in place — popping it off re-queues its transactions and
// discards the block value (spec §3 "Lifecycles").
type Block struct {
	Version              int            `json:"version"`
	Timestamp            int64          `json:"timestamp"` // seconds since epoch anchor
	PreviousBlockID      string         `json:"previous_block_id"`
	PreviousBlockHash    string         `json:"previous_block_hash,omitempty"` // hex sha256, v>=2 only
	GeneratorPublicKey   string         `json:"generator_public_key"`          // hex
	GenerationSignature  string         `json:"generation_signature"`          // hex; v1: 64B sig, v>=2: 32B hash
	BlockSignature       string         `json:"block_signature"`               // hex ed25519 sig, empty until Sign
	PayloadHash          string         `json:"payload_hash"`                  // hex sha256 of concatenated tx bytes
	TotalAmount          uint64         `json:"total_amount"`
	TotalFee             uint64         `json:"total_fee"`
	PayloadLength        int            `json:"payload_length"`
	CumulativeDifficulty Difficulty     `json:"cumulative_difficulty"`
	Height               int64          `json:"height"`
	Transactions         []*Transaction `json:"transactions"`

	// ID is the block's identity, a hash of the fully signed bytes. Never
	// recomputed once the block is accepted; genesis's ID is hard-coded
	// (spec §9 "Genesis uniqueness").
	ID string `json:"id"`
}

// ExpectedVersion returns the block version that must follow a block at
// previousHeight, per spec §4.1 step 2.
func ExpectedVersion(previousHeight, transparentForgingHeight, nqtHeight int64) int {
	switch {
	case previousHeight < transparentForgingHeight:
		return BlockVersion1
	case previousHeight < nqtHeight:
		return BlockVersion2
	default:
		return BlockVersion3
	}
}

// unsignedBytes returns the canonical little-endian layout of the block
// header up to (but not including) the block signature (spec §6). It is the
// message signed by Sign and checked by VerifyBlockSignature.
func (b *Block) unsignedBytes() []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(b.Version))
	buf.Write(u32[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(b.Timestamp))
	buf.Write(u64[:])
	writeHexField(&buf, b.PreviousBlockID, 32)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.Transactions)))
	buf.Write(u32[:])
	binary.LittleEndian.PutUint64(u64[:], b.TotalAmount)
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], b.TotalFee)
	buf.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(b.PayloadLength))
	buf.Write(u32[:])
	writeHexField(&buf, b.PayloadHash, 32)
	writeHexField(&buf, b.GeneratorPublicKey, 32)
	if b.Version == BlockVersion1 {
		writeHexField(&buf, b.GenerationSignature, 64)
	} else {
		writeHexField(&buf, b.GenerationSignature, 32)
		writeHexField(&buf, b.PreviousBlockHash, 32)
	}
	return buf.Bytes()
}

// writeHexField writes the decoded bytes of hexStr, zero-padded/truncated to
// width bytes, so the layout has a fixed size regardless of input length.
func writeHexField(buf *bytes.Buffer, hexStr string, width int) {
	raw, _ := hex.DecodeString(hexStr)
	fixed := make([]byte, width)
	copy(fixed, raw)
	buf.Write(fixed)
}

// Bytes returns the full canonical layout including the block signature,
// used to derive the block id and the previous-block-hash of descendants.
func (b *Block) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(b.unsignedBytes())
	writeHexField(&buf, b.BlockSignature, 64)
	return buf.Bytes()
}

// Sign signs the unsigned bytes with priv, setting BlockSignature, then
// derives ID from the fully signed bytes.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.BlockSignature = crypto.Sign(priv, b.unsignedBytes())
	b.ID = crypto.Hash(b.Bytes())
}

// VerifyBlockSignature checks the block signature against the unsigned
// bytes using the generator's public key (spec §4.1 step 8).
func (b *Block) VerifyBlockSignature(pub crypto.PublicKey) error {
	return crypto.Verify(pub, b.unsignedBytes(), b.BlockSignature)
}

// VerifyIntegrity checks the structural properties independent of the
// generator signature: payload hash and payload length consistency (spec
// §4.1 step 5 "payload hash/length correctness").
func (b *Block) VerifyIntegrity() error {
	if got := ComputePayloadHash(b.Transactions); got != b.PayloadHash {
		return fmt.Errorf("payload hash mismatch: stored %s computed %s", b.PayloadHash, got)
	}
	if got := sumTxBytes(b.Transactions); got != b.PayloadLength {
		return fmt.Errorf("payload length mismatch: stored %d computed %d", b.PayloadLength, got)
	}
	return nil
}

// ComputePayloadHash returns SHA-256 of the concatenated canonical
// transaction bytes in block order (spec §3 "payload hash").
func ComputePayloadHash(txs []*Transaction) string {
	var buf bytes.Buffer
	for _, tx := range txs {
		buf.Write(tx.Bytes())
	}
	return crypto.Hash(buf.Bytes())
}

// NewBlock assembles an unsigned candidate block. Generation signature and
// cumulative difficulty are set by the caller (the generator or the genesis
// bootstrap) before Sign is called.
func NewBlock(version int, height int64, previousBlockID, previousBlockHash, generatorPublicKey string, timestamp int64, txs []*Transaction) *Block {
	var amount, fee uint64
	for _, tx := range txs {
		amount += tx.Amount
		fee += tx.Fee
	}
	return &Block{
		Version:            version,
		Timestamp:          timestamp,
		PreviousBlockID:    previousBlockID,
		PreviousBlockHash:  previousBlockHash,
		GeneratorPublicKey: generatorPublicKey,
		TotalAmount:        amount,
		TotalFee:           fee,
		PayloadLength:      sumTxBytes(txs),
		PayloadHash:        ComputePayloadHash(txs),
		Height:             height,
		Transactions:       txs,
	}
}

func sumTxBytes(txs []*Transaction) int {
	n := 0
	for _, tx := range txs {
		n += len(tx.Bytes())
	}
	return n
}

// UnmarshalBlockJSON decodes a block from JSON, named so callers doing
// byte-round-trip checks (spec invariant #9) have an obvious place to look.
func UnmarshalBlockJSON(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &b, nil
}
