// Package consensus implements proof-of-stake block generation and the
// forger-side half of the protocol: computing generation signatures,
// checking forging eligibility against effective balance, and building
// candidate blocks for the processor to validate and accept.
package consensus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/duskchain/duskchain/config"
	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/vm"
)

// blockTimeTargetSeconds is the NXT-style target spacing between blocks.
// Nothing reads it: neither the forging eligibility computation nor the
// accept path (see core.Blockchain.PushBlock, which only checks that the
// generation signature itself is valid or the generator is allow-listed).
const blockTimeTargetSeconds = 60

// hitScale keeps the eligibility window sane for small test networks where
// effective balance is a handful of NQT rather than millions.
const hitScale = 1 << 24

// PoS is the proof-of-stake forging engine for the local node's key.
type PoS struct {
	cfg     *config.Config
	bc      *core.Blockchain
	state   core.State
	mempool *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	privKey crypto.PrivateKey
	pubKey  crypto.PublicKey
}

// New creates a forging engine for the local node identified by privKey.
func New(
	cfg *config.Config,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
) *PoS {
	return &PoS{
		cfg:     cfg,
		bc:      bc,
		state:   state,
		mempool: mempool,
		exec:    exec,
		emitter: emitter,
		privKey: privKey,
		pubKey:  privKey.Public(),
	}
}

// allowsFakeForging reports whether the local key is exempt from
// generation-signature eligibility checks, per the node's configuration.
func (p *PoS) allowsFakeForging() bool {
	self := p.pubKey.Hex()
	for _, k := range p.cfg.AllowFakeForging {
		if k == self {
			return true
		}
	}
	return false
}

// effectiveBalance is the forger's stake weight. The teacher network has no
// multi-thousand-block lookback for stake maturity, so the account's current
// balance is used directly.
func (p *PoS) effectiveBalance() (uint64, error) {
	acc, err := p.state.GetAccount(p.pubKey.Hex())
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// genSigHash returns the deterministic generation-signature hash for the
// next block built on top of tip, for the local node's public key.
func genSigHash(tip *core.Block, pub crypto.PublicKey) []byte {
	prevGenSig, err := hex.DecodeString(tip.GenerationSignature)
	if err != nil {
		prevGenSig = []byte(tip.GenerationSignature)
	}
	return crypto.GenerationSignatureHash(prevGenSig, pub)
}

// hit computes the proof-of-stake pseudo-random eligibility value for a
// candidate forger on top of tip.
func hit(tip *core.Block, pub crypto.PublicKey) *big.Int {
	return crypto.Hit(genSigHash(tip, pub))
}

// requiredElapsed returns how long, in seconds, must pass since tip before
// this forger becomes eligible. Lower stake and a larger hit both push the
// eligible time further out, mirroring the inverse relationship NXT-style
// networks use between stake, randomness and forging turn.
func requiredElapsed(h *big.Int, effBalance uint64) int64 {
	denom := new(big.Int).SetUint64(effBalance + 1)
	denom.Mul(denom, big.NewInt(hitScale))
	target := new(big.Int).Div(h, denom)
	if !target.IsInt64() {
		return int64(^uint64(0) >> 1) // effectively never, for absurdly large hits
	}
	return target.Int64()
}

// CanForge reports whether this node is currently eligible to produce the
// next block, given the present wall-clock time.
func (p *PoS) CanForge(now int64) (bool, error) {
	tip := p.bc.Tip()
	if tip == nil {
		return true, nil // only genesis bootstrap precedes this, handled separately
	}
	if p.allowsFakeForging() {
		return now > tip.Timestamp, nil
	}
	bal, err := p.effectiveBalance()
	if err != nil {
		return false, err
	}
	if bal == 0 {
		return false, nil
	}
	h := hit(tip, p.pubKey)
	elapsed := now - tip.Timestamp
	return elapsed >= requiredElapsed(h, bal), nil
}

// selectTransactions gathers pending transactions that fit the per-block
// payload and count limits, in ascending (id, timestamp) order, matching
// the ordering the validator recomputes the payload hash over.
//
// Two passes precede the greedy pack (spec §4.5): first, candidates whose
// referenced-transaction chain is not yet resolvable are set aside rather
// than selected — including one in the block would only earn the same
// KindNotCurrentlyValid rejection PushBlock already gave it, and unlike a
// flatly invalid transaction this one carries no offending Tx for
// ProduceBlock to evict, so without this filter it would be re-selected and
// re-rejected on every tick (a permanent forging stall). Second, a
// fixed-point loop attempts every remaining candidate against the same
// per-transaction rules PushBlock enforces; a transaction that cannot be
// included yet (budget exhausted, version mismatch, an intra-block
// duplicate-key collision, still not-currently-valid) is skipped for this
// round, while one that fails for any other reason is dropped from the
// mempool outright. The loop repeats because dropping or admitting one
// candidate can change whether a later one in the same pass collides.
func (p *PoS) selectTransactions(prevHeight int64) []*core.Transaction {
	limit := p.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = 500
	}
	maxPayload := p.cfg.MaxPayloadLength
	if maxPayload <= 0 {
		maxPayload = 128 * 1024
	}
	now := time.Now().Unix()

	candidates := p.mempool.Pending(limit * 4)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ID != candidates[j].ID {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].Timestamp < candidates[j].Timestamp
	})

	expectedVersion := core.ExpectedVersion(prevHeight, p.cfg.TransparentForgingHeight, p.cfg.NQTHeight)

	pending := make([]*core.Transaction, 0, len(candidates))
	for _, tx := range candidates {
		if p.bc.ReferencedChainSatisfied(tx) {
			pending = append(pending, tx)
		}
	}

	selected := make([]*core.Transaction, 0, limit)
	var toRemove []string
	payloadLen := 0
	tracker := core.NewDuplicateTracker()

	for {
		progressed := false
		remaining := pending[:0]
		for _, tx := range pending {
			if len(selected) >= limit {
				remaining = append(remaining, tx)
				continue
			}
			if tx.Version != expectedVersion {
				remaining = append(remaining, tx)
				continue
			}
			txLen := len(tx.Bytes())
			if payloadLen+txLen > maxPayload {
				remaining = append(remaining, tx)
				continue
			}
			if err := p.bc.ValidateCandidateTx(tx, now); err != nil {
				if kind, ok := core.KindOf(err); ok && kind == core.KindNotCurrentlyValid {
					remaining = append(remaining, tx)
					continue
				}
				toRemove = append(toRemove, tx.ID)
				continue
			}
			if key, participates := p.exec.DuplicateKey(tx.Type, tx.Payload); participates {
				if !tracker.Check(tx.Type.String(), key) {
					remaining = append(remaining, tx) // collides within this round; retry next round
					continue
				}
			}
			selected = append(selected, tx)
			payloadLen += txLen
			progressed = true
		}
		pending = remaining
		if !progressed {
			break
		}
	}

	if len(toRemove) > 0 {
		p.mempool.Remove(toRemove)
	}
	return selected
}

// ProduceBlock builds, signs and submits the next block for validation and
// acceptance by the chain processor.
func (p *PoS) ProduceBlock(now int64) (*core.Block, error) {
	tip := p.bc.Tip()
	if tip == nil {
		return nil, errors.New("no tip: genesis must be bootstrapped first")
	}

	ok, err := p.CanForge(now)
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}
	if !ok {
		return nil, errors.New("not eligible to forge yet")
	}

	nextHeight := tip.Height + 1
	version := core.ExpectedVersion(tip.Height, p.cfg.TransparentForgingHeight, p.cfg.NQTHeight)
	txs := p.selectTransactions(tip.Height)

	var prevBlockHash string
	if version >= core.BlockVersion2 {
		prevBlockHash = crypto.Hash(tip.Bytes())
	}

	block := core.NewBlock(version, nextHeight, tip.ID, prevBlockHash, p.pubKey.Hex(), now, txs)

	prevGenSig, err := hex.DecodeString(tip.GenerationSignature)
	if err != nil {
		prevGenSig = []byte(tip.GenerationSignature)
	}
	if version == core.BlockVersion1 {
		block.GenerationSignature = crypto.HexEncode(crypto.SignGenerationSignature(p.privKey, prevGenSig))
	} else {
		block.GenerationSignature = crypto.HexEncode(crypto.GenerationSignatureHash(prevGenSig, p.pubKey))
	}

	block.CumulativeDifficulty = *tip.CumulativeDifficulty.Add(weightFor(p))

	block.Sign(p.privKey)

	if err := p.bc.PushBlock(block); err != nil {
		if tx, ok := offendingTx(err); ok {
			p.mempool.Remove([]string{tx.ID})
		}
		return nil, fmt.Errorf("push generated block: %w", err)
	}

	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}
	p.mempool.Remove(txIDs)

	if p.emitter != nil {
		_ = p.emitter.Emit(events.Event{
			Type:        events.EventBlockGenerated,
			BlockID:     block.ID,
			BlockHeight: block.Height,
			Data:        map[string]any{"tx_count": len(txs)},
		})
	}

	return block, nil
}

// weightFor returns this forger's contribution to cumulative difficulty:
// its current stake, so that difficulty strictly increases with every
// accepted block produced by a forger holding positive balance.
func weightFor(p *PoS) *core.Difficulty {
	bal, err := p.effectiveBalance()
	if err != nil || bal == 0 {
		bal = 1
	}
	w := core.ZeroDifficulty()
	w.Int.SetUint64(bal)
	return w
}

// offendingTx extracts the transaction named by a KindTransactionNotAccepted
// error, so ProduceBlock can drop it from the pool before retrying.
func offendingTx(err error) (*core.Transaction, bool) {
	var pe *core.ProcessingError
	if errors.As(err, &pe) && pe.Tx != nil {
		return pe.Tx, true
	}
	return nil, false
}

// Run starts the forging loop, attempting to produce a block once per
// interval tick until done is closed.
func (p *PoS) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case t := <-ticker.C:
			block, err := p.ProduceBlock(t.Unix())
			if err != nil {
				continue
			}
			log.Printf("[consensus] forged block height=%d id=%s", block.Height, block.ID)
		}
	}
}
