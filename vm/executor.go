package vm

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
)

// Context is passed to every module phase and provides access to the chain
// state, the current block, the triggering transaction, and the event
// emitter.
type Context struct {
	State   core.State
	Block   *core.Block
	Tx      *core.Transaction
	Emitter *events.Emitter
}

// Executor drives a transaction through the three registry phases. Splitting
// validate/apply-unconfirmed/apply-confirmed (rather than the teacher's
// single Execute step) is what lets the block validator check a
// transaction's legality before committing to it (spec §4.1 steps 9 and
// 11). ApplyUnconfirmed is exposed but has no caller: neither mempool
// admission nor block processing reserves balances through it.
type Executor struct {
	state    core.State
	emitter  *events.Emitter
	registry *Registry
}

// NewExecutor creates an Executor with the given state and event emitter,
// dispatching through the global module registry.
func NewExecutor(state core.State, emitter *events.Emitter) *Executor {
	return &Executor{state: state, emitter: emitter, registry: globalRegistry}
}

// ValidateTx checks a transaction is well-formed and currently acceptable
// against state, without mutating it (spec §4.1 step 9). Returns a
// *core.ProcessingError so callers can distinguish a permanent rejection
// from one that might succeed once a dependency lands (KindNotCurrentlyValid).
func (e *Executor) ValidateTx(block *core.Block, tx *core.Transaction) error {
	if err := tx.Verify(); err != nil {
		return core.NewTxNotAccepted(tx, "signature: %v", err)
	}
	if block != nil && tx.Expiration != 0 && block.Timestamp > tx.Expiration {
		return core.NewTxNotAccepted(tx, "expired at %d (block timestamp %d)", tx.Expiration, block.Timestamp)
	}
	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return core.NewProcErrWrap(core.KindNotCurrentlyValid, err, "load account %s", tx.From)
	}
	if acc.Balance < tx.Fee+tx.Amount {
		return core.NewTxNotAccepted(tx, "insufficient balance: have %d need %d", acc.Balance, tx.Fee+tx.Amount)
	}
	ctx := &Context{State: e.state, Block: block, Tx: tx, Emitter: e.emitter}
	if err := e.registry.Validate(tx.Type, ctx, tx.Payload); err != nil {
		return core.NewTxNotAccepted(tx, "%v", err)
	}
	return nil
}

// ApplyUnconfirmed reserves whatever tx will consume, within a snapshot that
// is reverted regardless of outcome, so it never commits state and only
// answers "would this double-spend". A false return means reject.
func (e *Executor) ApplyUnconfirmed(tx *core.Transaction) (bool, error) {
	snapID, err := e.state.Snapshot()
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	defer func() { _ = e.state.RevertToSnapshot(snapID) }()

	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return false, fmt.Errorf("get account: %w", err)
	}
	if acc.Balance < tx.Fee+tx.Amount {
		return false, nil
	}
	ctx := &Context{State: e.state, Tx: tx, Emitter: e.emitter}
	return e.registry.ApplyUnconfirmed(tx.Type, ctx, tx.Payload)
}

// ExecuteBlock applies every transaction in block sequentially. A failing
// transaction causes the whole block to be rejected; the caller is
// responsible for discarding any state changes made by earlier transactions
// in the same block (the chain processor does this by operating on a
// snapshot of the whole block, not per-tx, once all txs have been applied).
func (e *Executor) ExecuteBlock(block *core.Block) error {
	for _, tx := range block.Transactions {
		if err := e.ExecuteTx(block, tx); err != nil {
			return fmt.Errorf("tx %s failed: %w", tx.ID, err)
		}
	}
	return nil
}

// ExecuteTx verifies and confirms a single transaction with snapshot/revert
// on failure (spec §4.1 step 11, "Accept").
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) error {
	if err := e.ValidateTx(block, tx); err != nil {
		return err
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if err := e.applyConfirmed(block, tx); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr)
		}
		return err
	}

	if e.emitter != nil {
		if err := e.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        tx.ID,
			BlockHeight: block.Height,
			Data:        map[string]any{"type": tx.Type.String(), "from": tx.From},
		}); err != nil {
			if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
				return fmt.Errorf("listener rejected tx: %w (revert: %v)", err, revertErr)
			}
			return fmt.Errorf("listener rejected tx: %w", err)
		}
	}
	return nil
}

// DuplicateKey forwards to the registry, letting core.Blockchain enforce
// per-block duplicate-key rules (e.g. alias names) without importing vm
// directly — it depends only on the core.TxExecutor interface.
func (e *Executor) DuplicateKey(typ core.TxType, payload json.RawMessage) (string, bool) {
	return e.registry.DuplicateKey(typ, payload)
}

// applyConfirmed deducts the fee, increments the nonce, then dispatches to
// the module's Apply phase; moving tx.Amount is left to the module.
func (e *Executor) applyConfirmed(block *core.Block, tx *core.Transaction) error {
	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != tx.Nonce {
		return fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce, tx.Nonce)
	}
	if acc.Balance < tx.Fee+tx.Amount {
		return fmt.Errorf("insufficient balance: have %d need %d", acc.Balance, tx.Fee+tx.Amount)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("nonce overflow for account %s", tx.From)
	}
	acc.Balance -= tx.Fee
	acc.Nonce++
	if err := e.state.SetAccount(acc); err != nil {
		return err
	}

	ctx := &Context{State: e.state, Block: block, Tx: tx, Emitter: e.emitter}
	return e.registry.Apply(tx.Type, ctx, tx.Payload)
}
