// Package payment implements plain token transfers, the simplest
// transaction type and the only one that moves the native balance directly
// (every other type moves an asset, a listing, or a name).
package payment

import (
	"encoding/json"
	"fmt"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/vm"
)

func init() {
	vm.Register(core.TxPayment, vm.Module{
		Validate: validate,
		Apply:    apply,
	})
}

func decode(payload json.RawMessage) (core.PaymentPayload, error) {
	var p core.PaymentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode payment payload: %w", err)
	}
	return p, nil
}

func validate(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decode(payload)
	if err != nil {
		return err
	}
	if ctx.Tx.Amount == 0 {
		return fmt.Errorf("payment amount must be > 0")
	}
	if p.To == "" {
		return fmt.Errorf("payment recipient required")
	}
	if _, err := crypto.PubKeyFromHex(p.To); err != nil {
		return fmt.Errorf("invalid recipient pubkey: %w", err)
	}
	return nil
}

func apply(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decode(payload)
	if err != nil {
		return err
	}

	sender, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}
	if sender.Balance < ctx.Tx.Amount {
		return fmt.Errorf("insufficient balance: have %d need %d", sender.Balance, ctx.Tx.Amount)
	}
	sender.Balance -= ctx.Tx.Amount
	if err := ctx.State.SetAccount(sender); err != nil {
		return err
	}

	recipient, err := ctx.State.GetAccount(p.To)
	if err != nil {
		return err
	}
	recipient.Balance += ctx.Tx.Amount
	if err := ctx.State.SetAccount(recipient); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventPayment,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"from": ctx.Tx.From, "to": p.To, "amount": ctx.Tx.Amount},
	})
}
