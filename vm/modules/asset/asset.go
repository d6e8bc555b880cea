// Package asset implements the asset exchange: issuing a named, divisible
// quantity of a new asset, transferring units between accounts, and
// permanently deleting units. Repurposed from the teacher's game-item mint/
// burn/transfer handlers onto a balance-ledger model (core.AssetBalance)
// instead of one-asset-one-owner records.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/vm"
)

func init() {
	vm.Register(core.TxAssetIssuance, vm.Module{
		Validate: validateIssuance,
		Apply:    applyIssuance,
	})
	vm.Register(core.TxAssetTransfer, vm.Module{
		Validate: validateTransfer,
		Apply:    applyTransfer,
	})
	vm.Register(core.TxAssetDelete, vm.Module{
		Validate: validateDelete,
		Apply:    applyDelete,
	})
}

// ---- Issuance ----

func decodeIssuance(payload json.RawMessage) (core.AssetIssuancePayload, error) {
	var p core.AssetIssuancePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode asset_issuance payload: %w", err)
	}
	return p, nil
}

func validateIssuance(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeIssuance(payload)
	if err != nil {
		return err
	}
	if p.Name == "" {
		return errors.New("asset name required")
	}
	if p.QuantityQNT == 0 {
		return errors.New("issuance quantity must be > 0")
	}
	return nil
}

func applyIssuance(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeIssuance(payload)
	if err != nil {
		return err
	}

	assetID := crypto.Hash([]byte(ctx.Tx.ID + ":asset"))
	a := &core.Asset{
		ID:          assetID,
		Name:        p.Name,
		Description: p.Description,
		Issuer:      ctx.Tx.From,
		Decimals:    p.Decimals,
		QuantityQNT: p.QuantityQNT,
		IssuedAt:    ctx.Block.Timestamp,
	}
	if err := ctx.State.SetAsset(a); err != nil {
		return err
	}
	if err := ctx.State.SetAssetBalance(&core.AssetBalance{
		AssetID:     assetID,
		Owner:       ctx.Tx.From,
		QuantityQNT: p.QuantityQNT,
	}); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventAssetIssued,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"asset_id": assetID, "name": p.Name, "quantity_qnt": p.QuantityQNT, "issuer": ctx.Tx.From},
	})
}

// ---- Transfer ----

func decodeTransfer(payload json.RawMessage) (core.AssetTransferPayload, error) {
	var p core.AssetTransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode asset_transfer payload: %w", err)
	}
	return p, nil
}

func validateTransfer(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeTransfer(payload)
	if err != nil {
		return err
	}
	if p.To == "" {
		return errors.New("transfer recipient required")
	}
	if _, err := crypto.PubKeyFromHex(p.To); err != nil {
		return fmt.Errorf("invalid recipient pubkey: %w", err)
	}
	if p.QuantityQNT == 0 {
		return errors.New("transfer quantity must be > 0")
	}
	if _, err := ctx.State.GetAsset(p.AssetID); err != nil {
		return fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	bal, err := ctx.State.GetAssetBalance(p.AssetID, ctx.Tx.From)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	if bal.QuantityQNT < p.QuantityQNT {
		return fmt.Errorf("insufficient asset balance: have %d need %d", bal.QuantityQNT, p.QuantityQNT)
	}
	return nil
}

func applyTransfer(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeTransfer(payload)
	if err != nil {
		return err
	}

	senderBal, err := ctx.State.GetAssetBalance(p.AssetID, ctx.Tx.From)
	if err != nil {
		return err
	}
	if senderBal.QuantityQNT < p.QuantityQNT {
		return fmt.Errorf("insufficient asset balance: have %d need %d", senderBal.QuantityQNT, p.QuantityQNT)
	}
	senderBal.QuantityQNT -= p.QuantityQNT
	if err := ctx.State.SetAssetBalance(senderBal); err != nil {
		return err
	}

	recipientBal, err := ctx.State.GetAssetBalance(p.AssetID, p.To)
	if err != nil {
		return err
	}
	recipientBal.QuantityQNT += p.QuantityQNT
	if err := ctx.State.SetAssetBalance(recipientBal); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventAssetTransfer,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"asset_id": p.AssetID, "from": ctx.Tx.From, "to": p.To, "quantity_qnt": p.QuantityQNT},
	})
}

// ---- Delete ----

func decodeDelete(payload json.RawMessage) (core.AssetDeletePayload, error) {
	var p core.AssetDeletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode asset_delete payload: %w", err)
	}
	return p, nil
}

func validateDelete(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeDelete(payload)
	if err != nil {
		return err
	}
	if p.QuantityQNT == 0 {
		return errors.New("delete quantity must be > 0")
	}
	bal, err := ctx.State.GetAssetBalance(p.AssetID, ctx.Tx.From)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	if bal.QuantityQNT < p.QuantityQNT {
		return fmt.Errorf("insufficient asset balance: have %d need %d", bal.QuantityQNT, p.QuantityQNT)
	}
	return nil
}

func applyDelete(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeDelete(payload)
	if err != nil {
		return err
	}

	bal, err := ctx.State.GetAssetBalance(p.AssetID, ctx.Tx.From)
	if err != nil {
		return err
	}
	if bal.QuantityQNT < p.QuantityQNT {
		return fmt.Errorf("insufficient asset balance: have %d need %d", bal.QuantityQNT, p.QuantityQNT)
	}
	bal.QuantityQNT -= p.QuantityQNT
	if err := ctx.State.SetAssetBalance(bal); err != nil {
		return err
	}

	asset, err := ctx.State.GetAsset(p.AssetID)
	if err != nil {
		return fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	asset.QuantityQNT -= p.QuantityQNT
	if err := ctx.State.SetAsset(asset); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventAssetDeleted,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"asset_id": p.AssetID, "owner": ctx.Tx.From, "quantity_qnt": p.QuantityQNT},
	})
}
