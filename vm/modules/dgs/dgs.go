// Package dgs implements the digital goods store: listing a good for sale,
// delisting it, and purchasing units from an active listing. Repurposed
// from the teacher's asset-marketplace list/buy handlers onto a named,
// quantity-bearing listing rather than a single tradeable asset per
// listing.
package dgs

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
	vm.Register(core.TxDGSListing, vm.Module{
		Validate: validateListing,
		Apply:    applyListing,
	})
	vm.Register(core.TxDGSDelisting, vm.Module{
		Validate: validateDelisting,
		Apply:    applyDelisting,
	})
	vm.Register(core.TxDGSPurchase, vm.Module{
		Validate: validatePurchase,
		Apply:    applyPurchase,
	})
}

// ---- Listing ----

func decodeListing(payload json.RawMessage) (core.DGSListingPayload, error) {
	var p core.DGSListingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode dgs_listing payload: %w", err)
	}
	return p, nil
}

func validateListing(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeListing(payload)
	if err != nil {
		return err
	}
	if p.Name == "" {
		return errors.New("listing name required")
	}
	if p.PriceNQT == 0 {
		return errors.New("listing price must be > 0")
	}
	if p.QuantityQNT == 0 {
		return errors.New("listing quantity must be > 0")
	}
	return nil
}

func applyListing(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeListing(payload)
	if err != nil {
		return err
	}

	listingID := crypto.Hash([]byte(ctx.Tx.ID + ":listing"))
	l := &core.DGSListing{
		ID:          listingID,
		Seller:      ctx.Tx.From,
		Name:        p.Name,
		Description: p.Description,
		PriceNQT:    p.PriceNQT,
		QuantityQNT: p.QuantityQNT,
		Active:      true,
		CreatedAt:   ctx.Block.Timestamp,
	}
	if err := ctx.State.SetListing(l); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventDGSListing,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"listing_id": listingID, "name": p.Name, "price_nqt": p.PriceNQT, "quantity_qnt": p.QuantityQNT},
	})
}

// ---- Delisting ----

func decodeDelisting(payload json.RawMessage) (core.DGSDelistingPayload, error) {
	var p core.DGSDelistingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode dgs_delisting payload: %w", err)
	}
	return p, nil
}

func loadOwnedListing(ctx *vm.Context, id string) (*core.DGSListing, error) {
	l, err := ctx.State.GetListing(id)
	if err != nil {
		return nil, fmt.Errorf("listing %q not found: %w", id, err)
	}
	if l.Seller != ctx.Tx.From {
		return nil, errors.New("only the seller can modify this listing")
	}
	if !l.Active {
		return nil, fmt.Errorf("listing %q is no longer active", id)
	}
	return l, nil
}

func validateDelisting(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeDelisting(payload)
	if err != nil {
		return err
	}
	_, err = loadOwnedListing(ctx, p.ListingID)
	return err
}

func applyDelisting(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeDelisting(payload)
	if err != nil {
		return err
	}
	l, err := loadOwnedListing(ctx, p.ListingID)
	if err != nil {
		return err
	}
	l.Active = false
	return ctx.State.SetListing(l)
}

// ---- Purchase ----

func decodePurchase(payload json.RawMessage) (core.DGSPurchasePayload, error) {
	var p core.DGSPurchasePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode dgs_purchase payload: %w", err)
	}
	return p, nil
}

func validatePurchase(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodePurchase(payload)
	if err != nil {
		return err
	}
	if p.QuantityQNT == 0 {
		return errors.New("purchase quantity must be > 0")
	}
	l, err := ctx.State.GetListing(p.ListingID)
	if err != nil {
		return fmt.Errorf("listing %q not found: %w", p.ListingID, err)
	}
	if !l.Active {
		return fmt.Errorf("listing %q is no longer active", p.ListingID)
	}
	if l.Seller == ctx.Tx.From {
		return errors.New("seller cannot buy their own listing")
	}
	if l.QuantityQNT < p.QuantityQNT {
		return fmt.Errorf("listing %q has insufficient quantity: have %d need %d", p.ListingID, l.QuantityQNT, p.QuantityQNT)
	}
	buyer, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}
	cost := l.PriceNQT * p.QuantityQNT
	if buyer.Balance < cost {
		return fmt.Errorf("insufficient balance: have %d need %d", buyer.Balance, cost)
	}
	return nil
}

func applyPurchase(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodePurchase(payload)
	if err != nil {
		return err
	}

	l, err := ctx.State.GetListing(p.ListingID)
	if err != nil {
		return fmt.Errorf("listing %q not found: %w", p.ListingID, err)
	}
	if l.QuantityQNT < p.QuantityQNT {
		return fmt.Errorf("listing %q has insufficient quantity: have %d need %d", p.ListingID, l.QuantityQNT, p.QuantityQNT)
	}
	cost := l.PriceNQT * p.QuantityQNT

	buyer, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}
	if buyer.Balance < cost {
		return fmt.Errorf("insufficient balance: have %d need %d", buyer.Balance, cost)
	}
	buyer.Balance -= cost
	if err := ctx.State.SetAccount(buyer); err != nil {
		return err
	}

	seller, err := ctx.State.GetAccount(l.Seller)
	if err != nil {
		return err
	}
	seller.Balance += cost
	if err := ctx.State.SetAccount(seller); err != nil {
		return err
	}

	l.QuantityQNT -= p.QuantityQNT
	if l.QuantityQNT == 0 {
		l.Active = false
	}
	if err := ctx.State.SetListing(l); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventDGSPurchase,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data: map[string]any{
			"listing_id":   p.ListingID,
			"buyer":        ctx.Tx.From,
			"seller":       l.Seller,
			"quantity_qnt": p.QuantityQNT,
			"cost":         cost,
		},
	})
}
