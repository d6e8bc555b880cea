// Package alias implements name assignment: binding a human-readable name
// to an account. It is the spec's canonical example of a transaction type
// that needs per-block duplicate tracking, since two transactions in the
// same block could otherwise both legitimately claim the same free name.
package alias

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/vm"
)

const duplicateKind = "alias"

func init() {
	vm.Register(core.TxAliasAssignment, vm.Module{
		Validate:     validate,
		Apply:        apply,
		DuplicateKey: duplicateKey,
	})
}

func decode(payload json.RawMessage) (core.AliasAssignmentPayload, error) {
	var p core.AliasAssignmentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode alias_assignment payload: %w", err)
	}
	return p, nil
}

func duplicateKey(payload json.RawMessage) (string, bool) {
	p, err := decode(payload)
	if err != nil || p.Name == "" {
		return "", false
	}
	return p.Name, true
}

func validate(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decode(payload)
	if err != nil {
		return err
	}
	if p.Name == "" {
		return errors.New("alias name required")
	}
	existing, err := ctx.State.GetAlias(p.Name)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup alias %q: %w", p.Name, err)
	}
	if existing.Owner != ctx.Tx.From {
		return fmt.Errorf("alias %q already owned by another account", p.Name)
	}
	return nil
}

func apply(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decode(payload)
	if err != nil {
		return err
	}

	a := &core.Alias{
		Name:       p.Name,
		Owner:      ctx.Tx.From,
		URI:        p.URI,
		AssignedAt: ctx.Block.Timestamp,
	}
	if err := ctx.State.SetAlias(a); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventAliasAssigned,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"name": p.Name, "owner": ctx.Tx.From},
	})
}
