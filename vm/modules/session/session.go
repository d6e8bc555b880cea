// Package session is kept as a peripheral, opaque transaction family: the
// chain processor and the registry never special-case it, it implements
// the same Validate/Apply contract as every other module.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/vm"
)

func init() {
	vm.Register(core.TxSessionOpen, vm.Module{
		Validate: validateOpen,
		Apply:    applyOpen,
	})
	vm.Register(core.TxSessionResult, vm.Module{
		Validate: validateResult,
		Apply:    applyResult,
	})
}

func decodeOpen(payload json.RawMessage) (core.SessionOpenPayload, error) {
	var p core.SessionOpenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode session_open payload: %w", err)
	}
	return p, nil
}

func validateOpen(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeOpen(payload)
	if err != nil {
		return err
	}
	if p.SessionID == "" {
		return errors.New("session_id required")
	}
	if len(p.Players) == 0 {
		return errors.New("at least one player required")
	}
	if _, err := ctx.State.GetSession(p.SessionID); err == nil {
		return fmt.Errorf("session %q already exists", p.SessionID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("checking session %q: %w", p.SessionID, err)
	}
	if p.Stakes > 0 {
		for _, player := range p.Players {
			acc, err := ctx.State.GetAccount(player)
			if err != nil {
				return fmt.Errorf("player %q account: %w", player, err)
			}
			if acc.Balance < p.Stakes {
				return fmt.Errorf("player %q insufficient balance for stakes: have %d need %d", player, acc.Balance, p.Stakes)
			}
		}
	}
	return nil
}

func applyOpen(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeOpen(payload)
	if err != nil {
		return err
	}

	if p.Stakes > 0 {
		for _, player := range p.Players {
			acc, err := ctx.State.GetAccount(player)
			if err != nil {
				return fmt.Errorf("player %q account: %w", player, err)
			}
			if acc.Balance < p.Stakes {
				return fmt.Errorf("player %q insufficient balance for stakes: have %d need %d", player, acc.Balance, p.Stakes)
			}
			acc.Balance -= p.Stakes
			if err := ctx.State.SetAccount(acc); err != nil {
				return err
			}
		}
	}

	sess := &core.Session{
		ID:        p.SessionID,
		GameID:    p.GameID,
		Creator:   ctx.Tx.From,
		Players:   p.Players,
		Stakes:    p.Stakes,
		Status:    "open",
		Outcome:   map[string]uint64{},
		CreatedAt: ctx.Block.Timestamp,
	}
	if err := ctx.State.SetSession(sess); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventSessionOpen,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"session_id": p.SessionID, "game_id": p.GameID, "players": p.Players},
	})
}

func decodeResult(payload json.RawMessage) (core.SessionResultPayload, error) {
	var p core.SessionResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode session_result payload: %w", err)
	}
	return p, nil
}

func checkResult(ctx *vm.Context, p core.SessionResultPayload) (*core.Session, error) {
	sess, err := ctx.State.GetSession(p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session %q not found: %w", p.SessionID, err)
	}
	if sess.Status != "open" {
		return nil, fmt.Errorf("session %q already closed", p.SessionID)
	}
	if sess.Creator != ctx.Tx.From {
		return nil, errors.New("only the session creator can report its result")
	}
	totalStakes := sess.Stakes * uint64(len(sess.Players))
	var totalRewards uint64
	for _, reward := range p.Outcome {
		if reward > totalStakes-totalRewards {
			return nil, fmt.Errorf("rewards exceed total stakes %d", totalStakes)
		}
		totalRewards += reward
	}
	return sess, nil
}

func validateResult(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeResult(payload)
	if err != nil {
		return err
	}
	_, err = checkResult(ctx, p)
	return err
}

func applyResult(ctx *vm.Context, payload json.RawMessage) error {
	p, err := decodeResult(payload)
	if err != nil {
		return err
	}
	sess, err := checkResult(ctx, p)
	if err != nil {
		return err
	}

	for pubkey, reward := range p.Outcome {
		acc, err := ctx.State.GetAccount(pubkey)
		if err != nil {
			return fmt.Errorf("outcome account %q: %w", pubkey, err)
		}
		acc.Balance += reward
		if err := ctx.State.SetAccount(acc); err != nil {
			return err
		}
	}

	sess.Status = "closed"
	sess.Outcome = p.Outcome
	sess.ClosedAt = ctx.Block.Timestamp
	if err := ctx.State.SetSession(sess); err != nil {
		return err
	}

	if ctx.Emitter == nil {
		return nil
	}
	return ctx.Emitter.Emit(events.Event{
		Type:        events.EventTxExecuted,
		TxID:        ctx.Tx.ID,
		BlockHeight: ctx.Block.Height,
		Data:        map[string]any{"session_id": p.SessionID},
	})
}
