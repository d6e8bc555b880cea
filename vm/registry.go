package vm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/duskchain/duskchain/core"
)

// ValidateFunc checks a transaction's payload against the current state
// without mutating it — called once per transaction during block
// validation (spec §4.1 step 9, "opaque, type-specific validate()").
type ValidateFunc func(ctx *Context, payload json.RawMessage) error

// ApplyUnconfirmedFunc reserves whatever the transaction will consume (an
// asset balance, a listed quantity) and reports whether the reservation
// succeeded. A false return without error means "this would double-spend
// against another pending transaction from the same sender" — the caller
// must reject the transaction rather than apply it (spec invariant #8).
type ApplyUnconfirmedFunc func(ctx *Context, payload json.RawMessage) (bool, error)

// ApplyFunc performs the transaction's confirmed effect on state once a
// block containing it is accepted (spec §4.1 step 11, "Accept").
type ApplyFunc func(ctx *Context, payload json.RawMessage) error

// DuplicateKeyFunc extracts the key a transaction type wants checked for
// per-block uniqueness (e.g. an alias name), and whether this particular
// payload participates in duplicate tracking at all. Most types leave this
// nil (spec §3 "Duplicate tracker" names alias assignment as the canonical
// example; most transaction types have nothing to deduplicate).
type DuplicateKeyFunc func(payload json.RawMessage) (key string, ok bool)

// Module bundles the phases a transaction type implements. Validate and
// Apply are mandatory; ApplyUnconfirmed defaults to an always-succeeds
// no-op when left nil, for types with nothing to reserve ahead of
// confirmation; DuplicateKey defaults to "doesn't participate".
type Module struct {
	Validate         ValidateFunc
	ApplyUnconfirmed ApplyUnconfirmedFunc
	Apply            ApplyFunc
	DuplicateKey     DuplicateKeyFunc
}

// Registry maps TxTypes to Modules. Thread-safe for concurrent registration.
type Registry struct {
	mu      sync.RWMutex
	modules map[core.TxType]Module
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[core.TxType]Module)}
}

// Register associates typ with m. Panics on duplicate registration, the
// same self-registration safety net the teacher's modules relied on.
func (r *Registry) Register(typ core.TxType, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[typ]; exists {
		panic(fmt.Sprintf("vm: module already registered for TxType %s", typ))
	}
	if m.Validate == nil || m.Apply == nil {
		panic(fmt.Sprintf("vm: module for TxType %s missing Validate or Apply", typ))
	}
	r.modules[typ] = m
}

func (r *Registry) lookup(typ core.TxType) (Module, error) {
	r.mu.RLock()
	m, ok := r.modules[typ]
	r.mu.RUnlock()
	if !ok {
		return Module{}, fmt.Errorf("vm: no module registered for TxType %s", typ)
	}
	return m, nil
}

// Validate dispatches to the registered module's Validate.
func (r *Registry) Validate(typ core.TxType, ctx *Context, payload json.RawMessage) error {
	m, err := r.lookup(typ)
	if err != nil {
		return err
	}
	return m.Validate(ctx, payload)
}

// ApplyUnconfirmed dispatches to the registered module's ApplyUnconfirmed,
// defaulting to success when the module declines to reserve anything.
func (r *Registry) ApplyUnconfirmed(typ core.TxType, ctx *Context, payload json.RawMessage) (bool, error) {
	m, err := r.lookup(typ)
	if err != nil {
		return false, err
	}
	if m.ApplyUnconfirmed == nil {
		return true, nil
	}
	return m.ApplyUnconfirmed(ctx, payload)
}

// Apply dispatches to the registered module's Apply.
func (r *Registry) Apply(typ core.TxType, ctx *Context, payload json.RawMessage) error {
	m, err := r.lookup(typ)
	if err != nil {
		return err
	}
	return m.Apply(ctx, payload)
}

// DuplicateKey dispatches to the registered module's DuplicateKey, reporting
// ok=false for modules (or types) that don't participate in per-block
// duplicate tracking.
func (r *Registry) DuplicateKey(typ core.TxType, payload json.RawMessage) (string, bool) {
	m, err := r.lookup(typ)
	if err != nil || m.DuplicateKey == nil {
		return "", false
	}
	return m.DuplicateKey(payload)
}

// globalRegistry is the package-level singleton that modules register into
// from their init() functions.
var globalRegistry = NewRegistry()

// Register adds a module to the global registry. Module init() functions
// call this to self-register, the same pattern the teacher used for its
// game-asset/market/session handlers.
func Register(typ core.TxType, m Module) {
	globalRegistry.Register(typ, m)
}
