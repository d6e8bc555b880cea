package core

// Account holds a participant's token balance and replay-protection nonce.
// Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"` // pubkey hex
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Alias binds Name to Owner. Names are globally unique: assigning an
// already-taken name fails validation (spec §3's canonical duplicate-
// tracker example).
type Alias struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"` // pubkey hex
	URI        string `json:"uri,omitempty"`
	AssignedAt int64  `json:"assigned_at"`
}

// Asset is a unit of the asset exchange: a named, divisible quantity issued
// by one account and transferable to others.
type Asset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Issuer      string `json:"issuer"` // pubkey hex
	Decimals    uint8  `json:"decimals"`
	QuantityQNT uint64 `json:"quantity_qnt"` // total units in circulation
	IssuedAt    int64  `json:"issued_at"`
}

// AssetBalance is an account's holding of a given asset.
type AssetBalance struct {
	AssetID     string `json:"asset_id"`
	Owner       string `json:"owner"`
	QuantityQNT uint64 `json:"quantity_qnt"`
}

// Session represents an active or completed game match. Kept as the spec's
// example of a peripheral, type-opaque transaction family.
type Session struct {
	ID        string            `json:"id"`
	GameID    string            `json:"game_id"`
	Creator   string            `json:"creator"` // pubkey hex of the session opener
	Players   []string          `json:"players"`
	Stakes    uint64            `json:"stakes"`
	Status    string            `json:"status"` // "open" | "closed"
	Outcome   map[string]uint64 `json:"outcome"`
	CreatedAt int64             `json:"created_at"`
	ClosedAt  int64             `json:"closed_at"`
}

// DGSListing is a digital-goods-store offer: a named good of a given
// quantity at a fixed price per unit.
type DGSListing struct {
	ID          string `json:"id"`
	Seller      string `json:"seller"` // pubkey hex
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceNQT    uint64 `json:"price_nqt"`
	QuantityQNT uint64 `json:"quantity_qnt"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
}

// DerivedTable is a height-indexed secondary table maintained alongside the
// account balances. Every derived table must support the same three
// lifecycle operations the chain processor drives during fork handling and
// pruning (spec §3 "Derived tables"):
//
//   - Rollback discards all changes made at heights greater than height,
//     restoring the table to its state as of height. Used by PopOffTo.
//   - Trim prunes historical versions at or below height that are no
//     longer needed to satisfy a future Rollback, without changing the
//     table's current logical content. Used by the trim scheduler.
//   - Truncate discards all data unconditionally. Used by fullReset/Scan.
type DerivedTable interface {
	Name() string
	Rollback(height int64) error
	Trim(height int64) error
	Truncate() error
}

// State is the full blockchain state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions within a
// block, and must expose every derived table it owns so the chain processor
// can drive Rollback/Trim/Truncate uniformly (spec §4.3, §4.4).
type State interface {
	// Accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Aliases
	GetAlias(name string) (*Alias, error)
	SetAlias(a *Alias) error

	// Assets
	GetAsset(id string) (*Asset, error)
	SetAsset(a *Asset) error
	GetAssetBalance(assetID, owner string) (*AssetBalance, error)
	SetAssetBalance(b *AssetBalance) error

	// Digital goods store
	GetListing(id string) (*DGSListing, error)
	SetListing(l *DGSListing) error
	DeleteListing(id string) error

	// Sessions
	GetSession(id string) (*Session, error)
	SetSession(s *Session) error

	// Snapshot / rollback / commit within a single block's execution
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. The block header carries no state root, so
	// block processing does not call it.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB at the given
	// height and clears it.
	Commit(height int64) error

	// DerivedTables lists every derived table registered with this state,
	// so the chain processor can Rollback/Trim/Truncate them uniformly.
	DerivedTables() []DerivedTable
}
