package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// Config holds all node configuration.
type Config struct {
	NodeID      string `json:"node_id"`
	DataDir     string `json:"data_dir"`
	RPCPort     int    `json:"rpc_port"`
	P2PPort     int    `json:"p2p_port"`
	MaxBlockTxs int    `json:"max_block_txs"` // max transactions per block; 0 → 500

	// AllowFakeForging lists pubkey hexes exempt from proof-of-stake
	// eligibility and generation-signature checks, for test networks that
	// need deterministic block production without waiting on real stake.
	AllowFakeForging []string `json:"allow_fake_forging,omitempty"`

	// TransparentForgingHeight and NQTHeight gate the block/transaction
	// version schedule (core.ExpectedVersion), keyed on the previous block's
	// height: below TransparentForgingHeight a block is version 1
	// (raw-signature generation signature), below NQTHeight version 2
	// (hashed generation signature, previous block hash), at or above
	// NQTHeight version 3 (steady state).
	TransparentForgingHeight int64 `json:"transparent_forging_height"`
	NQTHeight                int64 `json:"nqt_height"`

	// ReferencedTransactionFullHashHeight is the height at or above which a
	// referenced-transaction chain is walked and windowed rather than only
	// checked for bare existence.
	ReferencedTransactionFullHashHeight int64 `json:"referenced_transaction_full_hash_height"`

	// TransparentForgingChecksum and NQTChecksum are the expected aggregate
	// transaction checksums at their respective milestone heights. Empty
	// means the milestone is unchecked on this network.
	TransparentForgingChecksum string `json:"transparent_forging_checksum,omitempty"`
	NQTChecksum                string `json:"nqt_checksum,omitempty"`

	// MaxRollback bounds how far PopOffTo/ProcessFork may rewind the chain
	// once derived tables have been trimmed (0 → 1440, per spec MAX_ROLLBACK).
	MaxRollback int `json:"max_rollback"`
	// TrimDerivedTables enables periodic pruning of derived-table history
	// older than MaxRollback blocks back from the tip.
	TrimDerivedTables bool `json:"trim_derived_tables"`
	// ForceScan replays the whole chain from genesis on startup regardless
	// of whether the persisted tip looks consistent.
	ForceScan bool `json:"force_scan"`
	// ForceValidate re-verifies every block and transaction signature during
	// that forced scan instead of trusting previously-accepted blocks.
	ForceValidate bool `json:"force_validate"`
	// MaxPayloadLength bounds the total canonical transaction byte length a
	// single block may carry; 0 → 128 KiB.
	MaxPayloadLength int `json:"max_payload_length"`

	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig    `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:            "node0",
		DataDir:           "./data",
		RPCPort:           8545,
		P2PPort:           30303,
		MaxBlockTxs:       500,
		MaxRollback:       1440,
		TrimDerivedTables: true,
		MaxPayloadLength:  128 * 1024,
		Genesis: GenesisConfig{
			ChainID: "duskchain-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if c.TransparentForgingHeight < 0 {
		return fmt.Errorf("transparent_forging_height must not be negative")
	}
	if c.NQTHeight < c.TransparentForgingHeight {
		return fmt.Errorf("nqt_height must not precede transparent_forging_height")
	}
	if c.MaxRollback < 0 {
		return fmt.Errorf("max_rollback must not be negative")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
