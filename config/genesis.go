package config

import (
	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto"
)

// GenesisPreviousBlockID is the canonical empty previous-block reference
// genesis signs over. There is no block #-1 to point at.
const GenesisPreviousBlockID = ""

// CreateGenesisBlock builds and signs block #0 from the config's Alloc map.
// It also sets initial account balances in state and commits them at height
// 0. The genesis block id is hard-coded from the chain id rather than
// derived from Block.Sign's usual hash-of-bytes scheme (spec §9 "genesis
// uniqueness": every node on a network must agree on the same id before any
// signature has been exchanged).
func CreateGenesisBlock(cfg *Config, state core.State, forgerPriv crypto.PrivateKey) (*core.Block, error) {
	forgerPub := forgerPriv.Public()

	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{
			Address: pubkeyHex,
			Balance: balance,
			Nonce:   0,
		}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}
	if err := state.Commit(0); err != nil {
		return nil, err
	}

	block := core.NewBlock(core.BlockVersion1, 0, GenesisPreviousBlockID, "", forgerPub.Hex(), 0, nil)
	block.GenerationSignature = crypto.HexEncode(crypto.HashBytes([]byte(cfg.Genesis.ChainID)))
	block.CumulativeDifficulty = *core.ZeroDifficulty()
	block.Sign(forgerPriv)
	block.ID = GenesisBlockID(cfg.Genesis.ChainID)
	return block, nil
}

// GenesisBlockID derives the network-wide hard-coded genesis block id from
// the chain id, so every node building or validating genesis agrees on it
// without needing to exchange the signed block first.
func GenesisBlockID(chainID string) string {
	return crypto.Hash([]byte("genesis:" + chainID))
}
