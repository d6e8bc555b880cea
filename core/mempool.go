package core

import (
	"errors"
	"fmt"
	"sync"
)

const (
	maxMempoolSize = 10_000
	maxTxAge       = int64(3600) // reject txs whose Expiration is more than 1h in the past
	maxTxFuture    = int64(300)  // reject txs timestamped more than 5 min in the future
)

// Mempool is a thread-safe pending-transaction pool. Alongside the ordinary
// unconfirmed set it keeps a "process later" queue: transactions taken out of
// blocks that were popped or rejected during fork handling, or abandoned by a
// rescan, are held there until drained and resubmitted instead of being
// dropped outright (spec §4.3/§4.4, Glossary "process later").
type Mempool struct {
	mu     sync.RWMutex
	txs    map[string]*Transaction
	ord    []string // insertion-ordered IDs for deterministic pending iteration
	later  []*Transaction
}

// NewMempool creates an empty mempool.
func NewMempool() *Mempool {
	return &Mempool{txs: make(map[string]*Transaction)}
}

// Add validates and inserts a transaction. Returns an error if the pool is
// full, the tx is already present, the signature is invalid, or the
// timestamp/expiration falls outside the acceptable window.
func (m *Mempool) Add(tx *Transaction, now int64) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("invalid tx signature: %w", err)
	}
	if tx.Timestamp-now > maxTxFuture {
		return errors.New("transaction timestamp too far in the future")
	}
	if tx.Expiration != 0 && now-tx.Expiration > maxTxAge {
		return errors.New("transaction expired")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.txs) >= maxMempoolSize {
		return errors.New("mempool full")
	}
	if _, exists := m.txs[tx.ID]; exists {
		return errors.New("tx already in pool")
	}
	m.txs[tx.ID] = tx
	m.ord = append(m.ord, tx.ID)
	return nil
}

// Get returns a transaction by ID.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// Pending returns up to n pending transactions in insertion order.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Transaction, 0, n)
	for _, id := range m.ord {
		if tx, ok := m.txs[id]; ok {
			result = append(result, tx)
			if len(result) >= n {
				break
			}
		}
	}
	return result
}

// Remove deletes transactions by ID (called after block commit).
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(m.txs, id)
		removed[id] = true
	}
	filtered := m.ord[:0]
	for _, id := range m.ord {
		if !removed[id] {
			filtered = append(filtered, id)
		}
	}
	m.ord = filtered
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// DeferForRetry moves tx to the process-later queue. Called by
// Blockchain.ProcessFork for the transactions of popped and rejected fork
// blocks, and by Blockchain.Scan for those of abandoned blocks.
func (m *Mempool) DeferForRetry(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.later = append(m.later, tx)
}

// DrainLater returns and clears the process-later queue so the caller can
// re-attempt each transaction against the new chain state. Transactions
// that still aren't valid are expected to be deferred again via
// DeferForRetry.
func (m *Mempool) DrainLater() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.later
	m.later = nil
	return drained
}

// LaterLen reports how many transactions are currently queued for retry.
func (m *Mempool) LaterLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.later)
}
