package storage

import (
	"errors"
	"testing"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/internal/testutil"
)

func TestStateDBAccountCRUD(t *testing.T) {
	s := NewStateDB(testutil.NewMemDB())

	acc, err := s.GetAccount("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 0 {
		t.Errorf("auto-vivified account should have zero balance, got %d", acc.Balance)
	}

	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 50}); err != nil {
		t.Fatal(err)
	}
	acc, err = s.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 50 {
		t.Errorf("balance: got %d want 50", acc.Balance)
	}
}

func TestStateDBSnapshotRevert(t *testing.T) {
	s := NewStateDB(testutil.NewMemDB())

	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 100}); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 0}); err != nil {
		t.Fatal(err)
	}

	acc, err := s.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 0 {
		t.Fatalf("balance before revert: got %d want 0", acc.Balance)
	}

	if err := s.RevertToSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	acc, err = s.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 100 {
		t.Errorf("balance after revert: got %d want 100", acc.Balance)
	}
}

func TestStateDBCommitPersistsAndClearsBuffer(t *testing.T) {
	s := NewStateDB(testutil.NewMemDB())

	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(1); err != nil {
		t.Fatal(err)
	}
	if len(s.dirty) != 0 || len(s.deleted) != 0 {
		t.Error("write buffer should be empty after Commit")
	}

	acc, err := s.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 10 {
		t.Errorf("balance after commit: got %d want 10", acc.Balance)
	}
}

func TestStateDBDerivedTableRollback(t *testing.T) {
	s := NewStateDB(testutil.NewMemDB())

	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 99}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(2); err != nil {
		t.Fatal(err)
	}

	acc, err := s.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 99 {
		t.Fatalf("balance before rollback: got %d want 99", acc.Balance)
	}

	for _, table := range s.DerivedTables() {
		if err := table.Rollback(1); err != nil {
			t.Fatalf("rollback table %s: %v", table.Name(), err)
		}
	}

	acc, err = s.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 10 {
		t.Errorf("balance after rollback to height 1: got %d want 10", acc.Balance)
	}
}

func TestStateDBAliasNotFound(t *testing.T) {
	s := NewStateDB(testutil.NewMemDB())
	if _, err := s.GetAlias("nobody"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStateDBComputeRootChangesWithWrites(t *testing.T) {
	s := NewStateDB(testutil.NewMemDB())
	root1 := s.ComputeRoot()

	if err := s.SetAccount(&core.Account{Address: "alice", Balance: 1}); err != nil {
		t.Fatal(err)
	}
	root2 := s.ComputeRoot()
	if root1 == root2 {
		t.Error("ComputeRoot should change after a write buffer mutation")
	}
}
