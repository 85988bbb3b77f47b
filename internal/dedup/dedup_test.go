package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
	"github.com/withObsrvr/calldrop-watch/internal/grouper"
	"github.com/withObsrvr/calldrop-watch/internal/storage"
)

func batch(a, b, c string) grouper.Batch {
	return grouper.Batch{
		{CallID: a, Termination: calls.TerminationTarget},
		{CallID: b, Termination: calls.TerminationTarget},
		{CallID: c, Termination: calls.TerminationTarget},
	}
}

func memStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenBlobStore(context.Background(), "mem://", "")
	if err != nil {
		t.Fatalf("OpenBlobStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityDeterminism(t *testing.T) {
	id1, err := IdentityOf(batch("a", "b", "c"))
	if err != nil {
		t.Fatalf("IdentityOf failed: %v", err)
	}
	id2, _ := IdentityOf(batch("c", "a", "b"))
	if id1 != id2 {
		t.Errorf("identity depends on order: %s != %s", id1, id2)
	}

	id3, _ := IdentityOf(batch("a", "b", "d"))
	if id1 == id3 {
		t.Error("different call IDs produced the same identity")
	}

	// printf 'a|b|c' | md5sum
	if id1 != "2e077b3ec5932ac3cf914ebdf242b4ee" {
		t.Errorf("identity = %s", id1)
	}
}

func TestIdentityKnownValue(t *testing.T) {
	id, err := HashCallIDs([]string{"b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	// printf 'a|b' | md5sum
	if id != "d0726241020676b14aa6298ce6a18b21" {
		t.Errorf("identity = %s", id)
	}
}

func TestIdentityMissingCallID(t *testing.T) {
	if _, err := IdentityOf(batch("a", "", "c")); !errors.Is(err, ErrMissingCallID) {
		t.Errorf("got %v, want ErrMissingCallID", err)
	}
}

func TestStoreInsertPersistsImmediately(t *testing.T) {
	ctx := context.Background()
	backend := memStore(t)

	s := NewStore(backend, "consecutive-drops")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Len() != 0 || s.Date() != "2024-03-04" {
		t.Fatalf("fresh store = %d ids dated %s", s.Len(), s.Date())
	}

	id, _ := IdentityOf(batch("a", "b", "c"))
	if err := s.Insert(ctx, id); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	data, err := backend.Read(ctx, KeyFor("consecutive-drops"))
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("persisted record invalid: %v", err)
	}
	if rec.Date != "2024-03-04" || len(rec.Batches) != 1 || rec.Batches[0] != id {
		t.Errorf("persisted record = %+v", rec)
	}

	reloaded := NewStore(backend, "consecutive-drops")
	if err := reloaded.Load(ctx, "2024-03-04"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.Contains(id) {
		t.Error("reloaded store lost identity")
	}
}

func TestStoreLoadDedupesAndDiscardsOtherDays(t *testing.T) {
	ctx := context.Background()
	backend := memStore(t)
	key := KeyFor("v")

	raw := `{"date":"2024-03-04","batches":["x","y","x"]}`
	if err := backend.Write(ctx, key, []byte(raw)); err != nil {
		t.Fatal(err)
	}

	s := NewStore(backend, "v")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	next := NewStore(backend, "v")
	if err := next.Load(ctx, "2024-03-05"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if next.Len() != 0 || next.Contains("x") {
		t.Error("record from previous day was not discarded")
	}
	if next.Date() != "2024-03-05" {
		t.Errorf("Date = %s", next.Date())
	}
}

func TestStoreLoadCorruptRecord(t *testing.T) {
	ctx := context.Background()
	backend := memStore(t)
	if err := backend.Write(ctx, KeyFor("v"), []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	s := NewStore(backend, "v")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatalf("corrupt record should not fail Load: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStoreResetIfNewDay(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memStore(t), "v")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	if s.ResetIfNewDay("2024-03-04") {
		t.Error("same day should not reset")
	}
	if !s.Contains("x") {
		t.Error("identity lost without reset")
	}
	if !s.ResetIfNewDay("2024-03-05") {
		t.Error("new day should reset")
	}
	if s.Contains("x") || s.Date() != "2024-03-05" {
		t.Error("store not reset for new day")
	}
}

func TestStoreInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memStore(t), "v")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	backend := memStore(t)
	s := NewStore(backend, "v")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after Clear", s.Len())
	}
	if _, err := backend.Read(ctx, KeyFor("v")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record still present after Clear: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

type failingStore struct{ storage.Store }

func (failingStore) Write(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestStoreInsertReportsPersistFailure(t *testing.T) {
	ctx := context.Background()
	s := NewStore(failingStore{memStore(t)}, "v")
	if err := s.Load(ctx, "2024-03-04"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, "x"); err == nil {
		t.Error("expected persist error")
	}
	if !s.Contains("x") {
		t.Error("identity should stay in memory after a failed persist")
	}
}
