// Package journaltest is a conformance suite for journal.Store backends.
package journaltest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/journal"
)

// StoreFactory creates a fresh store for each sub-test.
type StoreFactory func(t *testing.T) journal.Store

// RunStoreTests runs the journal.Store suite against the factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, factory) })
	t.Run("GetMissingReturnsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ListScopedToOwner", func(t *testing.T) { testListScoped(t, factory) })
	t.Run("RejectsInvalidRecord", func(t *testing.T) { testInvalid(t, factory) })
}

var (
	alice = identity.Identity{OwnerName: "com.alice", UserScope: 0}
	bob   = identity.Identity{OwnerName: "com.bob", UserScope: 0}
)

func rec(id int, owner identity.Identity, state string) *journal.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &journal.Record{ID: id, Owner: owner, State: state, CreatedAt: now, UpdatedAt: now}
}

func testPutGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	r := rec(1, alice, "writing")
	r.Artifacts = []string{"0.apk", "1.apk"}
	r.CommitTimedOut = true
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected record")
	}
	if got.Owner != alice || got.State != "writing" || !got.CommitTimedOut {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Artifacts) != 2 || got.Artifacts[1] != "1.apk" {
		t.Fatalf("unexpected artifacts %v", got.Artifacts)
	}
	if !got.UpdatedAt.Equal(r.UpdatedAt) {
		t.Fatalf("updated at mismatch: %v vs %v", got.UpdatedAt, r.UpdatedAt)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	got, err := s.Get(context.Background(), 404)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func testPutReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Put(ctx, rec(2, alice, "created")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, rec(2, alice, "committed")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := s.Get(ctx, 2)
	if got == nil || got.State != "committed" {
		t.Fatalf("expected replaced state, got %+v", got)
	}
	list, err := s.List(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one record after replace, got %d", len(list))
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Put(ctx, rec(3, alice, "created")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, 3); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if got, _ := s.Get(ctx, 3); got != nil {
		t.Fatalf("expected deleted, got %+v", got)
	}
	list, _ := s.List(ctx, alice)
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func testListScoped(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	for _, r := range []*journal.Record{
		rec(12, alice, "created"),
		rec(10, alice, "writing"),
		rec(11, bob, "created"),
		rec(13, identity.Identity{OwnerName: "com.alice", UserScope: 10}, "created"),
	} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("put %d: %v", r.ID, err)
		}
	}

	list, err := s.List(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != 10 || list[1].ID != 12 {
		ids := make([]int, 0, len(list))
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		t.Fatalf("expected [10 12] for alice, got %v", ids)
	}
	for _, r := range list {
		if r.Owner != alice {
			t.Fatalf("foreign record %d leaked into alice's list", r.ID)
		}
	}
}

func testInvalid(t *testing.T, factory StoreFactory) {
	s := factory(t)
	err := s.Put(context.Background(), &journal.Record{ID: 0, Owner: alice})
	if !errors.Is(err, journal.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}
