// Package servicetest is a conformance suite for installer.Service
// implementations.
package servicetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/installer"
)

// Harness is what a backend hands to the suite.
type Harness struct {
	Service installer.Service
	// Owner and Other are two distinct identities allowed to install.
	Owner identity.Identity
	Other identity.Identity
	// NoListing skips checks that need GetSessions.
	NoListing bool
	// LazyOpen marks backends whose OpenSession does not contact the
	// service, so unknown ids only fail on first use.
	LazyOpen bool
}

// HarnessFactory creates a fresh harness for each sub-test.
type HarnessFactory func(t *testing.T) Harness

// RunServiceTests runs the complete installer.Service suite against the
// factory.
func RunServiceTests(t *testing.T, factory HarnessFactory) {
	t.Run("Create_DistinctIDs", func(t *testing.T) { testDistinctIDs(t, factory) })
	t.Run("Create_UnknownFlagsRejected", func(t *testing.T) { testUnknownFlags(t, factory) })
	t.Run("Open_UnknownSession", func(t *testing.T) { testOpenUnknown(t, factory) })
	t.Run("Write_CommitDeliversSuccess", func(t *testing.T) { testWriteCommit(t, factory) })
	t.Run("Abandon_Twice", func(t *testing.T) { testAbandonTwice(t, factory) })
	t.Run("List_ScopedToOwner", func(t *testing.T) { testListScoped(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func create(t *testing.T, svc installer.Service, owner identity.Identity) installer.SessionID {
	t.Helper()
	id, err := svc.CreateSession(testCtx(t), installer.Params{
		Mode:  installer.ModeFullInstall,
		Flags: installer.FlagReplaceExisting,
		Owner: owner,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func testDistinctIDs(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	a := create(t, h.Service, h.Owner)
	b := create(t, h.Service, h.Owner)
	if a <= 0 || b <= 0 {
		t.Fatalf("expected positive ids, got %d and %d", a, b)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %d twice", a)
	}
}

func testUnknownFlags(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	_, err := h.Service.CreateSession(testCtx(t), installer.Params{
		Mode:  installer.ModeFullInstall,
		Flags: installer.InstallFlags(0x40000000),
		Owner: h.Owner,
	})
	if !errors.Is(err, installer.ErrBroker) {
		t.Fatalf("expected ErrBroker, got %v", err)
	}
}

func testOpenUnknown(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	if h.LazyOpen {
		t.Skip("backend opens sessions lazily")
	}
	_, err := h.Service.OpenSession(testCtx(t), installer.SessionID(987654))
	if !errors.Is(err, installer.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testWriteCommit(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := testCtx(t)
	id := create(t, h.Service, h.Owner)

	sh, err := h.Service.OpenSession(ctx, id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sh.Close()

	payload := bytes.Repeat([]byte("apk!"), 256)
	w, err := sh.OpenWrite(ctx, "base.apk", 0, int64(len(payload)))
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sh.Fsync(ctx, w); err != nil {
		t.Fatalf("fsync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	type result struct {
		status int
		msg    string
	}
	got := make(chan result, 2)
	if err := sh.Commit(ctx, func(status int, msg string) { got <- result{status, msg} }); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case r := <-got:
		if r.status != 0 {
			t.Fatalf("expected success status, got %d (%s)", r.status, r.msg)
		}
	case <-ctx.Done():
		t.Fatalf("no commit result delivered")
	}
}

func testAbandonTwice(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := testCtx(t)
	id := create(t, h.Service, h.Owner)
	if err := h.Service.AbandonSession(ctx, id); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	err := h.Service.AbandonSession(ctx, id)
	if !errors.Is(err, installer.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second abandon, got %v", err)
	}
}

func testListScoped(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	if h.NoListing {
		t.Skip("backend does not list sessions")
	}
	ctx := testCtx(t)
	mine := create(t, h.Service, h.Owner)
	theirs := create(t, h.Service, h.Other)

	infos, err := h.Service.GetSessions(ctx, h.Owner.OwnerName, h.Owner.UserScope)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.ID == theirs {
			t.Fatalf("listing for %s leaked session %d of %s", h.Owner, theirs, h.Other)
		}
		if info.ID == mine {
			found = true
			if info.Owner != h.Owner {
				t.Fatalf("expected owner %s, got %s", h.Owner, info.Owner)
			}
		}
	}
	if !found {
		t.Fatalf("session %d missing from listing %+v", mine, infos)
	}
}
