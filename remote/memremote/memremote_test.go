package memremote

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/installer"
	"github.com/ggoodman/installsession-go/installer/servicetest"
	"github.com/stretchr/testify/require"
)

var (
	owner = identity.Identity{OwnerName: "com.example.store", UserScope: 0}
	other = identity.Identity{OwnerName: "com.example.other", UserScope: 10}
)

func TestServiceConformance(t *testing.T) {
	servicetest.RunServiceTests(t, func(t *testing.T) servicetest.Harness {
		return servicetest.Harness{Service: New(), Owner: owner, Other: other}
	})
}

func TestServiceConformance_SyncCallbacks(t *testing.T) {
	servicetest.RunServiceTests(t, func(t *testing.T) servicetest.Harness {
		return servicetest.Harness{Service: New(WithCommitMode(CommitSync)), Owner: owner, Other: other}
	})
}

func newSession(t *testing.T, svc *Service) (installer.SessionID, installer.SessionHandle) {
	t.Helper()
	ctx := context.Background()
	id, err := svc.CreateSession(ctx, installer.Params{Mode: installer.ModeFullInstall, Owner: owner})
	require.NoError(t, err)
	h, err := svc.OpenSession(ctx, id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return id, h
}

func TestDeniedOwner(t *testing.T) {
	svc := New(WithDeniedOwner(owner))
	_, err := svc.CreateSession(context.Background(), installer.Params{Mode: installer.ModeFullInstall, Owner: owner})
	require.ErrorIs(t, err, installer.ErrPermission)
}

func TestInvalidMode(t *testing.T) {
	svc := New()
	_, err := svc.CreateSession(context.Background(), installer.Params{Mode: 7, Owner: owner})
	require.ErrorIs(t, err, installer.ErrBroker)
}

func TestStreamBounds(t *testing.T) {
	svc := New()
	id, h := newSession(t, svc)
	ctx := context.Background()

	_, err := h.OpenWrite(ctx, "a.apk", 5, 10)
	require.ErrorIs(t, err, installer.ErrBroker, "offset past end")

	w, err := h.OpenWrite(ctx, "a.apk", 0, 4)
	require.NoError(t, err)
	_, err = w.Write([]byte("12345"))
	require.ErrorIs(t, err, installer.ErrBroker, "exceeds declared length")
	_, err = w.Write([]byte("12"))
	require.NoError(t, err)
	require.ErrorIs(t, w.Close(), installer.ErrBroker, "short stream")

	w, err = h.OpenWrite(ctx, "b.apk", 0, installer.UnknownLength)
	require.NoError(t, err)
	_, err = w.Write([]byte("anything"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, []string{"a.apk", "b.apk"}, svc.Artifacts(id))
	data, ok := svc.Artifact(id, "b.apk")
	require.True(t, ok)
	require.Equal(t, "anything", string(data))
}

func TestFsyncCountsAndOwnership(t *testing.T) {
	svc := New()
	id, h := newSession(t, svc)
	_, h2 := newSession(t, svc)
	ctx := context.Background()

	w, err := h.OpenWrite(ctx, "a.apk", 0, installer.UnknownLength)
	require.NoError(t, err)
	require.NoError(t, h.Fsync(ctx, w))
	require.NoError(t, h.Fsync(ctx, w))
	require.Equal(t, 2, svc.FsyncCount(id))

	require.ErrorIs(t, h2.Fsync(ctx, w), installer.ErrProtocolViolation)
}

func TestFailWriteAfterBytes(t *testing.T) {
	svc := New()
	id, h := newSession(t, svc)
	svc.FailWrite("a.apk", 3)

	w, err := h.OpenWrite(context.Background(), "a.apk", 0, 8)
	require.NoError(t, err)
	n, err := w.Write([]byte("abcdefgh"))
	require.ErrorIs(t, err, ErrInjected)
	require.Equal(t, 3, n)
	require.NoError(t, w.Close())

	data, _ := svc.Artifact(id, "a.apk")
	require.Equal(t, "abc", string(data))
}

func TestKilledSession(t *testing.T) {
	svc := New()
	id, h := newSession(t, svc)
	ctx := context.Background()
	w, err := h.OpenWrite(ctx, "a.apk", 0, installer.UnknownLength)
	require.NoError(t, err)

	svc.Kill(id)
	_, err = w.Write([]byte("x"))
	require.ErrorIs(t, err, installer.ErrSessionDead)
	_, err = svc.OpenSession(ctx, id)
	require.ErrorIs(t, err, installer.ErrSessionDead)
	require.NoError(t, svc.AbandonSession(ctx, id))
}

func TestCommitModes(t *testing.T) {
	t.Run("sync delivers before return", func(t *testing.T) {
		svc := New(WithCommitMode(CommitSync))
		_, h := newSession(t, svc)
		delivered := false
		require.NoError(t, h.Commit(context.Background(), func(int, string) { delivered = true }))
		require.True(t, delivered)
	})

	t.Run("never delivers nothing", func(t *testing.T) {
		svc := New(WithCommitMode(CommitNever))
		_, h := newSession(t, svc)
		delivered := false
		require.NoError(t, h.Commit(context.Background(), func(int, string) { delivered = true }))
		svc.WaitCallbacks()
		require.False(t, delivered)
	})

	t.Run("duplicates invoke twice", func(t *testing.T) {
		svc := New(WithCommitMode(CommitSync), WithDuplicateCallbacks())
		_, h := newSession(t, svc)
		calls := 0
		require.NoError(t, h.Commit(context.Background(), func(int, string) { calls++ }))
		require.Equal(t, 2, calls)
	})

	t.Run("failure reports code and message", func(t *testing.T) {
		svc := New(WithCommitMode(CommitSync))
		svc.FailCommit(-22, "INSTALL_FAILED_VERSION_DOWNGRADE")
		id, h := newSession(t, svc)
		var status int
		var msg string
		require.NoError(t, h.Commit(context.Background(), func(s int, m string) { status, msg = s, m }))
		require.Equal(t, -22, status)
		require.Equal(t, "INSTALL_FAILED_VERSION_DOWNGRADE", msg)
		require.False(t, svc.Committed(id))
	})
}

func TestCommitSealsSession(t *testing.T) {
	svc := New(WithCommitMode(CommitSync))
	id, h := newSession(t, svc)
	ctx := context.Background()
	require.NoError(t, h.Commit(ctx, func(int, string) {}))

	_, err := h.OpenWrite(ctx, "late.apk", 0, 1)
	require.ErrorIs(t, err, installer.ErrProtocolViolation)
	require.ErrorIs(t, h.Commit(ctx, func(int, string) {}), installer.ErrProtocolViolation)
	require.ErrorIs(t, svc.AbandonSession(ctx, id), installer.ErrProtocolViolation)
}

func TestClosedHandle(t *testing.T) {
	svc := New()
	_, h := newSession(t, svc)
	require.NoError(t, h.Close())
	_, err := h.OpenWrite(context.Background(), "a.apk", 0, 1)
	require.ErrorIs(t, err, installer.ErrProtocolViolation)
}

func TestUnscopedListing(t *testing.T) {
	svc := New(WithUnscopedListing())
	ctx := context.Background()
	_, err := svc.CreateSession(ctx, installer.Params{Mode: installer.ModeFullInstall, Owner: other})
	require.NoError(t, err)
	infos, err := svc.GetSessions(ctx, owner.OwnerName, owner.UserScope)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, other, infos[0].Owner)
}

func TestFailAbandon(t *testing.T) {
	svc := New()
	id, _ := newSession(t, svc)
	boom := errors.New("binder died")
	svc.FailAbandon(id, boom)
	require.ErrorIs(t, svc.AbandonSession(context.Background(), id), boom)
	require.True(t, svc.Exists(id))
}
