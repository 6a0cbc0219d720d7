package installer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/installsession-go/installer"
	"github.com/ggoodman/installsession-go/remote/memremote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *memremote.Service
	broker *installer.Broker
	inst   *installer.Installer
	sleeps *sleepRecorder
}

func newFixture(t *testing.T, commitTimeout time.Duration, svcOpts ...memremote.Option) *fixture {
	t.Helper()
	f := &fixture{svc: memremote.New(svcOpts...), sleeps: &sleepRecorder{}}
	opts := []installer.Option{installer.WithSleep(f.sleeps.sleep)}
	f.broker = newBroker(t, f.svc, shell, opts...)
	engine := installer.NewTransferEngine(installer.TransferConfig{
		ChunkSize:   1024,
		SyncEvery:   1,
		SettleDelay: 500 * time.Millisecond,
	}, opts...)
	f.inst = installer.NewInstaller(f.broker, engine, nil, commitTimeout, opts...)
	return f
}

func TestInstall_TwoArtifactsCommit(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	base, baseSrc := artifactOf("0.apk", payload(4096))
	split, splitSrc := artifactOf("1.apk", payload(8192))

	rep, err := f.inst.Install(context.Background(), installer.Request{
		Flags:     installer.FlagAllowTest | installer.FlagReplaceExisting,
		Artifacts: []installer.Artifact{base, split},
	})
	require.NoError(t, err)
	require.True(t, rep.Succeeded())
	require.Equal(t, installer.StateCommitted, rep.FinalState)
	require.Equal(t, shell, rep.Owner)
	require.NotEmpty(t, rep.TransactionID)

	id := rep.SessionID
	params, ok := f.svc.Params(id)
	require.True(t, ok)
	assert.True(t, params.Flags.Has(installer.FlagAllowTest|installer.FlagReplaceExisting))
	assert.Equal(t, installer.ModeFullInstall, params.Mode)
	assert.Equal(t, shell, params.Owner)

	assert.Equal(t, []string{"0.apk", "1.apk"}, f.svc.Artifacts(id))
	got, _ := f.svc.Artifact(id, "1.apk")
	assert.Equal(t, payload(8192), got)
	assert.Equal(t, 4+8, f.svc.FsyncCount(id))
	assert.True(t, f.svc.Committed(id))

	require.Len(t, rep.Artifacts, 2)
	assert.Equal(t, int64(4096), rep.Artifacts[0].Bytes)
	assert.Equal(t, int64(8192), rep.Artifacts[1].Bytes)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, f.sleeps.Delays())
	assert.True(t, baseSrc.closed.Load())
	assert.True(t, splitSrc.closed.Load())

	rec, err := f.broker.Journal().Get(context.Background(), int(id))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "committed", rec.State)
	assert.Equal(t, []string{"0.apk", "1.apk"}, rec.Artifacts)

	text := rep.String()
	for _, want := range []string{"create: ok", "write 0.apk: ok", "write 1.apk: ok", "commit: ok", "state: committed"} {
		assert.Contains(t, text, want)
	}
}

func TestInstall_WriteFailureAbandons(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.svc.FailWrite("1.apk", 100)
	base, _ := artifactOf("0.apk", payload(4096))
	split, splitSrc := artifactOf("1.apk", payload(8192))
	extra, extraSrc := artifactOf("2.apk", payload(10))

	rep, err := f.inst.Install(context.Background(), installer.Request{
		Artifacts: []installer.Artifact{base, split, extra},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, installer.ErrTransfer)
	assert.ErrorIs(t, err, memremote.ErrInjected)
	assert.False(t, rep.Succeeded())
	assert.Equal(t, installer.StateAbandoned, rep.FinalState)
	assert.False(t, f.svc.Exists(rep.SessionID))

	w, ok := rep.Stage(installer.StageWrite)
	require.True(t, ok)
	assert.False(t, w.OK)
	assert.Equal(t, "1.apk", w.Target)
	ab, ok := rep.Stage(installer.StageAbandon)
	require.True(t, ok)
	assert.True(t, ab.OK)
	_, committed := rep.Stage(installer.StageCommit)
	assert.False(t, committed)

	assert.True(t, splitSrc.closed.Load())
	assert.True(t, extraSrc.closed.Load(), "unstarted sources are closed")

	rec, err := f.broker.Journal().Get(context.Background(), int(rep.SessionID))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInstall_AbandonFailureIsJoined(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.svc.FailWrite("0.apk", 0)
	abandonErr := errors.New("transport lost")
	// Session ids start at 1 on a fresh service.
	f.svc.FailAbandon(1, abandonErr)
	a, _ := artifactOf("0.apk", payload(64))

	rep, err := f.inst.Install(context.Background(), installer.Request{Artifacts: []installer.Artifact{a}})
	require.Error(t, err)
	assert.ErrorIs(t, err, installer.ErrTransfer)
	assert.ErrorIs(t, err, abandonErr)
	assert.True(t, strings.Index(err.Error(), "transfer") < strings.Index(err.Error(), "transport lost"),
		"transfer error must come first: %v", err)

	ab, ok := rep.Stage(installer.StageAbandon)
	require.True(t, ok)
	assert.False(t, ab.OK)
	assert.Equal(t, installer.StateWriting, rep.FinalState)
}

func TestInstall_CommitTimeoutLeavesCommitting(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, memremote.WithCommitMode(memremote.CommitNever))
	a, _ := artifactOf("0.apk", payload(2048))

	rep, err := f.inst.Install(context.Background(), installer.Request{Artifacts: []installer.Artifact{a}})
	require.Error(t, err)
	assert.ErrorIs(t, err, installer.ErrTimeout)
	assert.True(t, installer.IsTimeout(err))
	assert.Nil(t, rep.Result)
	assert.Equal(t, installer.StateCommitting, rep.FinalState)
	_, abandoned := rep.Stage(installer.StageAbandon)
	assert.False(t, abandoned, "timed out sessions are not abandoned automatically")

	rec, err := f.broker.Journal().Get(context.Background(), int(rep.SessionID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "committing", rec.State)
	assert.True(t, rec.CommitTimedOut)

	// Manual cleanup through the registry.
	outcomes, err := installer.NewRegistry(f.broker).AbandonAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Abandoned(), outcomes[0].String())
	assert.False(t, f.svc.Exists(rep.SessionID))
}

func TestInstall_CommitFailureReported(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.svc.FailCommit(-104, "INSTALL_FAILED_UPDATE_INCOMPATIBLE")
	a, _ := artifactOf("0.apk", payload(16))

	rep, err := f.inst.Install(context.Background(), installer.Request{Artifacts: []installer.Artifact{a}})
	require.Error(t, err)
	var ce *installer.CommitError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, installer.ErrCommitFailed)
	require.NotNil(t, rep.Result)
	assert.Equal(t, installer.StatusFailure, rep.Result.Status)
	assert.Equal(t, -104, rep.Result.Code)
	assert.Equal(t, "INSTALL_FAILED_UPDATE_INCOMPATIBLE", rep.Result.Message)
	assert.Equal(t, installer.StateFailed, rep.FinalState)
	assert.Contains(t, rep.String(), "commit: failed")
}

func TestInstall_PermissionDenied(t *testing.T) {
	f := newFixture(t, time.Second, memremote.WithDeniedOwner(shell))
	a, src := artifactOf("0.apk", payload(16))

	rep, err := f.inst.Install(context.Background(), installer.Request{Artifacts: []installer.Artifact{a}})
	require.ErrorIs(t, err, installer.ErrPermission)
	assert.Equal(t, installer.SessionID(0), rep.SessionID)
	assert.Equal(t, installer.StateUnknown, rep.FinalState)
	assert.True(t, src.closed.Load())
	require.Len(t, rep.Stages, 1)
	assert.Equal(t, installer.StageCreate, rep.Stages[0].Stage)
}

func TestInstall_SyncCallback(t *testing.T) {
	f := newFixture(t, time.Second, memremote.WithCommitMode(memremote.CommitSync), memremote.WithDuplicateCallbacks())
	a, _ := artifactOf("0.apk", payload(16))

	rep, err := f.inst.Install(context.Background(), installer.Request{Artifacts: []installer.Artifact{a}})
	require.NoError(t, err)
	assert.True(t, rep.Succeeded())
}
