package installer_test

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/installsession-go/installer"
	"github.com/ggoodman/installsession-go/remote/memremote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ListMineIsScoped(t *testing.T) {
	svc := memremote.New()
	ctx := context.Background()
	a := newBroker(t, svc, shell)
	b := newBroker(t, svc, store)

	var mine []installer.SessionID
	for range 2 {
		id, err := a.CreateSession(ctx, installer.ModeFullInstall, 0)
		require.NoError(t, err)
		mine = append(mine, id)
	}
	theirs, err := b.CreateSession(ctx, installer.ModeFullInstall, 0)
	require.NoError(t, err)

	infos, err := installer.NewRegistry(a).ListMine(ctx)
	require.NoError(t, err)
	var got []installer.SessionID
	for _, info := range infos {
		assert.Equal(t, shell, info.Owner)
		got = append(got, info.ID)
	}
	assert.Equal(t, mine, got)

	infos, err = installer.NewRegistry(b).ListMine(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, theirs, infos[0].ID)
}

func TestRegistry_AbandonAllContinuesPastFailures(t *testing.T) {
	svc := memremote.New(memremote.WithCommitMode(memremote.CommitSync))
	b := newBroker(t, svc, shell)
	ctx := context.Background()

	first, err := b.CreateSession(ctx, installer.ModeFullInstall, 0)
	require.NoError(t, err)
	committed := openSession(t, b)
	_, err = installer.NewCommitCoordinator(nil, time.Second).Commit(ctx, committed)
	require.NoError(t, err)
	require.NoError(t, committed.Close())
	third, err := b.CreateSession(ctx, installer.ModeFullInstall, 0)
	require.NoError(t, err)

	outcomes, err := installer.NewRegistry(b).AbandonAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, first, outcomes[0].ID)
	assert.True(t, outcomes[0].Abandoned())
	assert.Equal(t, committed.ID(), outcomes[1].ID)
	assert.ErrorIs(t, outcomes[1].Err, installer.ErrProtocolViolation)
	assert.Contains(t, outcomes[1].String(), "error")
	assert.Equal(t, third, outcomes[2].ID)
	assert.True(t, outcomes[2].Abandoned())

	assert.False(t, svc.Exists(first))
	assert.True(t, svc.Exists(committed.ID()))
	assert.False(t, svc.Exists(third))
}

func TestRegistry_AbandonAllEmpty(t *testing.T) {
	outcomes, err := installer.NewRegistry(newBroker(t, memremote.New(), shell)).AbandonAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}
