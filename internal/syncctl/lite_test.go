package syncctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/streamid"
)

func liteOpts() Options { return Options{LiteTick: time.Millisecond} }

func TestLiteLoadsPriorityStreamsFirst(t *testing.T) {
	hp := streamid.NewGDMID()
	fav := streamid.NewGDMID()
	space := streamid.NewSpaceID()
	channel := newChannel(t, space)

	del := newFakeDelegate()
	l := NewLite(del, newFakePersistence(hp), liteOpts())
	l.SetStreamIDs([]streamid.ID{hp, fav, channel})
	l.SetHighPriorityIDs([]streamid.ID{hp})
	l.SetFavoriteIDs([]streamid.ID{fav})
	l.Start(context.Background())
	defer l.Stop()

	waitStatus(t, l, func(s InitStatus) bool { return s.IsLocalDataLoaded })
	calls := del.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.ElementsMatch(t, []initCall{
		{id: hp, allowNetwork: true, persisted: true},
		{id: fav, allowNetwork: true, persisted: false},
	}, calls[:2])
	assert.True(t, l.Status().IsHighPriorityDataLoaded)
	assert.Equal(t, 1, del.SyncStarts())
}

func TestLiteHydratesOnlyEligibleStreams(t *testing.T) {
	hpSpace := streamid.NewSpaceID()
	otherSpace := streamid.NewSpaceID()
	inHPSpace := newChannel(t, hpSpace)
	elsewhere := newChannel(t, otherSpace)
	gdm := streamid.NewGDMID()

	del := newFakeDelegate()
	l := NewLite(del, newFakePersistence(), liteOpts())
	l.SetStreamIDs([]streamid.ID{gdm, elsewhere, otherSpace, inHPSpace, hpSpace})
	l.SetHighPriorityIDs([]streamid.ID{hpSpace})
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return del.Called(gdm) }, waitFor, tick)
	assert.Equal(t, []streamid.ID{hpSpace, inHPSpace, gdm}, del.CalledIDs())

	assert.Never(t, func() bool {
		return del.Called(elsewhere) || del.Called(otherSpace)
	}, 50*time.Millisecond, tick)
	assert.False(t, l.Status().IsRemoteDataLoaded)
	assert.Equal(t, 1.0, l.Status().Progress)
}

func TestLiteWakesOnPriorityChange(t *testing.T) {
	space := streamid.NewSpaceID()
	channel := newChannel(t, space)

	del := newFakeDelegate()
	l := NewLite(del, newFakePersistence(), liteOpts())
	l.SetStreamIDs([]streamid.ID{channel})
	l.Start(context.Background())
	defer l.Stop()

	waitStatus(t, l, func(s InitStatus) bool { return s.IsLocalDataLoaded })
	assert.Never(t, func() bool { return del.Called(channel) }, 30*time.Millisecond, tick)

	l.SetHighPriorityIDs([]streamid.ID{space})
	require.Eventually(t, func() bool { return del.Called(channel) }, waitFor, tick)
	assert.Equal(t, []streamid.ID{space, channel}, del.CalledIDs())
}

func TestLiteRetriesFailuresAfterPriorityChange(t *testing.T) {
	hp := streamid.NewGDMID()
	del := newFakeDelegate()
	del.fail[hp] = errInit
	l := NewLite(del, newFakePersistence(), liteOpts())
	l.SetHighPriorityIDs([]streamid.ID{hp})
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return len(del.Calls()) == 1 }, waitFor, tick)
	assert.Less(t, l.Status().Progress, 1.0)

	del.mu.Lock()
	delete(del.fail, hp)
	del.mu.Unlock()
	l.SetFavoriteIDs(nil)

	require.Eventually(t, func() bool { return len(del.Calls()) == 2 }, waitFor, tick)
	waitStatus(t, l, func(s InitStatus) bool { return s.Progress == 1 })
}

func TestLiteStartAndStopAreIdempotent(t *testing.T) {
	del := newFakeDelegate()
	l := NewLite(del, newFakePersistence(), liteOpts())

	l.Stop()
	l.Start(context.Background())
	l.Start(context.Background())
	waitStatus(t, l, func(s InitStatus) bool { return s.IsLocalDataLoaded })
	l.Stop()
	l.Stop()

	assert.Equal(t, 1, del.SyncStarts())
}

func TestLiteStopWaitsForInFlightLoads(t *testing.T) {
	hp := streamid.NewGDMID()
	del := newFakeDelegate()
	del.gate(hp)
	l := NewLite(del, newFakePersistence(), liteOpts())
	l.SetHighPriorityIDs([]streamid.ID{hp})
	l.Start(context.Background())

	require.Eventually(t, func() bool { return del.Called(hp) }, waitFor, tick)
	l.Stop()

	del.mu.Lock()
	defer del.mu.Unlock()
	assert.Zero(t, del.inFlight)
}
