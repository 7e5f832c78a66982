package posaudio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const otherChannel ChannelID = 77

type routerFixture struct {
	host   *MemoryHost
	src    *fakeSource
	router *EventRouter
	mock   *clock.Mock

	mu         sync.Mutex
	discovered []RemoteConfig
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		host: newTestChannel(),
		src: &fakeSource{
			snapshot: snapshot(map[string]PositionEntry{}),
			tunables: RemoteTunables{
				CutoffDistance:           DefaultCutoff,
				AttenuationCoefficient:   DefaultRawAttenuation,
				SafeZoneSize:             DefaultSafeZone,
				UnregisteredCanBroadcast: true,
			},
		},
		mock: clock.NewMock(),
	}
	f.host.AddMember(testConn, 5, "dan", otherChannel)

	factory := func(rc RemoteConfig) PositionSource {
		f.mu.Lock()
		f.discovered = append(f.discovered, rc)
		f.mu.Unlock()
		return f.src
	}
	f.router = NewEventRouter(f.host, &RouterOptions{
		Config:        DefaultConfig(),
		Clock:         f.mock,
		SourceFactory: factory,
		Logger:        NopLogger(),
	})
	t.Cleanup(f.router.Close)
	return f
}

func (f *routerFixture) configure(channel ChannelID, desc string) {
	f.host.SetChannelDescription(testConn, channel, desc)
}

func (f *routerFixture) lastDiscovered() (RemoteConfig, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.discovered) == 0 {
		return RemoteConfig{}, 0
	}
	return f.discovered[len(f.discovered)-1], len(f.discovered)
}

// settle lets goroutines woken by the mock clock run.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

func TestRouterConfigAppearsStartsPolling(t *testing.T) {
	f := newRouterFixture(t)

	f.router.HandleConnected(testConn)
	assert.Equal(t, StateIdle, f.router.State(testConn))
	assert.False(t, f.router.Polling(testConn))
	f.mock.Add(time.Second)
	settle()
	assert.Equal(t, int32(0), f.src.fetches.Load())

	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleChannelEdited(testConn, testChannel)
	assert.Equal(t, StatePolling, f.router.State(testConn))
	assert.True(t, f.router.Polling(testConn))

	rc, _ := f.lastDiscovered()
	assert.Equal(t, RemoteConfig{Host: "srv.example", Port: "8080", Present: true}, rc)

	// One immediate refresh and update.
	f.mock.Add(0)
	require.Eventually(t, func() bool { return f.src.fetches.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), f.src.configs.Load())
	settle()
	assert.Equal(t, int32(1), f.src.fetches.Load())

	// The cadence starts after the kickoff delay plus one interval.
	interval := DefaultConfig().Interval()
	assert.Equal(t, 66*time.Millisecond, interval)
	f.mock.Add(DefaultKickoffDelay + interval - time.Millisecond)
	settle()
	assert.Equal(t, int32(1), f.src.fetches.Load())

	f.mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return f.src.fetches.Load() == 2 }, waitFor, tick)

	require.Eventually(t, func() bool {
		f.mock.Add(interval)
		return f.src.fetches.Load() >= 5
	}, waitFor, tick)
	assert.Equal(t, int32(1), f.src.configs.Load(), "config is fetched once per discovery")
}

func TestRouterCadenceWaitsForImmediateUpdate(t *testing.T) {
	f := newRouterFixture(t)
	release := make(chan struct{})
	f.src.mu.Lock()
	f.src.configBlock = release
	f.src.mu.Unlock()

	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleConnected(testConn)
	assert.True(t, f.router.Polling(testConn))
	f.mock.Add(0)
	require.Eventually(t, func() bool { return f.src.configs.Load() == 1 }, waitFor, tick)

	// A slow /config holds back the whole cadence, not only the first update.
	interval := DefaultConfig().Interval()
	for i := 0; i < 5; i++ {
		f.mock.Add(DefaultKickoffDelay + interval)
	}
	settle()
	assert.Equal(t, int32(0), f.src.fetches.Load())

	close(release)
	require.Eventually(t, func() bool { return f.src.fetches.Load() == 1 }, waitFor, tick)
	settle()
	assert.Equal(t, int32(1), f.src.fetches.Load())

	// The kickoff delay counts from the end of the immediate update.
	f.mock.Add(DefaultKickoffDelay + interval - time.Millisecond)
	settle()
	assert.Equal(t, int32(1), f.src.fetches.Load())

	f.mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return f.src.fetches.Load() == 2 }, waitFor, tick)
}

func TestRouterIgnoresEditsOfOtherChannels(t *testing.T) {
	f := newRouterFixture(t)
	f.router.HandleConnected(testConn)

	f.configure(otherChannel, "|srv.example|8080|")
	f.router.HandleChannelEdited(testConn, otherChannel)
	f.router.HandleChannelDescriptionUpdated(testConn, otherChannel)

	assert.False(t, f.router.RemoteConfig(testConn).Present)
	assert.False(t, f.router.Polling(testConn))
	_, n := f.lastDiscovered()
	assert.Equal(t, 0, n)
}

func TestRouterDescriptionUpdateOfCurrentChannel(t *testing.T) {
	f := newRouterFixture(t)
	f.router.HandleConnected(testConn)

	f.configure(testChannel, "Arena |10.1.1.1|9100|")
	f.router.HandleChannelDescriptionUpdated(testConn, testChannel)
	assert.Equal(t, "10.1.1.1:9100", f.router.RemoteConfig(testConn).String())
	assert.True(t, f.router.Polling(testConn))
}

func TestRouterIgnoresMovesOfOtherMembers(t *testing.T) {
	f := newRouterFixture(t)
	f.router.HandleConnected(testConn)

	f.configure(testChannel, "|srv.example|8080|")
	f.host.MoveMember(testConn, 2, otherChannel)
	f.router.HandleClientMoved(testConn, 2, testChannel, otherChannel)

	assert.False(t, f.router.Polling(testConn))
	_, n := f.lastDiscovered()
	assert.Equal(t, 0, n)
}

func TestRouterSelfMoveRediscovers(t *testing.T) {
	f := newRouterFixture(t)
	f.configure(otherChannel, "Arena |srv.example|8080|")
	f.router.HandleConnected(testConn)
	assert.False(t, f.router.Polling(testConn))

	f.host.MoveMember(testConn, localMember, otherChannel)
	f.router.HandleClientMoved(testConn, localMember, testChannel, otherChannel)
	assert.True(t, f.router.Polling(testConn))

	f.mock.Add(0)
	require.Eventually(t, func() bool {
		dan, ok := f.host.Position(testConn, 5)
		return ok && dan == Vector{}
	}, waitFor, tick, "members of the new channel are positioned")
	assert.Equal(t, int32(1), f.src.fetches.Load())
	settle()

	// Back into the unconfigured lobby: polling stops.
	f.host.MoveMember(testConn, localMember, testChannel)
	f.router.HandleClientMoved(testConn, localMember, otherChannel, testChannel)
	assert.False(t, f.router.Polling(testConn))
	assert.Equal(t, StateIdle, f.router.State(testConn))

	f.mock.Add(5 * time.Second)
	settle()
	assert.Equal(t, int32(1), f.src.fetches.Load())
}

func TestRouterRediscoveryReplacesTick(t *testing.T) {
	f := newRouterFixture(t)
	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleConnected(testConn)
	f.configure(testChannel, "|srv2.example|8081|")
	f.router.HandleChannelEdited(testConn, testChannel)

	rc, n := f.lastDiscovered()
	assert.Equal(t, "srv2.example:8081", rc.String())
	assert.Equal(t, 2, n)

	f.mock.Add(0)
	require.Eventually(t, func() bool { return f.src.fetches.Load() >= 1 }, waitFor, tick)
	settle()
	base := f.src.fetches.Load()

	// Only the second discovery's loop survives, so the first repeating
	// tick fetches exactly once.
	f.mock.Add(DefaultKickoffDelay + DefaultConfig().Interval())
	require.Eventually(t, func() bool { return f.src.fetches.Load() == base+1 }, waitFor, tick)
	settle()
	assert.Equal(t, base+1, f.src.fetches.Load())
}

func TestRouterMalformedConfigStopsPolling(t *testing.T) {
	f := newRouterFixture(t)
	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleConnected(testConn)
	require.True(t, f.router.Polling(testConn))

	f.configure(testChannel, "just one | delimiter")
	f.router.HandleChannelEdited(testConn, testChannel)
	assert.False(t, f.router.Polling(testConn))
	assert.False(t, f.router.RemoteConfig(testConn).Present)
}

func TestRouterHostFailureDuringDiscovery(t *testing.T) {
	f := newRouterFixture(t)
	f.configure(testChannel, "|srv.example|8080|")
	f.host.SetFailure("ChannelDescription", assert.AnError)
	f.router.HandleConnected(testConn)
	assert.False(t, f.router.Polling(testConn))

	f.host.SetFailure("ChannelDescription", nil)
	f.router.HandleChannelEdited(testConn, testChannel)
	assert.True(t, f.router.Polling(testConn))
}

func TestRouterEnableDisable(t *testing.T) {
	f := newRouterFixture(t)
	f.src.set(snapshot(map[string]PositionEntry{"alice": {Kind: EntryPosition, X: 3, Y: 3, Z: 3}}), nil)
	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleConnected(testConn)

	placed := Vector{X: -3, Y: 3, Z: 3}
	alicePosition := func() Vector {
		pos, _ := f.host.Position(testConn, 2)
		return pos
	}

	f.mock.Add(0)
	require.Eventually(t, func() bool { return alicePosition() == placed }, waitFor, tick)

	f.router.DisableGlobally()
	assert.False(t, f.router.Engine().Enabled())
	assert.Equal(t, StateDisabled, f.router.State(testConn))
	assert.True(t, f.router.Polling(testConn), "ticks keep running to hold members at zero")
	require.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		return alicePosition() == Vector{}
	}, waitFor, tick)

	f.router.EnableGlobally()
	assert.Equal(t, StatePolling, f.router.State(testConn))
	require.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		return alicePosition() == placed
	}, waitFor, tick)
}

func TestRouterSyncAccessor(t *testing.T) {
	f := newRouterFixture(t)
	_, ok := f.router.Sync(testConn)
	assert.False(t, ok)

	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleConnected(testConn)
	ps, ok := f.router.Sync(testConn)
	require.True(t, ok)
	settle()

	_, err := ps.Update(context.Background())
	if err != nil {
		// A scheduled tick may hold the slot.
		assert.True(t, IsErrorCode(err, ErrCodeTickInFlight))
	}
	assert.Equal(t, "srv.example:8080", ps.RemoteConfig().String())
}

func TestRouterRefreshConfiguration(t *testing.T) {
	f := newRouterFixture(t)
	f.router.HandleConnected(testConn)

	err := f.router.RefreshConfiguration(testConn)
	assert.True(t, IsErrorCode(err, ErrCodeNoChannelConfig))
	assert.True(t, IsErrorCode(f.router.RefreshConfiguration(99), ErrCodeNoChannelConfig))

	f.src.mu.Lock()
	f.src.tunables = RemoteTunables{CutoffDistance: 40, AttenuationCoefficient: 1, SafeZoneSize: 10, UnregisteredCanBroadcast: true}
	f.src.mu.Unlock()
	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleChannelEdited(testConn, testChannel)
	f.mock.Add(0)
	require.Eventually(t, func() bool { return f.src.configs.Load() == 1 }, waitFor, tick)

	require.NoError(t, f.router.RefreshConfiguration(testConn))
	f.mock.Add(0)
	require.Eventually(t, func() bool { return f.src.configs.Load() == 2 }, waitFor, tick)

	assert.Equal(t, 1.0, f.router.Rolloff(testConn, 2, 5))
	assert.InDelta(t, 0.5, f.router.Rolloff(testConn, 2, 25), 1e-12)
	assert.Equal(t, 0.0, f.router.Rolloff(testConn, 2, 40))
}

func TestRouterRolloffDefaults(t *testing.T) {
	f := newRouterFixture(t)
	assert.Equal(t, 1.0, f.router.Rolloff(testConn, 2, 10))
	assert.Equal(t, Volume(45, DefaultSafeZone, DefaultCutoff, 1/DefaultRawAttenuation), f.router.Rolloff(testConn, 2, 45))
	assert.Equal(t, 0.0, f.router.Rolloff(testConn, 2, 60))
}

func TestRouterDisconnect(t *testing.T) {
	f := newRouterFixture(t)
	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleConnected(testConn)
	require.True(t, f.router.Polling(testConn))
	settle()
	base := f.src.fetches.Load()

	f.router.HandleDisconnected(testConn)
	assert.False(t, f.router.Polling(testConn))
	_, ok := f.router.Sync(testConn)
	assert.False(t, ok)

	f.mock.Add(5 * time.Second)
	settle()
	assert.Equal(t, base, f.src.fetches.Load())

	// Unknown connections are a no-op.
	f.router.HandleDisconnected(testConn)
}

func TestRouterStateAndTickHandlers(t *testing.T) {
	f := newRouterFixture(t)

	var mu sync.Mutex
	var states []SyncState
	f.router.AddStateHandler(func(conn ConnectionID, state SyncState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})
	ticked := make(chan []Member, 4)
	f.router.AddTickHandler(func(conn ConnectionID, applied []Member) {
		ticked <- applied
	})

	f.router.HandleConnected(testConn)
	f.configure(testChannel, "|srv.example|8080|")
	f.router.HandleChannelEdited(testConn, testChannel)

	mu.Lock()
	assert.Equal(t, []SyncState{StateIdle, StatePolling}, states)
	mu.Unlock()

	f.mock.Add(0)
	select {
	case applied := <-ticked:
		assert.Len(t, applied, 3)
	case <-time.After(waitFor):
		t.Fatal("tick handler not called")
	}
}

func TestRouterMultipleConnections(t *testing.T) {
	f := newRouterFixture(t)
	const second ConnectionID = 8
	f.host.AddConnection(second, 1, "me-too", testChannel)
	f.host.SetChannelDescription(second, testChannel, "|other.example|9000|")

	f.router.HandleConnected(testConn)
	f.router.HandleConnected(second)
	assert.False(t, f.router.Polling(testConn))
	assert.True(t, f.router.Polling(second))
	assert.Equal(t, "other.example:9000", f.router.RemoteConfig(second).String())
}
