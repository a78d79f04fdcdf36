package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/sessionrelay/internal/configstore"
	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/transport"
	"github.com/codefionn/sessionrelay/internal/transport/transporttest"
)

const (
	testGrace     = 20 * time.Millisecond
	testReconnect = 100 * time.Millisecond
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

type fixture struct {
	ctrl     *Controller
	provider *transporttest.Provider
	store    configstore.Store
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, configstore.NewFileStore(filepath.Join(t.TempDir(), "sessions.config.json")))
}

func newFixtureWithStore(t *testing.T, store configstore.Store) *fixture {
	t.Helper()
	provider := transporttest.NewProvider()
	bus := events.NewBus()
	ctrl := NewController(provider, store, nil, bus, Options{
		GraceDelay:     testGrace,
		ReconnectDelay: testReconnect,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return &fixture{ctrl: ctrl, provider: provider, store: store, bus: bus}
}

func (f *fixture) connect(t *testing.T, id string) (*Session, *transporttest.Handle) {
	t.Helper()
	f.provider.SetCredentials(id, true)
	s, err := f.ctrl.CreateOrGet(context.Background(), id)
	require.NoError(t, err)
	h := f.provider.Latest(id)
	require.True(t, h.EmitOpened())
	waitStatus(t, s, StatusConnected)
	return s, h
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	assert.Eventually(t, func() bool { return s.Status() == want }, waitFor, tick,
		"session %s never reached %s (last %s)", s.ID, want, s.Status())
}

func waitAbsent(t *testing.T, r *Registry, id string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, ok := r.Get(id)
		return !ok
	}, waitFor, tick)
}

func nextEvent(t *testing.T, sub *events.Subscription, topic events.Topic) events.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-sub.C():
			if ev.Topic == topic {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event received", topic)
			return events.Event{}
		}
	}
}

func listed(t *testing.T, store configstore.Store) []string {
	t.Helper()
	entries, err := store.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SessionID)
	}
	return ids
}

func TestCreateOrGetReturnsSameInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.CreateOrGet(ctx, "s1")
	require.NoError(t, err)
	second, err := f.ctrl.CreateOrGet(ctx, "s1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.provider.Opens("s1"))
	assert.Equal(t, 1, f.provider.Latest("s1").Connects())
	assert.Equal(t, StatusInitializing, first.Status())
}

func TestCreateOrGetConcurrentCallersShareOneHandle(t *testing.T) {
	f := newFixture(t)
	f.provider.OpenDelay = 30 * time.Millisecond

	const callers = 16
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.provider.Opens("s1"))
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestCreateOrGetTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.SetOpenErr(errors.New("dial failed"))

	s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	assert.Nil(t, s)

	var tce *TransportConstructionError
	require.ErrorAs(t, err, &tce)
	assert.Equal(t, "s1", tce.SessionID)
	assert.Equal(t, 0, f.ctrl.Registry().Len())
}

func TestCreateOrGetRejectsInvalidID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, "a\x00b"} {
		_, err := f.ctrl.CreateOrGet(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidSessionID, "id %q", id)
	}
	assert.Equal(t, 0, f.ctrl.Registry().Len())
}

func TestStartWithInvalidIDPersistsNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Start(context.Background(), `a\b`, "x")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	var tce *TransportConstructionError
	assert.False(t, errors.As(err, &tce))
	assert.Empty(t, listed(t, f.store))
	assert.Zero(t, f.provider.Opens(`a\b`))
}

func TestPairingCodeEvent(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe("s1")
	defer sub.Unsubscribe()

	s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, f.provider.Latest("s1").EmitPairingCode("2@abc"))

	ev := nextEvent(t, sub, events.TopicPairingCode)
	assert.Equal(t, "2@abc", ev.Code)
	assert.Equal(t, StatusQRPending, s.Status())
	assert.Equal(t, "2@abc", s.PairingCode())

	statuses := f.ctrl.ListStatuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].QRAvailable)
	assert.Equal(t, StatusQRPending, statuses[0].Status)
}

func TestOpenedWithCredentialsConnectsAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.provider.SetCredentials("s1", true)
	sub := f.bus.Subscribe("s1")
	defer sub.Unsubscribe()

	s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	h := f.provider.Latest("s1")
	require.True(t, h.EmitPairingCode("code"))
	require.True(t, h.EmitOpened())

	ev := nextEvent(t, sub, events.TopicStatusUpdate)
	for ev.Status != string(StatusLinking) {
		ev = nextEvent(t, sub, events.TopicStatusUpdate)
	}
	nextEvent(t, sub, events.TopicConnectionOpened)

	assert.Equal(t, StatusConnected, s.Status())
	assert.Empty(t, s.PairingCode())

	resolved, ok := f.ctrl.Registry().Resolve("s1")
	require.True(t, ok)
	assert.Same(t, h, resolved)
}

func TestOpenedWithoutCredentialsFailsLinking(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe("s1", events.TopicConnectionClosed)
	defer sub.Unsubscribe()

	s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	first := f.provider.Latest("s1")
	require.True(t, first.EmitOpened())

	ev := nextEvent(t, sub, events.TopicConnectionClosed)
	assert.Equal(t, string(StatusFailedLinking), ev.Status)
	assert.Equal(t, StatusFailedLinking, s.Status())

	_, ok := f.ctrl.Registry().Resolve("s1")
	assert.False(t, ok)

	// a failed link is not live, so asking again starts over
	again, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotSame(t, s, again)
	assert.Equal(t, 2, f.provider.Opens("s1"))
	assert.True(t, first.Closed())
}

func TestCloseDuringGraceVoidsLinkCheck(t *testing.T) {
	f := newFixture(t)
	f.provider.SetCredentials("s1", true)
	sub := f.bus.Subscribe("s1", events.TopicConnectionOpened)
	defer sub.Unsubscribe()

	s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	h := f.provider.Latest("s1")
	require.True(t, h.EmitOpened())
	require.True(t, h.EmitClosed(transport.CloseOther))

	waitStatus(t, s, StatusDisconnected)
	time.Sleep(3 * testGrace)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected %s after close", ev.Topic)
	default:
	}
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestPairingCodeClearedOnClose(t *testing.T) {
	f := newFixture(t)
	s, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	h := f.provider.Latest("s1")
	require.True(t, h.EmitPairingCode("code"))
	require.True(t, h.EmitClosed(transport.CloseOther))

	waitStatus(t, s, StatusDisconnected)
	assert.Empty(t, s.PairingCode())
}

func TestLogoutRemovesRegistryStoreAndCredentials(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe("s1", events.TopicConnectionClosed)
	defer sub.Unsubscribe()

	_, err := f.ctrl.Start(context.Background(), "s1", "front desk")
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, listed(t, f.store))
	h := f.provider.Latest("s1")
	f.provider.SetCredentials("s1", true)
	require.True(t, h.EmitOpened())
	s, _ := f.ctrl.Get("s1")
	waitStatus(t, s, StatusConnected)

	require.NoError(t, f.ctrl.Logout(context.Background(), "s1"))

	ev := nextEvent(t, sub, events.TopicConnectionClosed)
	assert.Equal(t, string(StatusUnlinked), ev.Status)
	waitAbsent(t, f.ctrl.Registry(), "s1")

	assert.Empty(t, listed(t, f.store))
	assert.Equal(t, 1, f.provider.Removals("s1"))
	ok, _ := f.provider.HasCredentials("s1")
	assert.False(t, ok)
	assert.True(t, h.Closed())
	assert.Equal(t, 1, h.Logouts())
	assert.False(t, f.ctrl.PendingReconnect("s1"))
}

func TestUnlinkContinuesWhenCredentialRemovalFails(t *testing.T) {
	f := newFixture(t)
	f.provider.RemoveErr = errors.New("permission denied")

	_, err := f.ctrl.Start(context.Background(), "s1", "")
	require.NoError(t, err)
	require.True(t, f.provider.Latest("s1").EmitClosed(transport.CloseLoggedOut))

	waitAbsent(t, f.ctrl.Registry(), "s1")
	assert.Eventually(t, func() bool { return len(listed(t, f.store)) == 0 }, waitFor, tick)
	assert.Equal(t, 1, f.provider.Removals("s1"))
}

func TestLogoutUnknownSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ctrl.Logout(context.Background(), "nope"), ErrSessionNotFound)
}

func TestDisconnectSchedulesSingleReconnect(t *testing.T) {
	f := newFixture(t)
	s, h := f.connect(t, "s1")

	require.True(t, h.EmitClosed(transport.CloseOther))
	waitStatus(t, s, StatusDisconnected)
	waitAbsent(t, f.ctrl.Registry(), "s1")
	assert.True(t, f.ctrl.PendingReconnect("s1"))
	assert.True(t, h.Closed())
	assert.Equal(t, 1, f.provider.Opens("s1"))

	assert.Eventually(t, func() bool {
		fresh, ok := f.ctrl.Get("s1")
		return ok && fresh != s
	}, waitFor, tick)
	assert.Equal(t, 2, f.provider.Opens("s1"))
	assert.False(t, f.ctrl.PendingReconnect("s1"))

	time.Sleep(2 * testReconnect)
	assert.Equal(t, 2, f.provider.Opens("s1"))
}

func TestReconnectSkippedWhenSessionRecreated(t *testing.T) {
	f := newFixture(t)
	_, h := f.connect(t, "s1")

	require.True(t, h.EmitClosed(transport.CloseOther))
	waitAbsent(t, f.ctrl.Registry(), "s1")

	recreated, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 2, f.provider.Opens("s1"))

	time.Sleep(3 * testReconnect)
	assert.Equal(t, 2, f.provider.Opens("s1"))
	current, ok := f.ctrl.Get("s1")
	require.True(t, ok)
	assert.Same(t, recreated, current)
}

func TestReconnectRetriesAfterTransportFailure(t *testing.T) {
	f := newFixture(t)
	_, h := f.connect(t, "s1")

	f.provider.SetOpenErr(errors.New("offline"))
	require.True(t, h.EmitClosed(transport.CloseOther))
	waitAbsent(t, f.ctrl.Registry(), "s1")

	time.Sleep(testReconnect + 50*time.Millisecond)
	assert.True(t, f.ctrl.PendingReconnect("s1"))

	f.provider.SetOpenErr(nil)
	assert.Eventually(t, func() bool {
		_, ok := f.ctrl.Get("s1")
		return ok
	}, waitFor, tick)
}

func TestEventsFromRetiredHandleAreIgnored(t *testing.T) {
	f := newFixture(t)
	s, h := f.connect(t, "s1")

	require.True(t, h.EmitClosed(transport.CloseOther))
	waitStatus(t, s, StatusDisconnected)

	recreated, err := f.ctrl.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)

	// the old handle is closed and can no longer deliver anything
	assert.False(t, h.EmitOpened())
	assert.Equal(t, StatusInitializing, recreated.Status())
}

func TestConcurrentLogoutsLeaveStoreEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handles := map[string]*transporttest.Handle{}
	for _, id := range []string{"a", "b"} {
		_, err := f.ctrl.Start(ctx, id, "")
		require.NoError(t, err)
		handles[id] = f.provider.Latest(id)
	}
	require.ElementsMatch(t, []string{"a", "b"}, listed(t, f.store))

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *transporttest.Handle) {
			defer wg.Done()
			h.EmitClosed(transport.CloseLoggedOut)
		}(h)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return f.ctrl.Registry().Len() == 0 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(listed(t, f.store)) == 0 }, waitFor, tick)
	assert.Equal(t, 1, f.provider.Removals("a"))
	assert.Equal(t, 1, f.provider.Removals("b"))
}

func TestInitializeStartsListedSessions(t *testing.T) {
	store := configstore.NewFileStore(filepath.Join(t.TempDir(), "sessions.config.json"))
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		_, err := store.AddIfAbsent(ctx, configstore.Entry{SessionID: id})
		require.NoError(t, err)
	}
	f := newFixtureWithStore(t, store)

	require.NoError(t, f.ctrl.Initialize(ctx))
	assert.Equal(t, 2, f.ctrl.Registry().Len())
	assert.Equal(t, 1, f.provider.Opens("s1"))
	assert.Equal(t, 1, f.provider.Opens("s2"))
}

func TestInitializeContinuesPastFailures(t *testing.T) {
	store := configstore.NewFileStore(filepath.Join(t.TempDir(), "sessions.config.json"))
	ctx := context.Background()
	_, err := store.AddIfAbsent(ctx, configstore.Entry{SessionID: "s1"})
	require.NoError(t, err)
	f := newFixtureWithStore(t, store)
	f.provider.SetOpenErr(errors.New("boom"))

	assert.NoError(t, f.ctrl.Initialize(ctx))
	assert.Equal(t, 0, f.ctrl.Registry().Len())
}

type failingStore struct{ err error }

func (s failingStore) List(ctx context.Context) ([]configstore.Entry, error) { return nil, s.err }
func (s failingStore) AddIfAbsent(ctx context.Context, e configstore.Entry) (bool, error) {
	return false, s.err
}
func (s failingStore) Remove(ctx context.Context, id string) error { return s.err }

func TestStartPersistenceFailureCreatesNothing(t *testing.T) {
	f := newFixtureWithStore(t, failingStore{err: errors.New("disk full")})

	_, err := f.ctrl.Start(context.Background(), "s1", "")
	var cpe *ConfigPersistenceError
	require.ErrorAs(t, err, &cpe)
	assert.Equal(t, "add", cpe.Op)
	assert.Equal(t, 0, f.provider.Opens("s1"))

	err = f.ctrl.Initialize(context.Background())
	assert.ErrorAs(t, err, &cpe)
}

func TestShutdownClosesHandlesAndKeepsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.Start(ctx, "s1", "")
	require.NoError(t, err)
	h := f.provider.Latest("s1")

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.ctrl.Shutdown(shutdownCtx))

	assert.True(t, h.Closed())
	assert.Equal(t, 0, f.ctrl.Registry().Len())
	assert.Equal(t, []string{"s1"}, listed(t, f.store))

	_, err = f.ctrl.CreateOrGet(ctx, "s1")
	assert.ErrorIs(t, err, ErrShutdown)
}
