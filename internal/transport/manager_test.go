package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type recordingNotifier struct {
	mu           sync.Mutex
	connected    int
	disconnected []error
	fatal        bool
}

func (n *recordingNotifier) Connected(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected++
}

func (n *recordingNotifier) Disconnected(_ string, reason error, fatal bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, reason)
	n.fatal = n.fatal || fatal
}

func (n *recordingNotifier) counts() (int, int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected, len(n.disconnected), n.fatal
}

func newTestManager(t *testing.T) *Manager {
	return NewManager(testutil.TestLogger(t), stats.NewStatsUpdater(nil))
}

func testConfig(t *testing.T, gw *testutil.Gateway, n Notifier) Config {
	return Config{
		Channel:   "chat",
		Endpoint:  gw.URL(),
		Token:     StaticToken(gw.Token(t, 1, time.Hour)),
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  40 * time.Millisecond,
		Notifier:  n,
	}
}

func TestConfigValidate(t *testing.T) {
	tcases := []struct {
		name string
		cfg  Config
		err  bool
	}{
		{
			name: "defaults applied",
			cfg:  Config{Endpoint: "ws://localhost", Token: StaticToken("t")},
		},
		{
			name: "empty endpoint",
			cfg:  Config{Token: StaticToken("t")},
			err:  true,
		},
		{
			name: "nil token source",
			cfg:  Config{Endpoint: "ws://localhost"},
			err:  true,
		},
		{
			name: "max below base",
			cfg:  Config{Endpoint: "ws://localhost", Token: StaticToken("t"), BaseDelay: time.Second, MaxDelay: time.Millisecond},
			err:  true,
		},
		{
			name: "jitter out of range",
			cfg:  Config{Endpoint: "ws://localhost", Token: StaticToken("t"), Jitter: 1.5},
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.err {
				assert.Error(t, err, "expected validation error")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, defaultBaseDelay, tc.cfg.BaseDelay)
			assert.Equal(t, defaultMaxDelay, tc.cfg.MaxDelay)
			assert.Equal(t, defaultHandshakeTimeout, tc.cfg.HandshakeTimeout)
			assert.NotNil(t, tc.cfg.Notifier)
		})
	}
}

func TestNewBackOff_DoublesUpToCeiling(t *testing.T) {
	s := &Session{cfg: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}}
	bo := s.newBackOff()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, bo.NextBackOff())
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}, got, "expected delay to double and cap at the ceiling")
}

func TestConnect_DeliversFrames(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)
	n := &recordingNotifier{}

	frames := make(chan *protocol.Frame, 8)
	s, err := m.Connect(context.Background(), testConfig(t, gw, n), func(f *protocol.Frame) {
		frames <- f
	})
	require.NoError(t, err, "expected connect to succeed")
	defer m.Disconnect(s)

	assert.Eventually(t, func() bool { return s.State() == StateOpen && gw.Connections() == 1 }, waitTimeout, 5*time.Millisecond)

	gw.PushEvent(t, protocol.KindRoomUpdated, protocol.RoomUpdated{Room: types.Room{Id: 1}})
	gw.PushEvent(t, protocol.KindRoomUpdated, protocol.RoomUpdated{Room: types.Room{Id: 2}})

	for _, want := range []int64{1, 2} {
		select {
		case f := <-frames:
			var ev protocol.RoomUpdated
			require.NoError(t, f.Decode(&ev))
			assert.Equal(t, want, ev.Room.Id, "expected frames in delivery order")
		case <-time.After(waitTimeout):
			t.Fatal("expected frame to be delivered")
		}
	}

	connected, _, _ := n.counts()
	assert.Equal(t, 1, connected, "expected one connected notification")
}

func TestConnect_AuthRejected(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)
	n := &recordingNotifier{}

	cfg := testConfig(t, gw, n)
	cfg.Token = StaticToken("not-a-valid-token")

	s, err := m.Connect(context.Background(), cfg, func(*protocol.Frame) {})
	assert.Nil(t, s, "expected no session on rejected handshake")
	assert.ErrorIs(t, err, ErrAuthRejected, "expected auth rejection")

	_, disconnected, fatal := n.counts()
	assert.Equal(t, 1, disconnected)
	assert.True(t, fatal, "expected rejection to be reported as fatal")
	assert.Equal(t, 1, gw.Handshakes(), "expected no retry after rejection")
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	gw := testutil.NewGateway(t)
	gw.FailHandshakes(2)
	m := newTestManager(t)
	n := &recordingNotifier{}

	s, err := m.Connect(context.Background(), testConfig(t, gw, n), func(*protocol.Frame) {})
	require.NoError(t, err, "expected transient failure to still yield a session")
	defer m.Disconnect(s)

	assert.Eventually(t, func() bool { return s.State() == StateOpen }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 3, gw.Handshakes(), "expected two failed attempts and one success")
	assert.Equal(t, 0, s.Retries(), "expected retry counter to reset once open")

	_, disconnected, fatal := n.counts()
	assert.Equal(t, 2, disconnected)
	assert.False(t, fatal)
}

func TestSubscribe_ReplayedAfterReconnect(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)

	s, err := m.Connect(context.Background(), testConfig(t, gw, nil), func(*protocol.Frame) {})
	require.NoError(t, err)
	defer m.Disconnect(s)

	assert.Eventually(t, func() bool { return s.State() == StateOpen }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, m.Subscribe(s, "rooms", func(*protocol.Frame) {}))
	require.NoError(t, m.Subscribe(s, "presence", func(*protocol.Frame) {}))

	for _, want := range []string{"rooms", "presence"} {
		f := gw.NextFrame(t, waitTimeout)
		assert.Equal(t, protocol.KindSubscribe, f.Kind)
		assert.Equal(t, want, f.Topic)
	}

	gw.DropConnections()

	for _, want := range []string{"rooms", "presence"} {
		f := gw.NextFrame(t, waitTimeout)
		assert.Equal(t, protocol.KindSubscribe, f.Kind, "expected subscription to be replayed")
		assert.Equal(t, want, f.Topic, "expected replay in subscription order")
	}

	assert.Equal(t, 2, gw.Handshakes())
	assert.Equal(t, []string{"rooms", "presence"}, s.Topics())
}

func TestSubscribe_BeforeConnected(t *testing.T) {
	gw := testutil.NewGateway(t)
	gw.FailHandshakes(1)
	m := newTestManager(t)

	s, err := m.Connect(context.Background(), testConfig(t, gw, nil), func(*protocol.Frame) {})
	require.NoError(t, err)
	defer m.Disconnect(s)

	require.NoError(t, m.Subscribe(s, "rooms", func(*protocol.Frame) {}), "expected subscribe to be deferred until connected")

	f := gw.NextFrame(t, waitTimeout)
	assert.Equal(t, protocol.KindSubscribe, f.Kind)
	assert.Equal(t, "rooms", f.Topic)
}

func TestSubscribe_TopicRouting(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)

	fallback := make(chan *protocol.Frame, 4)
	topical := make(chan *protocol.Frame, 4)

	s, err := m.Connect(context.Background(), testConfig(t, gw, nil), func(f *protocol.Frame) { fallback <- f })
	require.NoError(t, err)
	defer m.Disconnect(s)

	require.NoError(t, m.Subscribe(s, "rooms", func(f *protocol.Frame) { topical <- f }))
	assert.Eventually(t, func() bool { return gw.Connections() == 1 }, waitTimeout, 5*time.Millisecond)

	f, err := protocol.NewFrame(protocol.KindRoomUpdated, "rooms", protocol.RoomUpdated{Room: types.Room{Id: 5}})
	require.NoError(t, err)
	require.NoError(t, gw.Push(f))

	select {
	case got := <-topical:
		assert.Equal(t, "rooms", got.Topic)
	case <-fallback:
		t.Fatal("expected topical frame to reach the topic handler")
	case <-time.After(waitTimeout):
		t.Fatal("expected frame to be delivered")
	}
}

func TestSubscribe_NilHandler(t *testing.T) {
	s := &Session{handlers: make(map[string]Handler)}
	m := &Manager{}
	assert.Error(t, m.Subscribe(s, "rooms", nil))
}

func TestUnsubscribe(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)

	s, err := m.Connect(context.Background(), testConfig(t, gw, nil), func(*protocol.Frame) {})
	require.NoError(t, err)
	defer m.Disconnect(s)

	require.NoError(t, m.Subscribe(s, "rooms", func(*protocol.Frame) {}))
	gw.NextFrame(t, waitTimeout)

	require.NoError(t, m.Unsubscribe(s, "rooms"))
	f := gw.NextFrame(t, waitTimeout)
	assert.Equal(t, protocol.KindUnsubscribe, f.Kind)
	assert.Empty(t, s.Topics())

	assert.NoError(t, m.Unsubscribe(s, "never-subscribed"), "expected unknown topic to be a no-op")
}

func TestDisconnect(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)

	s, err := m.Connect(context.Background(), testConfig(t, gw, nil), func(*protocol.Frame) {})
	require.NoError(t, err)

	m.Disconnect(s)

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send(&protocol.Frame{}), ErrSessionClosed)
	assert.ErrorIs(t, m.Subscribe(s, "rooms", func(*protocol.Frame) {}), ErrSessionClosed)

	select {
	case <-s.Done():
	default:
		t.Error("expected done channel to be closed")
	}
}

func TestReconnect_FatalRejection(t *testing.T) {
	gw := testutil.NewGateway(t)
	m := newTestManager(t)
	n := &recordingNotifier{}

	valid := gw.Token(t, 1, time.Hour)
	var mu sync.Mutex
	token := valid

	cfg := testConfig(t, gw, n)
	cfg.Token = func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return token, nil
	}

	s, err := m.Connect(context.Background(), cfg, func(*protocol.Frame) {})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return gw.Connections() == 1 }, waitTimeout, 5*time.Millisecond)

	mu.Lock()
	token = "revoked"
	mu.Unlock()
	gw.DropConnections()

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("expected session to stop after rejected reconnect")
	}

	assert.ErrorIs(t, s.Err(), ErrAuthRejected)
	_, _, fatal := n.counts()
	assert.True(t, fatal)
}

func TestSend_NotConnected(t *testing.T) {
	s := &Session{state: StateConnecting}
	assert.ErrorIs(t, s.Send(&protocol.Frame{}), ErrNotConnected)
}

func TestSend_QueueFull(t *testing.T) {
	s := &Session{state: StateOpen, send: make(chan *protocol.Frame, 1)}
	require.NoError(t, s.Send(&protocol.Frame{}))
	assert.True(t, errors.Is(s.Send(&protocol.Frame{}), ErrSendQueueFull))
}
