package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/rs/zerolog"
)

const (
	defaultBaseDelay        = 500 * time.Millisecond
	defaultMaxDelay         = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// TokenSource returns the current bearer credential. It is called before
// every handshake so that a credential refreshed elsewhere is picked up.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type Notifier interface {
	Connected(channel string)
	Disconnected(channel string, reason error, fatal bool)
}

// NotifierFuncs adapts plain functions to Notifier. Nil fields are skipped.
type NotifierFuncs struct {
	OnConnected    func(channel string)
	OnDisconnected func(channel string, reason error, fatal bool)
}

func (n NotifierFuncs) Connected(channel string) {
	if n.OnConnected != nil {
		n.OnConnected(channel)
	}
}

func (n NotifierFuncs) Disconnected(channel string, reason error, fatal bool) {
	if n.OnDisconnected != nil {
		n.OnDisconnected(channel, reason, fatal)
	}
}

type Config struct {
	Channel          string
	Endpoint         string
	Token            TokenSource
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           float64
	HandshakeTimeout time.Duration
	Notifier         Notifier
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if c.Token == nil {
		return fmt.Errorf("token source cannot be nil")
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0,1)")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Notifier == nil {
		c.Notifier = NotifierFuncs{}
	}
	return nil
}

// Manager owns the sockets of every channel session it creates.
type Manager struct {
	log    zerolog.Logger
	stats  stats.StatsProvider
	dialer *websocket.Dialer
}

func NewManager(logger zerolog.Logger, su stats.StatsProvider) *Manager {
	su.RegisterMetric(stats.OpenSessions)
	su.RegisterMetric(stats.Reconnects)

	return &Manager{
		log:   logger.With().Str("component", "transport").Logger(),
		stats: su,
		dialer: &websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
		},
	}
}

// Connect performs the first handshake and starts the session. A rejected
// credential is returned as ErrAuthRejected. Any other handshake failure
// still yields a session, which keeps retrying in the background.
func (m *Manager) Connect(ctx context.Context, cfg Config, h Handler) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := newSession(m, cfg, h)

	conn, err := m.dial(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fatal := errors.Is(err, ErrAuthRejected)
		cfg.Notifier.Disconnected(cfg.Channel, err, fatal)
		if fatal {
			return nil, err
		}
		s.log.Warn().Err(err).Msg("initial handshake failed, retrying")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, conn)

	return s, nil
}

// Disconnect closes the session and waits for its pumps to exit.
func (m *Manager) Disconnect(s *Session) {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Subscribe registers h for frames carrying topic and announces the
// subscription. Subscriptions are replayed after every reconnect.
func (m *Manager) Subscribe(s *Session, topic string, h Handler) error {
	if h == nil {
		return errInvalidHandler
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}

	if !slices.Contains(s.topics, topic) {
		s.topics = append(s.topics, topic)
	}
	s.handlers[topic] = h

	if s.send == nil {
		// replayed on connect
		return nil
	}

	f, err := protocol.SubscribeFrame(topic)
	if err != nil {
		return err
	}
	return s.enqueueLocked(f)
}

func (m *Manager) Unsubscribe(s *Session, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.topics, topic)
	if i < 0 {
		return nil
	}
	s.topics = slices.Delete(s.topics, i, i+1)
	delete(s.handlers, topic)

	if s.send == nil {
		return nil
	}

	f, err := protocol.UnsubscribeFrame(topic)
	if err != nil {
		return err
	}
	return s.enqueueLocked(f)
}

func (m *Manager) dial(ctx context.Context, s *Session) (*websocket.Conn, error) {
	token, err := s.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.dialer.DialContext(dialCtx, s.cfg.Endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.Endpoint, err)
	}

	return conn, nil
}
