package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrNotConnected   = errors.New("session not connected")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrAuthRejected   = errors.New("handshake rejected")
	errInvalidHandler = errors.New("handler cannot be nil")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives inbound frames. Frames are delivered serially in the
// order they were read from the socket.
type Handler func(*protocol.Frame)

// Session is one persistent connection for a logical channel. It survives
// reconnects; only Disconnect or a rejected handshake closes it.
type Session struct {
	Id       string
	cfg      Config
	m        *Manager
	log      zerolog.Logger
	stats    stats.StatsProvider
	fallback Handler

	mu       sync.Mutex
	state    State
	retries  int
	topics   []string
	handlers map[string]Handler
	send     chan *protocol.Frame
	err      error

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(m *Manager, cfg Config, h Handler) *Session {
	id := uuid.NewString()
	return &Session{
		Id:       id,
		cfg:      cfg,
		m:        m,
		log:      m.log.With().Str("channel", cfg.Channel).Str("session", id).Logger(),
		stats:    m.stats,
		fallback: h,
		state:    StateConnecting,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns the number of consecutive failed handshakes since the
// session was last open.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Err returns the fatal error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has stopped for good.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Topics returns the current subscriptions in subscription order.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// Send queues an outbound frame on the live connection.
func (s *Session) Send(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(f)
}

func (s *Session) enqueueLocked(f *protocol.Frame) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.send == nil {
		return ErrNotConnected
	}

	select {
	case s.send <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseDelay
	bo.MaxInterval = s.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = s.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer s.setState(StateClosed)

	bo := s.newBackOff()
	for {
		if conn == nil {
			s.setState(StateConnecting)
			timer := time.NewTimer(bo.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			s.mu.Lock()
			s.retries++
			s.mu.Unlock()
			s.stats.Incr(stats.Reconnects)

			c, err := s.m.dial(ctx, s)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				fatal := errors.Is(err, ErrAuthRejected)
				s.log.Warn().Err(err).Int("retries", s.Retries()).Bool("fatal", fatal).Msg("reconnect failed")
				s.cfg.Notifier.Disconnected(s.cfg.Channel, err, fatal)
				if fatal {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
					return
				}
				continue
			}
			conn = c
		}

		bo.Reset()
		err := s.serve(ctx, conn)
		conn = nil
		if ctx.Err() != nil {
			return
		}

		s.log.Info().Err(err).Msg("connection lost")
		s.cfg.Notifier.Disconnected(s.cfg.Channel, err, false)
	}
}

// serve runs the pumps for one live connection and blocks until it drops.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan *protocol.Frame, sendQueueSize)

	s.mu.Lock()
	s.state = StateOpen
	s.retries = 0
	s.send = send
	for _, topic := range s.topics {
		f, err := protocol.SubscribeFrame(topic)
		if err != nil {
			s.log.Error().Err(err).Str("topic", topic).Msg("build subscribe frame")
			continue
		}
		if err := s.enqueueLocked(f); err != nil {
			s.log.Error().Err(err).Str("topic", topic).Msg("resubscribe")
		}
	}
	s.mu.Unlock()

	s.stats.Incr(stats.OpenSessions)
	defer s.stats.Decr(stats.OpenSessions)

	s.log.Info().Msg("connected")
	s.cfg.Notifier.Connected(s.cfg.Channel)

	connDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump(conn, send, connDone)
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-connDone:
		}
	}()

	err := s.readPump(conn)
	close(connDone)
	conn.Close()
	<-writeDone

	s.mu.Lock()
	s.send = nil
	s.mu.Unlock()

	return err
}

func (s *Session) writePump(conn *websocket.Conn, send <-chan *protocol.Frame, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-send:
			raw, err := json.Marshal(f)
			if err != nil {
				s.log.Error().Err(err).Str("kind", string(f.Kind)).Msg("failed to serialize frame")
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.log.Warn().Err(err).Msg("write frame")
				conn.Close()
				return
			}
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("read")
			}
			return err
		}

		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.log.Warn().Err(err).Msg("error parsing frame")
			s.stats.Incr(stats.DroppedEvents)
			continue
		}

		s.deliver(&f)
	}
}

func (s *Session) deliver(f *protocol.Frame) {
	s.mu.Lock()
	h, ok := s.handlers[f.Topic]
	if !ok {
		h = s.fallback
	}
	s.mu.Unlock()

	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("kind", string(f.Kind)).Msg("frame handler panicked")
		}
	}()
	h(f)
}
