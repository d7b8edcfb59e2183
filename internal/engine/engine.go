package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/events"
	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/presence"
	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const (
	ChatChannel       = "chat"
	FriendshipChannel = "friendship"

	defaultRequestTimeout = 15 * time.Second
	defaultPageSize       = 20
	taskQueueSize         = 256
)

var ErrStopped = errors.New("engine stopped")

// FileSender uploads a media message.
type FileSender interface {
	SendFile(ctx context.Context, roomId int64, fileName string, r io.Reader, clientMsgId string, typ types.MessageType) (types.Message, error)
}

// API is every REST collaborator the engine calls.
type API interface {
	directory.RoomFetcher
	timeline.HistoryFetcher
	timeline.MessageSender
	FileSender
	friendship.Fetcher
	friendship.Actions
}

// ErrorReporter surfaces failed user-visible operations, once per failure.
type ErrorReporter interface {
	Report(op string, err error)
}

type ReporterFunc func(op string, err error)

func (f ReporterFunc) Report(op string, err error) {
	f(op, err)
}

type Config struct {
	SelfId          int64
	RoomPageSize    int
	HistoryPageSize int
	FriendPageSize  int
	RequestTimeout  time.Duration
	GateFriendship  bool
}

func (c *Config) validate() error {
	if c.SelfId <= 0 {
		return fmt.Errorf("self id must be positive")
	}
	if c.RoomPageSize <= 0 {
		c.RoomPageSize = defaultPageSize
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = defaultPageSize
	}
	if c.FriendPageSize <= 0 {
		c.FriendPageSize = defaultPageSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

// Engine owns every reconciliation component and mutates them from a single
// goroutine. REST calls run elsewhere and post their results back.
type Engine struct {
	base     zerolog.Logger
	log      zerolog.Logger
	stats    stats.StatsProvider
	cfg      Config
	api      API
	reporter ErrorReporter

	tasks    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	runCtx   context.Context
	inflight sync.WaitGroup

	chatEvents   *events.Dispatcher
	friendEvents *events.Dispatcher

	rooms        *directory.Directory
	timeline     *timeline.Timeline
	presence     *presence.Tracker
	friends      *friendship.Reconciler
	chat         presence.Signaler
	connectivity map[string]Connectivity

	// upload contents by ClientMsgId, kept until confirmed for retries
	uploads map[string]upload
}

type upload struct {
	name string
	data []byte
}

func New(logger zerolog.Logger, su stats.StatsProvider, cfg Config, api API, reporter ErrorReporter) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if api == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	if reporter == nil {
		reporter = ReporterFunc(func(string, error) {})
	}

	e := &Engine{
		base:         logger,
		log:          logger.With().Str("component", "engine").Logger(),
		stats:        su,
		cfg:          cfg,
		api:          api,
		reporter:     reporter,
		tasks:        make(chan func(), taskQueueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		runCtx:       context.Background(),
		chatEvents:   events.NewDispatcher(logger.With().Str("channel", ChatChannel).Logger(), su),
		friendEvents: events.NewDispatcher(logger.With().Str("channel", FriendshipChannel).Logger(), su),
		rooms:        directory.New(logger, cfg.SelfId, cfg.RoomPageSize),
		friends:      friendship.New(logger, cfg.SelfId, cfg.FriendPageSize, cfg.GateFriendship),
		connectivity: make(map[string]Connectivity),
		uploads:      make(map[string]upload),
	}
	e.presence = presence.New(logger, signalFunc(e.sendChat))
	e.registerHandlers()

	return e, nil
}

type signalFunc func(*protocol.Frame) error

func (fn signalFunc) Send(f *protocol.Frame) error {
	return fn(f)
}

func (e *Engine) sendChat(f *protocol.Frame) error {
	if e.chat == nil {
		return transport.ErrNotConnected
	}
	return e.chat.Send(f)
}

// Run processes tasks until ctx is done or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer func() {
		close(e.done)
		e.inflight.Wait()
	}()

	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.stop:
			e.log.Info().Msg("engine stopped")
			return nil
		case <-ctx.Done():
			e.log.Info().Msg("engine context done")
			return ctx.Err()
		}
	}
}

// Shutdown stops the loop and waits for it to exit.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// Do runs fn on the loop and returns its error. Components reached through
// the accessors may only be used inside fn.
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)

	select {
	case e.tasks <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// async runs call off the loop with the request timeout and hands the result
// to apply on the loop.
func async[T any](e *Engine, call func(ctx context.Context) (T, error), apply func(T, error)) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.RequestTimeout)
		defer cancel()

		v, err := call(ctx)
		e.post(func() { apply(v, err) })
	}()
}

func (e *Engine) report(op string, err error) {
	e.log.Error().Err(err).Str("op", op).Msg("operation failed")
	e.reporter.Report(op, err)
}

func (e *Engine) Directory() *directory.Directory { return e.rooms }

// Timeline returns the timeline of the open room, or nil.
func (e *Engine) Timeline() *timeline.Timeline { return e.timeline }

func (e *Engine) Presence() *presence.Tracker { return e.presence }

func (e *Engine) Friendship() *friendship.Reconciler { return e.friends }

type Connectivity string

const (
	Connected    Connectivity = "connected"
	Disconnected Connectivity = "disconnected"
	Rejected     Connectivity = "rejected"
)

// State is a point-in-time copy of everything the engine tracks.
type State struct {
	Connectivity map[string]Connectivity `json:"connectivity"`
	ActiveRoom   int64                   `json:"active_room,omitempty"`
	Rooms        []types.Room            `json:"rooms"`
	Messages     []types.Message         `json:"messages,omitempty"`
	Friends      []types.FriendshipEntry `json:"friends"`
	Sent         []types.FriendshipEntry `json:"sent_invitations"`
	Received     []types.FriendshipEntry `json:"received_invitations"`
}

func (e *Engine) State(ctx context.Context) (State, error) {
	var st State
	err := e.Do(ctx, func() error {
		st.Connectivity = make(map[string]Connectivity, len(e.connectivity))
		for k, v := range e.connectivity {
			st.Connectivity[k] = v
		}
		st.ActiveRoom, _ = e.presence.Active()
		st.Rooms = e.rooms.Rooms()
		if e.timeline != nil {
			st.Messages = e.timeline.Messages()
		}
		snap := e.friends.Snapshot()
		st.Friends, st.Sent, st.Received = snap.Friends, snap.Sent, snap.Received
		return nil
	})
	return st, err
}
