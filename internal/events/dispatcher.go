package events

import (
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

type Handler func(payload json.RawMessage) error

// Dispatcher routes decoded inbound frames to the handlers registered for
// their kind. It owns no domain state.
type Dispatcher struct {
	log      zerolog.Logger
	stats    stats.StatsProvider
	handlers map[protocol.Kind][]Handler
}

func NewDispatcher(logger zerolog.Logger, su stats.StatsProvider) *Dispatcher {
	su.RegisterMetric(stats.DroppedEvents)
	su.RegisterMetric(stats.HandlerFailures)

	return &Dispatcher{
		log:      logger.With().Str("component", "dispatcher").Logger(),
		stats:    su,
		handlers: make(map[protocol.Kind][]Handler),
	}
}

func (d *Dispatcher) On(kind protocol.Kind, h Handler) {
	d.handlers[kind] = append(d.handlers[kind], h)
}

// HandleFrame is the transport.Handler entry point.
func (d *Dispatcher) HandleFrame(f *protocol.Frame) {
	d.OnEvent(f.Kind, f.Payload)
}

// OnEvent invokes every handler registered for kind, in registration order.
// A failing handler does not stop delivery to the rest.
func (d *Dispatcher) OnEvent(kind protocol.Kind, payload json.RawMessage) {
	hs, ok := d.handlers[kind]
	if !ok {
		if kind != protocol.KindResponse {
			d.log.Warn().Str("kind", string(kind)).Msg("dropping event with no handlers")
			d.stats.Incr(stats.DroppedEvents)
		}
		return
	}

	for i, h := range hs {
		if err := d.invoke(h, payload); err != nil {
			d.stats.Incr(stats.HandlerFailures)
			d.log.Error().Err(err).Str("kind", string(kind)).Int("handler", i).Msg("event handler failed")
		}
	}
}

func (d *Dispatcher) invoke(h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case error:
				err = fmt.Errorf("panic: %w", e)
			default:
				err = fmt.Errorf("panic: %v", e)
			}
		}
	}()

	return h(payload)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func (d *Dispatcher) OnMessageCreated(fn func(types.Message) error) {
	d.On(protocol.KindMessageCreated, func(payload json.RawMessage) error {
		ev, err := decode[protocol.MessageCreated](payload)
		if err != nil {
			return err
		}
		return fn(ev.Message)
	})
}

func (d *Dispatcher) OnRoomUpdated(fn func(types.Room) error) {
	d.On(protocol.KindRoomUpdated, func(payload json.RawMessage) error {
		ev, err := decode[protocol.RoomUpdated](payload)
		if err != nil {
			return err
		}
		return fn(ev.Room)
	})
}

func (d *Dispatcher) OnReadStateChanged(fn func(protocol.ReadStateChanged) error) {
	d.On(protocol.KindReadStateChanged, func(payload json.RawMessage) error {
		ev, err := decode[protocol.ReadStateChanged](payload)
		if err != nil {
			return err
		}
		return fn(ev)
	})
}

func (d *Dispatcher) OnMessageRevoked(fn func(protocol.MessageRevoked) error) {
	d.On(protocol.KindMessageRevoked, func(payload json.RawMessage) error {
		ev, err := decode[protocol.MessageRevoked](payload)
		if err != nil {
			return err
		}
		return fn(ev)
	})
}

func (d *Dispatcher) OnMessageRestored(fn func(protocol.MessageRevoked) error) {
	d.On(protocol.KindMessageRestored, func(payload json.RawMessage) error {
		ev, err := decode[protocol.MessageRevoked](payload)
		if err != nil {
			return err
		}
		return fn(ev)
	})
}

// OnFriendship registers fn for all friendship lifecycle kinds. The event's
// Kind field is filled from the frame kind.
func (d *Dispatcher) OnFriendship(fn func(protocol.FriendshipEvent) error) {
	for _, kind := range protocol.FriendshipKinds {
		kind := kind
		d.On(kind, func(payload json.RawMessage) error {
			ev, err := decode[protocol.FriendshipEvent](payload)
			if err != nil {
				return err
			}
			ev.Kind = kind
			return fn(ev)
		})
	}
}
