package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/go-chatsync/internal/observe"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const previewLength = 80

var (
	ErrLoadInProgress = errors.New("room page load already in progress")
	ErrNoMorePages    = errors.New("no more room pages")
	ErrStalePage      = errors.New("room page superseded")
	ErrUnknownRoom    = errors.New("unknown room")
)

type RoomFetcher interface {
	FetchRooms(ctx context.Context, page, size int) (types.RoomPage, error)
}

// PageRequest describes a pending room page fetch. It is handed back to
// ApplyPage together with the fetch result.
type PageRequest struct {
	Page    int
	Size    int
	initial bool
	gen     int
}

// Directory is the ordered list of conversation rooms, most recently
// touched first. It is not safe for concurrent use; callers serialize
// access on a single event loop.
type Directory struct {
	log      zerolog.Logger
	selfId   int64
	pageSize int

	rooms      []types.Room
	active     int64
	page       int
	totalPages int
	loading    bool
	gen        int

	// rooms touched by live events while an initial load is in flight
	touched map[int64]struct{}

	hub observe.Hub[[]types.Room]
}

func New(logger zerolog.Logger, selfId int64, pageSize int) *Directory {
	return &Directory{
		log:      logger.With().Str("component", "directory").Logger(),
		selfId:   selfId,
		pageSize: pageSize,
	}
}

// Listen registers fn to receive a snapshot after every mutation.
func (d *Directory) Listen(fn func([]types.Room)) func() {
	return d.hub.Listen(fn)
}

func (d *Directory) publish() {
	if d.hub.Len() > 0 {
		d.hub.Publish(d.Rooms())
	}
}

// Rooms returns a copy of the directory in display order.
func (d *Directory) Rooms() []types.Room {
	return slices.Clone(d.rooms)
}

func (d *Directory) Len() int {
	return len(d.rooms)
}

func (d *Directory) Get(roomId int64) (types.Room, bool) {
	i := d.index(roomId)
	if i < 0 {
		return types.Room{}, false
	}
	return d.rooms[i], true
}

func (d *Directory) HasMore() bool {
	return d.page < d.totalPages
}

func (d *Directory) Loading() bool {
	return d.loading
}

func (d *Directory) index(roomId int64) int {
	return slices.IndexFunc(d.rooms, func(r types.Room) bool { return r.Id == roomId })
}

// BeginLoad reserves the single in-flight page fetch. An initial load
// supersedes any fetch already in flight.
func (d *Directory) BeginLoad(initial bool) (PageRequest, error) {
	if initial {
		d.gen++
		d.loading = true
		if d.touched == nil {
			d.touched = make(map[int64]struct{})
		}
		return PageRequest{Page: 1, Size: d.pageSize, initial: true, gen: d.gen}, nil
	}

	if d.loading {
		return PageRequest{}, ErrLoadInProgress
	}
	if !d.HasMore() {
		return PageRequest{}, ErrNoMorePages
	}

	d.loading = true
	return PageRequest{Page: d.page + 1, Size: d.pageSize, gen: d.gen}, nil
}

// ApplyPage applies the result of the fetch described by req and returns
// the rooms that were added.
func (d *Directory) ApplyPage(req PageRequest, page types.RoomPage, fetchErr error) ([]types.Room, error) {
	if req.gen != d.gen {
		return nil, ErrStalePage
	}
	d.loading = false

	if fetchErr != nil {
		return nil, fmt.Errorf("fetch rooms page %d: %w", req.Page, fetchErr)
	}

	var added []types.Room
	if req.initial {
		d.rooms = d.keepTouched()
	}
	for _, r := range page.Rooms {
		if d.index(r.Id) >= 0 {
			continue
		}
		if r.Id == d.active {
			r.UnreadCount = 0
		}
		d.rooms = append(d.rooms, r)
		added = append(added, r)
	}

	d.page = req.Page
	if page.Page > 0 {
		d.page = page.Page
	}
	d.totalPages = page.TotalPages

	d.publish()
	return added, nil
}

// keepTouched returns the rooms live events touched since the initial load
// began, in their current order, and ends the tracking.
func (d *Directory) keepTouched() []types.Room {
	kept := d.rooms[:0]
	for _, r := range d.rooms {
		if _, ok := d.touched[r.Id]; ok {
			kept = append(kept, r)
		}
	}
	d.touched = nil
	return kept
}

func (d *Directory) touch(roomId int64) {
	if d.touched != nil {
		d.touched[roomId] = struct{}{}
	}
}

// LoadInitial fetches the first page and replaces the directory contents.
func (d *Directory) LoadInitial(ctx context.Context, f RoomFetcher) ([]types.Room, error) {
	req, err := d.BeginLoad(true)
	if err != nil {
		return nil, err
	}

	page, err := f.FetchRooms(ctx, req.Page, req.Size)
	return d.ApplyPage(req, page, err)
}

// LoadMore fetches the next page and appends rooms not already present.
func (d *Directory) LoadMore(ctx context.Context, f RoomFetcher) ([]types.Room, error) {
	req, err := d.BeginLoad(false)
	if err != nil {
		return nil, err
	}

	page, err := f.FetchRooms(ctx, req.Page, req.Size)
	return d.ApplyPage(req, page, err)
}

// Upsert merges incoming over the existing entry with the same id, or
// inserts it, and moves the result to the front.
func (d *Directory) Upsert(incoming types.Room) types.Room {
	merged := incoming
	if i := d.index(incoming.Id); i >= 0 {
		merged = merge(d.rooms[i], incoming)
		d.rooms = slices.Delete(d.rooms, i, i+1)
	}

	if merged.Id == d.active {
		merged.UnreadCount = 0
	}

	d.rooms = slices.Insert(d.rooms, 0, merged)
	d.touch(merged.Id)
	d.publish()
	return merged
}

func merge(existing, incoming types.Room) types.Room {
	out := existing
	if incoming.Kind != "" {
		out.Kind = incoming.Kind
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Image != "" {
		out.Image = incoming.Image
	}
	if len(incoming.Participants) > 0 {
		out.Participants = incoming.Participants
	}
	if incoming.LastMessage != nil {
		last := *incoming.LastMessage
		// an update without a message id must not lower the duplicate watermark
		if existing.LastMessage != nil && existing.LastMessage.MessageId > last.MessageId {
			last.MessageId = existing.LastMessage.MessageId
		}
		out.LastMessage = &last
	}
	if incoming.LastActivityAt.After(out.LastActivityAt) {
		out.LastActivityAt = incoming.LastActivityAt
	}
	// the server owns the unread count
	out.UnreadCount = incoming.UnreadCount
	return out
}

// ApplyMessage folds a live message into its room's preview, unread count
// and position. A message at or below the room's last seen message id is a
// duplicate and changes nothing.
func (d *Directory) ApplyMessage(msg types.Message, roomActive bool) error {
	i := d.index(msg.RoomId)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownRoom, msg.RoomId)
	}

	r := d.rooms[i]
	if r.LastMessage != nil && msg.Id > 0 && msg.Id <= r.LastMessage.MessageId {
		d.log.Debug().Int64("room_id", r.Id).Int64("message_id", msg.Id).Msg("ignoring stale or duplicate message")
		return nil
	}

	r.LastMessage = &types.LastMessage{
		MessageId:  msg.Id,
		SenderId:   msg.SenderId,
		SenderName: senderName(r, msg.SenderId),
		Preview:    preview(msg),
		Type:       msg.Type,
		CreatedAt:  msg.CreatedAt,
	}
	if msg.CreatedAt.After(r.LastActivityAt) {
		r.LastActivityAt = msg.CreatedAt
	}

	if roomActive || msg.RoomId == d.active || msg.SenderId == d.selfId {
		r.UnreadCount = 0
	} else {
		r.UnreadCount++
	}

	d.rooms = slices.Delete(d.rooms, i, i+1)
	d.rooms = slices.Insert(d.rooms, 0, r)
	d.touch(r.Id)
	d.publish()
	return nil
}

// ApplyRevoke updates the preview when the revoked message is the room's
// last one. It reports whether anything changed.
func (d *Directory) ApplyRevoke(roomId, messageId int64) bool {
	i := d.index(roomId)
	if i < 0 {
		return false
	}

	last := d.rooms[i].LastMessage
	if last == nil || last.MessageId != messageId {
		return false
	}

	revoked := *last
	revoked.Preview = preview(types.Message{Revoked: true})
	d.rooms[i].LastMessage = &revoked
	d.publish()
	return true
}

// MarkRead zeroes the unread count of a room. It reports whether the
// room is known.
func (d *Directory) MarkRead(roomId int64) bool {
	i := d.index(roomId)
	if i < 0 {
		return false
	}
	if d.rooms[i].UnreadCount != 0 {
		d.rooms[i].UnreadCount = 0
		d.publish()
	}
	return true
}

// MarkActive records the room the user has selected and clears its unread
// count.
func (d *Directory) MarkActive(roomId int64) {
	d.active = roomId
	d.MarkRead(roomId)
}

func (d *Directory) ClearActive() {
	d.active = 0
}

func (d *Directory) Active() (int64, bool) {
	return d.active, d.active != 0
}

func senderName(r types.Room, userId int64) string {
	for _, p := range r.Participants {
		if p.UserId == userId {
			return p.Name
		}
	}
	return ""
}

func preview(msg types.Message) string {
	if msg.Revoked {
		return "message revoked"
	}

	switch msg.Type {
	case types.MessageTypeImage:
		return "[image]"
	case types.MessageTypeVideo:
		return "[video]"
	case types.MessageTypeFile:
		return "[file]"
	}

	runes := []rune(msg.Content)
	if len(runes) > previewLength {
		return string(runes[:previewLength]) + "..."
	}
	return msg.Content
}
