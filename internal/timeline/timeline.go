package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/go-chatsync/internal/observe"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

var (
	ErrClosed         = errors.New("timeline closed")
	ErrLoadInProgress = errors.New("history load already in progress")
	ErrNoMoreHistory  = errors.New("no older history")
	ErrNotLoaded      = errors.New("initial page not loaded")
	ErrStalePage      = errors.New("history page superseded")
	ErrWrongRoom      = errors.New("message belongs to another room")
	ErrNotParticipant = errors.New("sender is not a room participant")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("message is not in failed state")
	ErrInvalidMessage = errors.New("invalid message")
)

type HistoryFetcher interface {
	FetchRoomHistory(ctx context.Context, roomId, beforeId int64, size int) (types.HistoryPage, error)
}

type MessageSender interface {
	SendMessage(ctx context.Context, roomId int64, content, clientMsgId string, typ types.MessageType) (types.Message, error)
}

// PageRequest describes a pending history fetch. BeforeId is zero for the
// newest page.
type PageRequest struct {
	RoomId   int64
	BeforeId int64
	Size     int
	initial  bool
	gen      int
}

// Timeline is the message sequence of one open room. Confirmed messages are
// kept in ascending id order followed by provisional ones in the order they
// were created. It is not safe for concurrent use.
type Timeline struct {
	log      zerolog.Logger
	stats    stats.StatsProvider
	roomId   int64
	selfId   int64
	pageSize int

	messages []types.Message
	roster   map[int64]bool
	reads    map[int64]int64

	cursor   int64
	hasMore  bool
	loaded   bool
	loading  bool
	gen      int
	closed   bool
	nextTemp int64

	hub observe.Hub[[]types.Message]
}

func New(logger zerolog.Logger, su stats.StatsProvider, roomId, selfId int64, pageSize int) *Timeline {
	su.RegisterMetric(stats.DuplicateMessages)
	su.RegisterMetric(stats.FailedSends)

	return &Timeline{
		log:      logger.With().Str("component", "timeline").Int64("room_id", roomId).Logger(),
		stats:    su,
		roomId:   roomId,
		selfId:   selfId,
		pageSize: pageSize,
		reads:    make(map[int64]int64),
	}
}

func (t *Timeline) Listen(fn func([]types.Message)) func() {
	return t.hub.Listen(fn)
}

func (t *Timeline) publish() {
	if t.hub.Len() > 0 {
		t.hub.Publish(t.Messages())
	}
}

func (t *Timeline) RoomId() int64 { return t.roomId }

// Messages returns a copy of the timeline in display order.
func (t *Timeline) Messages() []types.Message {
	return slices.Clone(t.messages)
}

func (t *Timeline) Len() int { return len(t.messages) }

// Cursor is the lowest confirmed message id loaded, or zero.
func (t *Timeline) Cursor() int64 { return t.cursor }

func (t *Timeline) HasMore() bool { return t.hasMore }

func (t *Timeline) Loading() bool { return t.loading }

func (t *Timeline) Closed() bool { return t.closed }

func (t *Timeline) Get(id int64) (types.Message, bool) {
	i := t.indexById(id)
	if i < 0 {
		return types.Message{}, false
	}
	return t.messages[i], true
}

// SetRoster limits live messages to senders in participants. Until a roster
// is set every sender is accepted.
func (t *Timeline) SetRoster(participants []types.Participant) {
	t.roster = make(map[int64]bool, len(participants))
	for _, p := range participants {
		t.roster[p.UserId] = true
	}
}

func (t *Timeline) indexById(id int64) int {
	return slices.IndexFunc(t.messages, func(m types.Message) bool { return m.Id == id })
}

func (t *Timeline) indexByClientId(clientMsgId string) int {
	if clientMsgId == "" {
		return -1
	}
	return slices.IndexFunc(t.messages, func(m types.Message) bool { return m.ClientMsgId == clientMsgId })
}

func (t *Timeline) indexPending(clientMsgId string) int {
	if clientMsgId == "" {
		return -1
	}
	return slices.IndexFunc(t.messages, func(m types.Message) bool {
		return m.Provisional() && m.ClientMsgId == clientMsgId
	})
}

func compareMessages(a, b types.Message) int {
	switch {
	case !a.Provisional() && !b.Provisional():
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	case !a.Provisional():
		return -1
	case !b.Provisional():
		return 1
	}
	return 0
}

func (t *Timeline) sort() {
	slices.SortStableFunc(t.messages, compareMessages)
}

func (t *Timeline) updateCursor() {
	t.cursor = 0
	for _, m := range t.messages {
		if !m.Provisional() {
			t.cursor = m.Id
			return
		}
	}
}

func (t *Timeline) confirmedCount() int {
	n := 0
	for _, m := range t.messages {
		if !m.Provisional() {
			n++
		}
	}
	return n
}

// BeginInitial reserves the fetch of the newest page. It supersedes any
// fetch already in flight.
func (t *Timeline) BeginInitial() (PageRequest, error) {
	if t.closed {
		return PageRequest{}, ErrClosed
	}

	t.gen++
	t.loading = true
	return PageRequest{RoomId: t.roomId, Size: t.pageSize, initial: true, gen: t.gen}, nil
}

// BeginOlder reserves the fetch of the page strictly older than the cursor.
// While a fetch is outstanding further calls return ErrLoadInProgress.
func (t *Timeline) BeginOlder() (PageRequest, error) {
	switch {
	case t.closed:
		return PageRequest{}, ErrClosed
	case t.loading:
		return PageRequest{}, ErrLoadInProgress
	case !t.loaded:
		return PageRequest{}, ErrNotLoaded
	case !t.hasMore:
		return PageRequest{}, ErrNoMoreHistory
	}

	t.loading = true
	return PageRequest{RoomId: t.roomId, BeforeId: t.cursor, Size: t.pageSize, gen: t.gen}, nil
}

// ApplyPage merges the result of the fetch described by req and returns the
// messages that were new to the timeline. Results for a closed timeline or a
// superseded request are discarded with ErrStalePage.
func (t *Timeline) ApplyPage(req PageRequest, page types.HistoryPage, fetchErr error) ([]types.Message, error) {
	if t.closed || req.gen != t.gen {
		t.log.Debug().Int64("before_id", req.BeforeId).Msg("discarding stale history page")
		return nil, ErrStalePage
	}
	t.loading = false

	if fetchErr != nil {
		return nil, fmt.Errorf("fetch history before %d: %w", req.BeforeId, fetchErr)
	}

	var added []types.Message
	for _, m := range page.Messages {
		if m.Provisional() || (m.RoomId != 0 && m.RoomId != t.roomId) {
			t.log.Warn().Int64("message_id", m.Id).Int64("message_room_id", m.RoomId).Msg("dropping foreign history entry")
			continue
		}
		if !req.initial && m.Id >= req.BeforeId && req.BeforeId > 0 {
			t.log.Warn().Int64("message_id", m.Id).Int64("before_id", req.BeforeId).Msg("history entry not older than cursor")
		}

		m.RoomId = t.roomId
		m.Status = types.StatusSent
		if i := t.indexById(m.Id); i >= 0 {
			// the entry already present wins, except that a revoke sticks
			if m.Revoked && !t.messages[i].Revoked {
				t.messages[i].Revoked = true
			}
			continue
		}
		if i := t.indexPending(m.ClientMsgId); i >= 0 {
			t.messages[i] = m
			continue
		}

		t.messages = append(t.messages, m)
		added = append(added, m)
	}

	t.sort()
	t.updateCursor()
	t.loaded = true

	switch {
	case len(page.Messages) < req.Size:
		t.hasMore = false
	case page.Total > 0 && t.confirmedCount() >= page.Total:
		t.hasMore = false
	default:
		t.hasMore = true
	}

	t.publish()
	return added, nil
}

// LoadInitial fetches the newest page synchronously.
func (t *Timeline) LoadInitial(ctx context.Context, f HistoryFetcher) ([]types.Message, error) {
	req, err := t.BeginInitial()
	if err != nil {
		return nil, err
	}

	page, err := f.FetchRoomHistory(ctx, req.RoomId, req.BeforeId, req.Size)
	return t.ApplyPage(req, page, err)
}

// LoadOlder fetches the page before the cursor synchronously.
func (t *Timeline) LoadOlder(ctx context.Context, f HistoryFetcher) ([]types.Message, error) {
	req, err := t.BeginOlder()
	if err != nil {
		return nil, err
	}

	page, err := f.FetchRoomHistory(ctx, req.RoomId, req.BeforeId, req.Size)
	return t.ApplyPage(req, page, err)
}

// AppendLive merges an authoritative message: a live event from another
// participant or the server's copy of a local send. Applying the same
// message twice leaves the timeline unchanged.
func (t *Timeline) AppendLive(msg types.Message) error {
	if t.closed {
		return ErrClosed
	}
	if msg.RoomId != t.roomId {
		return fmt.Errorf("%w: %d", ErrWrongRoom, msg.RoomId)
	}
	if msg.Provisional() {
		return fmt.Errorf("%w: id %d", ErrInvalidMessage, msg.Id)
	}
	if t.roster != nil && !t.roster[msg.SenderId] {
		return fmt.Errorf("%w: %d", ErrNotParticipant, msg.SenderId)
	}

	msg.Status = types.StatusSent

	if i := t.indexById(msg.Id); i >= 0 {
		t.stats.Incr(stats.DuplicateMessages)
		t.log.Debug().Int64("message_id", msg.Id).Msg("merging duplicate message")
		if t.messages[i].Revoked {
			msg.Revoked = true
		}
		t.messages[i] = msg
		// a provisional copy may still linger if the echo raced the reply
		if j := t.indexPending(msg.ClientMsgId); j >= 0 {
			t.messages = slices.Delete(t.messages, j, j+1)
		}
	} else if i := t.indexPending(msg.ClientMsgId); i >= 0 {
		t.messages[i] = msg
	} else {
		t.messages = append(t.messages, msg)
	}

	t.sort()
	t.updateCursor()
	t.publish()
	return nil
}

// SendOptimistic inserts a provisional message from the local user and
// returns it. The returned ClientMsgId must accompany the send request.
func (t *Timeline) SendOptimistic(content string, typ types.MessageType) (types.Message, error) {
	if t.closed {
		return types.Message{}, ErrClosed
	}

	clientMsgId, err := shortid.Generate()
	if err != nil {
		return types.Message{}, fmt.Errorf("generate client message id: %w", err)
	}
	if typ == "" {
		typ = types.MessageTypeText
	}

	t.nextTemp--
	msg := types.Message{
		Id:          t.nextTemp,
		ClientMsgId: clientMsgId,
		RoomId:      t.roomId,
		SenderId:    t.selfId,
		Content:     content,
		Type:        typ,
		CreatedAt:   time.Now(),
		Status:      types.StatusPending,
	}

	t.messages = append(t.messages, msg)
	t.publish()
	return msg, nil
}

// Send runs the whole optimistic send synchronously: insert, call the
// sender, then reconcile with the reply or mark the entry failed.
func (t *Timeline) Send(ctx context.Context, s MessageSender, content string, typ types.MessageType) (types.Message, error) {
	local, err := t.SendOptimistic(content, typ)
	if err != nil {
		return types.Message{}, err
	}

	sent, err := s.SendMessage(ctx, t.roomId, local.Content, local.ClientMsgId, local.Type)
	if err != nil {
		if mErr := t.MarkFailed(local.ClientMsgId); mErr != nil && !errors.Is(mErr, ErrClosed) {
			t.log.Error().Err(mErr).Str("client_msg_id", local.ClientMsgId).Msg("mark message failed")
		}
		return local, fmt.Errorf("send message: %w", err)
	}

	if sent.ClientMsgId == "" {
		sent.ClientMsgId = local.ClientMsgId
	}
	if sent.RoomId == 0 {
		sent.RoomId = t.roomId
	}
	if err := t.AppendLive(sent); err != nil {
		return sent, err
	}
	return sent, nil
}

// MarkFailed flags the provisional message carrying clientMsgId as failed.
// A message that has already been confirmed is left as is.
func (t *Timeline) MarkFailed(clientMsgId string) error {
	if t.closed {
		return ErrClosed
	}

	i := t.indexByClientId(clientMsgId)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, clientMsgId)
	}
	if !t.messages[i].Provisional() {
		return nil
	}

	t.stats.Incr(stats.FailedSends)
	t.messages[i].Status = types.StatusFailed
	t.publish()
	return nil
}

// Retry moves a failed message back to pending and returns it so the send
// can be reissued with the same ClientMsgId.
func (t *Timeline) Retry(clientMsgId string) (types.Message, error) {
	if t.closed {
		return types.Message{}, ErrClosed
	}

	i := t.indexPending(clientMsgId)
	if i < 0 {
		return types.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, clientMsgId)
	}
	if t.messages[i].Status != types.StatusFailed {
		return types.Message{}, ErrNotFailed
	}

	t.messages[i].Status = types.StatusPending
	t.publish()
	return t.messages[i], nil
}

func (t *Timeline) setRevoked(id int64, revoked bool) error {
	if t.closed {
		return ErrClosed
	}

	i := t.indexById(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	if t.messages[i].Revoked == revoked {
		return nil
	}

	t.messages[i].Revoked = revoked
	t.publish()
	return nil
}

func (t *Timeline) Revoke(id int64) error {
	return t.setRevoked(id, true)
}

// Restore is the only way a revoked message becomes visible again.
func (t *Timeline) Restore(id int64) error {
	return t.setRevoked(id, false)
}

// ApplyReadState advances userId's read watermark. Watermarks never move
// backwards.
func (t *Timeline) ApplyReadState(userId, lastReadId int64) {
	if lastReadId <= t.reads[userId] {
		return
	}
	t.reads[userId] = lastReadId
	t.publish()
}

// ReadUpTo returns the highest message id userId is known to have read.
func (t *Timeline) ReadUpTo(userId int64) int64 {
	return t.reads[userId]
}

// ReadBy lists the users, other than the local one, whose watermark covers
// message id, in ascending order.
func (t *Timeline) ReadBy(id int64) []int64 {
	var users []int64
	for userId, last := range t.reads {
		if userId != t.selfId && last >= id {
			users = append(users, userId)
		}
	}
	slices.Sort(users)
	return users
}

// Close discards the effect of any fetch still in flight and rejects
// further mutation.
func (t *Timeline) Close() {
	t.closed = true
	t.loading = false
	t.gen++
}
