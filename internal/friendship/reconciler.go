package friendship

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/go-chatsync/internal/observe"
	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrLoadInProgress      = errors.New("friendship page load already in progress")
	ErrNoMorePages         = errors.New("no more friendship pages")
	ErrStalePage           = errors.New("friendship page superseded")
	ErrUnknownList         = errors.New("unknown friendship list")
	ErrUnknownRelationship = errors.New("unknown relationship")
	ErrUnknownKind         = errors.New("unknown friendship event kind")
	ErrUnknownAction       = errors.New("unknown friendship action")
)

type List string

const (
	Friends  List = "friends"
	Sent     List = "sent"
	Received List = "received"
)

var Lists = []List{Friends, Sent, Received}

type Fetcher interface {
	FetchFriends(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error)
	FetchSentInvitations(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error)
	FetchReceivedInvitations(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error)
}

type Actions interface {
	AcceptInvitation(ctx context.Context, relationshipId int64) error
	RejectInvitation(ctx context.Context, relationshipId int64) error
	CancelInvitation(ctx context.Context, relationshipId int64) error
	DeleteFriendship(ctx context.Context, relationshipId int64) error
}

// Fetch calls the fetcher method backing list.
func Fetch(ctx context.Context, f Fetcher, list List, beforeId int64, size int) (types.FriendshipPage, error) {
	switch list {
	case Friends:
		return f.FetchFriends(ctx, beforeId, size)
	case Sent:
		return f.FetchSentInvitations(ctx, beforeId, size)
	case Received:
		return f.FetchReceivedInvitations(ctx, beforeId, size)
	}
	return types.FriendshipPage{}, fmt.Errorf("%w: %q", ErrUnknownList, list)
}

func statusOf(list List) types.FriendshipStatus {
	switch list {
	case Sent:
		return types.FriendshipPendingSent
	case Received:
		return types.FriendshipPendingReceived
	}
	return types.FriendshipAccepted
}

type listState struct {
	entries []types.FriendshipEntry
	cursor  int64
	total   int
	hasMore bool
	loaded  bool
	stale   bool
	loading bool
	gen     int
}

// PageRequest describes a pending fetch of one list.
type PageRequest struct {
	List     List
	BeforeId int64
	Size     int
	initial  bool
	gen      int
}

// Snapshot is what listeners receive after every mutation.
type Snapshot struct {
	Friends  []types.FriendshipEntry
	Sent     []types.FriendshipEntry
	Received []types.FriendshipEntry
}

// Reconciler keeps the friends, sent and received lists consistent under
// duplicated and reordered lifecycle events. A user appears in at most one
// list. It is not safe for concurrent use.
type Reconciler struct {
	log      zerolog.Logger
	selfId   int64
	pageSize int
	gated    bool
	view     List
	lists    map[List]*listState
	hub      observe.Hub[Snapshot]

	// sequence of the last live event per relationship and per user
	seq      uint64
	relSeen  map[int64]uint64
	userSeen map[int64]uint64
}

// New creates a reconciler. When gated is set, live events only touch the
// list selected with SetView and the other lists are marked stale instead.
func New(logger zerolog.Logger, selfId int64, pageSize int, gated bool) *Reconciler {
	r := &Reconciler{
		log:      logger.With().Str("component", "friendship").Logger(),
		selfId:   selfId,
		pageSize: pageSize,
		gated:    gated,
		view:     Friends,
		lists:    make(map[List]*listState, len(Lists)),
		relSeen:  make(map[int64]uint64),
		userSeen: make(map[int64]uint64),
	}
	for _, l := range Lists {
		r.lists[l] = &listState{}
	}
	return r
}

func (r *Reconciler) Listen(fn func(Snapshot)) func() {
	return r.hub.Listen(fn)
}

func (r *Reconciler) publish() {
	if r.hub.Len() > 0 {
		r.hub.Publish(r.Snapshot())
	}
}

func (r *Reconciler) Snapshot() Snapshot {
	return Snapshot{
		Friends:  r.Entries(Friends),
		Sent:     r.Entries(Sent),
		Received: r.Entries(Received),
	}
}

func (r *Reconciler) Entries(list List) []types.FriendshipEntry {
	if s, ok := r.lists[list]; ok {
		return slices.Clone(s.entries)
	}
	return nil
}

func (r *Reconciler) Total(list List) int {
	if s, ok := r.lists[list]; ok {
		return s.total
	}
	return 0
}

func (r *Reconciler) HasMore(list List) bool {
	if s, ok := r.lists[list]; ok {
		return s.hasMore
	}
	return false
}

func (r *Reconciler) Loading(list List) bool {
	if s, ok := r.lists[list]; ok {
		return s.loading
	}
	return false
}

// Stale reports whether list missed events while gated out of view.
func (r *Reconciler) Stale(list List) bool {
	if s, ok := r.lists[list]; ok {
		return s.stale
	}
	return false
}

// ListOf returns the list currently holding userId.
func (r *Reconciler) ListOf(userId int64) (List, bool) {
	for _, l := range Lists {
		if indexOf(r.lists[l].entries, 0, userId) >= 0 {
			return l, true
		}
	}
	return "", false
}

func (r *Reconciler) View() List {
	return r.view
}

// SetView selects the visible list. It reports whether that list must be
// reloaded because events were skipped while it was hidden.
func (r *Reconciler) SetView(list List) (bool, error) {
	s, ok := r.lists[list]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownList, list)
	}
	r.view = list
	return s.stale, nil
}

func (r *Reconciler) applies(list List) bool {
	if !r.gated || r.view == list {
		return true
	}
	r.lists[list].stale = true
	return false
}

func indexOf(entries []types.FriendshipEntry, relationshipId, userId int64) int {
	return slices.IndexFunc(entries, func(e types.FriendshipEntry) bool {
		return (relationshipId != 0 && e.Id == relationshipId) || (userId != 0 && e.User.Id == userId)
	})
}

// BeginLoad reserves the single in-flight fetch for list. An initial load
// supersedes any fetch already in flight for that list.
func (r *Reconciler) BeginLoad(list List, initial bool) (PageRequest, error) {
	s, ok := r.lists[list]
	if !ok {
		return PageRequest{}, fmt.Errorf("%w: %q", ErrUnknownList, list)
	}

	if initial {
		s.gen++
		s.loading = true
		return PageRequest{List: list, Size: r.pageSize, initial: true, gen: s.gen}, nil
	}

	switch {
	case s.loading:
		return PageRequest{}, ErrLoadInProgress
	case !s.loaded || !s.hasMore:
		return PageRequest{}, ErrNoMorePages
	}

	s.loading = true
	return PageRequest{List: list, BeforeId: s.cursor, Size: r.pageSize, gen: s.gen}, nil
}

// ApplyPage applies the result of the fetch described by req and returns the
// entries added to the list.
func (r *Reconciler) ApplyPage(req PageRequest, page types.FriendshipPage, fetchErr error) ([]types.FriendshipEntry, error) {
	s, ok := r.lists[req.List]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, req.List)
	}
	if req.gen != s.gen {
		return nil, ErrStalePage
	}
	s.loading = false

	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s page: %w", req.List, fetchErr)
	}

	if req.initial {
		s.entries = s.entries[:0]
		s.stale = false
	}

	var added []types.FriendshipEntry
	for _, e := range page.Entries {
		if indexOf(s.entries, e.Id, e.User.Id) >= 0 {
			continue
		}
		if e.Status == "" {
			e.Status = statusOf(req.List)
		}
		r.removeElsewhere(req.List, e.User.Id)
		s.entries = append(s.entries, e)
		added = append(added, e)
	}

	s.cursor = 0
	for _, e := range s.entries {
		if s.cursor == 0 || e.Id < s.cursor {
			s.cursor = e.Id
		}
	}
	s.total = max(page.Total, len(s.entries))
	s.loaded = true
	s.hasMore = len(page.Entries) >= req.Size
	if page.Total > 0 && len(s.entries) >= page.Total {
		s.hasMore = false
	}

	r.publish()
	return added, nil
}

// Load fetches a page of list synchronously.
func (r *Reconciler) Load(ctx context.Context, f Fetcher, list List, initial bool) ([]types.FriendshipEntry, error) {
	req, err := r.BeginLoad(list, initial)
	if err != nil {
		return nil, err
	}

	page, err := Fetch(ctx, f, req.List, req.BeforeId, req.Size)
	return r.ApplyPage(req, page, err)
}

// removeElsewhere drops userId from every list but keep.
func (r *Reconciler) removeElsewhere(keep List, userId int64) {
	for _, l := range Lists {
		if l != keep {
			r.remove(l, 0, userId)
		}
	}
}

func (r *Reconciler) remove(list List, relationshipId, userId int64) (types.FriendshipEntry, int, bool) {
	s := r.lists[list]
	i := indexOf(s.entries, relationshipId, userId)
	if i < 0 {
		return types.FriendshipEntry{}, -1, false
	}

	e := s.entries[i]
	s.entries = slices.Delete(s.entries, i, i+1)
	s.total = max(s.total-1, 0)
	return e, i, true
}

// insert prepends e to list unless already present, after removing the
// user from the other lists.
func (r *Reconciler) insert(list List, e types.FriendshipEntry, at int) bool {
	s := r.lists[list]
	if i := indexOf(s.entries, e.Id, e.User.Id); i >= 0 {
		if s.entries[i].Id == 0 {
			s.entries[i].Id = e.Id
		}
		return false
	}

	r.removeElsewhere(list, e.User.Id)
	e.Status = statusOf(list)
	at = min(max(at, 0), len(s.entries))
	s.entries = slices.Insert(s.entries, at, e)
	s.total++
	return true
}

// Apply reconciles one lifecycle event. Duplicate deliveries are no-ops.
func (r *Reconciler) Apply(ev protocol.FriendshipEvent) error {
	entry := types.FriendshipEntry{
		Id:   ev.RelationshipId,
		User: ev.Counterpart,
	}
	relId, userId := ev.RelationshipId, ev.Counterpart.Id
	if relId == 0 && userId == 0 {
		return fmt.Errorf("%s event without relationship or counterpart", ev.Kind)
	}

	changed := false
	mark := func(ok bool) { changed = changed || ok }
	removeFrom := func(list List) {
		if r.applies(list) {
			_, _, ok := r.remove(list, relId, userId)
			mark(ok)
		}
	}
	insertInto := func(list List) {
		if r.applies(list) {
			mark(r.insert(list, entry, 0))
		}
	}

	switch ev.Kind {
	case protocol.KindInvited:
		if ev.InviterId != 0 && ev.InviterId == r.selfId {
			insertInto(Sent)
		} else {
			insertInto(Received)
		}
	case protocol.KindAccepted:
		insertInto(Friends)
		removeFrom(Sent)
		removeFrom(Received)
	case protocol.KindRejected:
		removeFrom(Sent)
		if ev.RecipientId == r.selfId {
			removeFrom(Received)
		}
	case protocol.KindCanceled:
		removeFrom(Received)
		if ev.InviterId == r.selfId {
			removeFrom(Sent)
		}
	case protocol.KindDeleted:
		removeFrom(Friends)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, ev.Kind)
	}
	r.markSeen(relId, userId)

	if !changed {
		r.log.Debug().Str("kind", string(ev.Kind)).Int64("user_id", userId).Int64("relationship_id", relId).
			Msg("friendship event changed nothing")
		return nil
	}

	r.publish()
	return nil
}

// markSeen records that a live event reached the relationship or user,
// whether or not it changed a list.
func (r *Reconciler) markSeen(relationshipId, userId int64) {
	r.seq++
	if relationshipId != 0 {
		r.relSeen[relationshipId] = r.seq
	}
	if userId != 0 {
		r.userSeen[userId] = r.seq
	}
}

func (r *Reconciler) seenSince(relationshipId, userId int64, since uint64) bool {
	return r.relSeen[relationshipId] > since || (userId != 0 && r.userSeen[userId] > since)
}

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionCancel Action = "cancel"
	ActionDelete Action = "delete"
)

// Invoke performs the REST call behind the action.
func (a Action) Invoke(ctx context.Context, api Actions, relationshipId int64) error {
	switch a {
	case ActionAccept:
		return api.AcceptInvitation(ctx, relationshipId)
	case ActionReject:
		return api.RejectInvitation(ctx, relationshipId)
	case ActionCancel:
		return api.CancelInvitation(ctx, relationshipId)
	case ActionDelete:
		return api.DeleteFriendship(ctx, relationshipId)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, a)
}

// Do applies the local effect of action optimistically and returns a
// function that reverts it if the REST call fails.
func (r *Reconciler) Do(action Action, relationshipId int64) (func(), error) {
	var from, to List
	switch action {
	case ActionAccept:
		from, to = Received, Friends
	case ActionReject:
		from = Received
	case ActionCancel:
		from = Sent
	case ActionDelete:
		from = Friends
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	e, at, ok := r.remove(from, relationshipId, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %d in %s", ErrUnknownRelationship, relationshipId, from)
	}
	if to != "" {
		r.insert(to, e, 0)
	}
	r.publish()

	start := r.seq
	undo := func() {
		if r.seenSince(relationshipId, e.User.Id, start) {
			r.log.Debug().Int64("relationship_id", relationshipId).Str("action", string(action)).
				Msg("live event settled relationship, keeping it")
			return
		}
		if to != "" {
			r.remove(to, relationshipId, e.User.Id)
		}
		if _, present := r.ListOf(e.User.Id); present {
			// a live event already settled this user
			r.publish()
			return
		}
		r.insert(from, e, at)
		r.publish()
	}
	return undo, nil
}

func (r *Reconciler) Accept(relationshipId int64) (func(), error) {
	return r.Do(ActionAccept, relationshipId)
}

func (r *Reconciler) Reject(relationshipId int64) (func(), error) {
	return r.Do(ActionReject, relationshipId)
}

func (r *Reconciler) Cancel(relationshipId int64) (func(), error) {
	return r.Do(ActionCancel, relationshipId)
}

func (r *Reconciler) Delete(relationshipId int64) (func(), error) {
	return r.Do(ActionDelete, relationshipId)
}
