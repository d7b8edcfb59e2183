package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const defaultTimeout = 15 * time.Second

// Client implements the REST collaborators the engine consumes.
type Client struct {
	log   zerolog.Logger
	http  *resty.Client
	token transport.TokenSource
}

type sendMessageRequest struct {
	Content     string            `json:"content"`
	ClientMsgId string            `json:"client_msg_id"`
	Type        types.MessageType `json:"type"`
}

func NewClient(logger zerolog.Logger, baseURL string, token transport.TokenSource, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	if token == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		log:   logger.With().Str("component", "rest").Logger(),
		http:  hc,
		token: token,
	}, nil
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	return c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&ApiError{}), nil
}

func (c *Client) do(req *resty.Request, method, path string) error {
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", resp.Request.URL).
		Int("status", resp.StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("rest call")

	if resp.IsError() {
		if apiErr, ok := resp.Error().(*ApiError); ok && apiErr.Message != "" {
			apiErr.StatusCode = resp.StatusCode()
			return apiErr
		}
		return newApiError(resp.StatusCode(), "")
	}

	return nil
}

func cursorParams(req *resty.Request, beforeId int64, size int) {
	if beforeId > 0 {
		req.SetQueryParam("before_id", strconv.FormatInt(beforeId, 10))
	}
	if size > 0 {
		req.SetQueryParam("size", strconv.Itoa(size))
	}
}

func (c *Client) FetchRooms(ctx context.Context, page, size int) (types.RoomPage, error) {
	var out types.RoomPage
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}

	req.SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("size", strconv.Itoa(size)).
		SetResult(&out)
	if err := c.do(req, http.MethodGet, "/rooms"); err != nil {
		return types.RoomPage{}, err
	}

	return out, nil
}

func (c *Client) FetchRoomHistory(ctx context.Context, roomId, beforeId int64, size int) (types.HistoryPage, error) {
	var out types.HistoryPage
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}

	req.SetPathParam("roomId", strconv.FormatInt(roomId, 10)).SetResult(&out)
	cursorParams(req, beforeId, size)
	if err := c.do(req, http.MethodGet, "/rooms/{roomId}/messages"); err != nil {
		return types.HistoryPage{}, err
	}

	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, roomId int64, content, clientMsgId string, typ types.MessageType) (types.Message, error) {
	var out types.Message
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}

	req.SetPathParam("roomId", strconv.FormatInt(roomId, 10)).
		SetBody(sendMessageRequest{Content: content, ClientMsgId: clientMsgId, Type: typ}).
		SetResult(&out)
	if err := c.do(req, http.MethodPost, "/rooms/{roomId}/messages"); err != nil {
		return types.Message{}, err
	}

	return out, nil
}

// SendFile uploads r as a media message of the given type.
func (c *Client) SendFile(ctx context.Context, roomId int64, fileName string, r io.Reader, clientMsgId string, typ types.MessageType) (types.Message, error) {
	var out types.Message
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}

	req.SetPathParam("roomId", strconv.FormatInt(roomId, 10)).
		SetFileReader("file", fileName, r).
		SetMultipartFormData(map[string]string{
			"client_msg_id": clientMsgId,
			"type":          string(typ),
		}).
		SetResult(&out)
	if err := c.do(req, http.MethodPost, "/rooms/{roomId}/files"); err != nil {
		return types.Message{}, err
	}

	return out, nil
}

func (c *Client) fetchFriendships(ctx context.Context, path string, beforeId int64, size int) (types.FriendshipPage, error) {
	var out types.FriendshipPage
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}

	req.SetResult(&out)
	cursorParams(req, beforeId, size)
	if err := c.do(req, http.MethodGet, path); err != nil {
		return types.FriendshipPage{}, err
	}

	return out, nil
}

func (c *Client) FetchFriends(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error) {
	return c.fetchFriendships(ctx, "/friends", beforeId, size)
}

func (c *Client) FetchSentInvitations(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error) {
	return c.fetchFriendships(ctx, "/friends/invitations/sent", beforeId, size)
}

func (c *Client) FetchReceivedInvitations(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error) {
	return c.fetchFriendships(ctx, "/friends/invitations/received", beforeId, size)
}

func (c *Client) relationshipCall(ctx context.Context, method, path string, relationshipId int64) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	req.SetPathParam("id", strconv.FormatInt(relationshipId, 10))
	return c.do(req, method, path)
}

func (c *Client) AcceptInvitation(ctx context.Context, relationshipId int64) error {
	return c.relationshipCall(ctx, http.MethodPost, "/friends/invitations/{id}/accept", relationshipId)
}

func (c *Client) RejectInvitation(ctx context.Context, relationshipId int64) error {
	return c.relationshipCall(ctx, http.MethodPost, "/friends/invitations/{id}/reject", relationshipId)
}

func (c *Client) CancelInvitation(ctx context.Context, relationshipId int64) error {
	return c.relationshipCall(ctx, http.MethodDelete, "/friends/invitations/{id}", relationshipId)
}

func (c *Client) DeleteFriendship(ctx context.Context, relationshipId int64) error {
	return c.relationshipCall(ctx, http.MethodDelete, "/friends/{id}", relationshipId)
}
