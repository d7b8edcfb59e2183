package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// maxUploadSize bounds a single file message.
const maxUploadSize = 32 << 20

type SendMessageRequest struct {
	Content string            `json:"content"`
	Type    types.MessageType `json:"type,omitempty"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, st)
}

func more(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("more"))
	return v
}

func (s *Server) loadRooms(w http.ResponseWriter, r *http.Request) {
	var err error
	if more(r) {
		err = s.ctl.LoadMoreRooms(r.Context())
	} else {
		err = s.ctl.LoadRooms(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) openRoom(w http.ResponseWriter, r *http.Request) {
	roomId, err := strconv.ParseInt(r.PathValue("roomId"), 10, 64)
	if err != nil || roomId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.ctl.OpenRoom(r.Context(), roomId); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) closeRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.CloseRoom(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadOlder(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.LoadOlder(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Content == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.ctl.SendMessage(r.Context(), req.Content, req.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, msg)
}

// sendFile expects a multipart form with a "file" part and a media "type".
func (s *Server) sendFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	msg, err := s.ctl.SendFile(r.Context(), header.Filename, file, types.MessageType(r.FormValue("type")))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusAccepted, msg)
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.RetryMessage(r.Context(), r.PathValue("clientMsgId")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func parseList(r *http.Request) (friendship.List, bool) {
	list := friendship.List(r.PathValue("list"))
	for _, l := range friendship.Lists {
		if l == list {
			return list, true
		}
	}
	return "", false
}

func (s *Server) loadFriendships(w http.ResponseWriter, r *http.Request) {
	list, ok := parseList(r)
	if !ok {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.ctl.LoadFriendships(r.Context(), list, !more(r)); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) showFriendships(w http.ResponseWriter, r *http.Request) {
	list, ok := parseList(r)
	if !ok {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.ctl.ShowFriendships(r.Context(), list); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) friendshipAction(w http.ResponseWriter, r *http.Request) {
	relId, err := strconv.ParseInt(r.PathValue("relationshipId"), 10, 64)
	if err != nil || relId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	action := friendship.Action(r.PathValue("action"))
	if err := s.ctl.FriendshipAction(r.Context(), action, relId); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
