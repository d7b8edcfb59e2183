package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

// Controller is the part of the engine the local API drives.
type Controller interface {
	State(ctx context.Context) (engine.State, error)
	LoadRooms(ctx context.Context) error
	LoadMoreRooms(ctx context.Context) error
	OpenRoom(ctx context.Context, roomId int64) error
	CloseRoom(ctx context.Context) error
	LoadOlder(ctx context.Context) error
	SendMessage(ctx context.Context, content string, typ types.MessageType) (types.Message, error)
	SendFile(ctx context.Context, fileName string, r io.Reader, typ types.MessageType) (types.Message, error)
	RetryMessage(ctx context.Context, clientMsgId string) error
	LoadFriendships(ctx context.Context, list friendship.List, initial bool) error
	ShowFriendships(ctx context.Context, list friendship.List) error
	FriendshipAction(ctx context.Context, action friendship.Action, relationshipId int64) error
}

// Server is the daemon's local HTTP surface: state inspection and the user
// operations of the engine.
type Server struct {
	log zerolog.Logger
	ctl Controller
	srv *http.Server
}

func NewServer(mux *http.ServeMux, logger zerolog.Logger, ctl Controller, cfg *config.Config) *Server {
	s := &Server{
		log: logger.With().Str("component", "api").Logger(),
		ctl: ctl,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /debug/state", s.state)
	mux.HandleFunc("POST /api/rooms/load", s.loadRooms)
	mux.HandleFunc("POST /api/rooms/{roomId}/open", s.openRoom)
	mux.HandleFunc("POST /api/rooms/close", s.closeRoom)
	mux.HandleFunc("POST /api/timeline/older", s.loadOlder)
	mux.HandleFunc("POST /api/messages", s.sendMessage)
	mux.HandleFunc("POST /api/messages/{clientMsgId}/retry", s.retryMessage)
	mux.HandleFunc("POST /api/files", s.sendFile)
	mux.HandleFunc("POST /api/friendships/{list}/load", s.loadFriendships)
	mux.HandleFunc("POST /api/friendships/{list}/show", s.showFriendships)
	mux.HandleFunc("POST /api/relationships/{relationshipId}/{action}", s.friendshipAction)

	var h http.Handler = mux
	if len(cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.MaxAge(3600),
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		)(h)
	}

	h = s.errorHandler(h)
	h = handlers.LoggingHandler(s.log, h)

	s.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
