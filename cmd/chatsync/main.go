package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/rest"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/rs/zerolog"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func splitEnv(key string) stringSliceFlag {
	v := config.GetEnv(key, "")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

var (
	chatEndpoint       string
	friendshipEndpoint string
	apiURL             string
	token              string
	selfId             int64
	listenAddr         string
	logLevel           string
	baseDelay          time.Duration
	maxDelay           time.Duration
	requestTimeout     time.Duration
	pageSize           int
	gateFriendship     bool
	allowedOrigins     stringSliceFlag
	topics             stringSliceFlag
)

func main() {
	if err := config.LoadEnv(config.GetEnv("CHATSYNC_ENV_FILE", ".env")); err != nil {
		fmt.Fprintln(os.Stderr, "load env:", err)
		os.Exit(1)
	}

	allowedOrigins = splitEnv("CHATSYNC_ALLOWED_ORIGINS")
	topics = splitEnv("CHATSYNC_TOPICS")

	flag.StringVar(&chatEndpoint, "chat-endpoint", config.GetEnv("CHATSYNC_CHAT_ENDPOINT", "ws://localhost:8000/ws/chat"), "chat channel websocket url")
	flag.StringVar(&friendshipEndpoint, "friendship-endpoint", config.GetEnv("CHATSYNC_FRIENDSHIP_ENDPOINT", "ws://localhost:8000/ws/friendship"), "friendship channel websocket url")
	flag.StringVar(&apiURL, "api-url", config.GetEnv("CHATSYNC_API_URL", "http://localhost:8000/api"), "REST api base url")
	flag.StringVar(&token, "token", config.GetEnv("CHATSYNC_TOKEN", ""), "bearer credential")
	flag.Int64Var(&selfId, "self-id", config.GetEnvInt64("CHATSYNC_SELF_ID", 0), "id of the signed-in user")
	flag.StringVar(&listenAddr, "listen-addr", config.GetEnv("CHATSYNC_LISTEN_ADDR", "localhost:9090"), "address of the local api and metrics server")
	flag.StringVar(&logLevel, "log-level", config.GetEnv("CHATSYNC_LOG_LEVEL", "info"), "log level")
	flag.DurationVar(&baseDelay, "base-delay", config.GetEnvDuration("CHATSYNC_BASE_DELAY", time.Second), "first reconnect delay")
	flag.DurationVar(&maxDelay, "max-delay", config.GetEnvDuration("CHATSYNC_MAX_DELAY", 30*time.Second), "reconnect delay cap")
	flag.DurationVar(&requestTimeout, "request-timeout", config.GetEnvDuration("CHATSYNC_REQUEST_TIMEOUT", 15*time.Second), "REST request timeout")
	flag.IntVar(&pageSize, "page-size", config.GetEnvInt("CHATSYNC_PAGE_SIZE", 20), "page size for rooms, history and friendships")
	flag.BoolVar(&gateFriendship, "gate-friendship", config.GetEnvBool("CHATSYNC_GATE_FRIENDSHIP", false), "only reconcile the visible friendship list")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&topics, "topics", "comma-separated list of chat topics to subscribe to")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "chatsync").Logger()

	cfg, err := config.NewConfig(chatEndpoint, friendshipEndpoint, apiURL, token, selfId)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	if err := cfg.SetLogLevel(logLevel); err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	cfg.ListenAddr = listenAddr
	cfg.AllowedOrigins = allowedOrigins
	cfg.BaseDelay = baseDelay
	cfg.MaxDelay = maxDelay
	cfg.RequestTimeout = requestTimeout
	cfg.PageSize = pageSize
	cfg.GateFriendship = gateFriendship
	cfg.Topics = topics

	logger = logger.Level(cfg.LogLevel)

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	tokenSource := transport.StaticToken(cfg.Token)

	client, err := rest.NewClient(logger, cfg.APIBaseURL, tokenSource, cfg.RequestTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("rest client")
	}

	reporter := engine.ReporterFunc(func(op string, err error) {
		fmt.Fprintf(os.Stdout, "%s failed: %v\n", op, err)
	})

	eng, err := engine.New(logger, statsUpdater, engine.Config{
		SelfId:          cfg.SelfId,
		RoomPageSize:    cfg.PageSize,
		HistoryPageSize: cfg.PageSize,
		FriendPageSize:  cfg.PageSize,
		RequestTimeout:  cfg.RequestTimeout,
		GateFriendship:  cfg.GateFriendship,
	}, client, reporter)
	if err != nil {
		logger.Fatal().Err(err).Msg("new engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("engine")
		}
	}()

	mgr := transport.NewManager(logger, statsUpdater)

	chat, err := mgr.Connect(ctx, transport.Config{
		Channel:   engine.ChatChannel,
		Endpoint:  cfg.ChatEndpoint,
		Token:     tokenSource,
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Notifier:  eng,
	}, eng.HandleChatFrame)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect chat channel")
	}
	eng.AttachChat(chat)

	for _, topic := range cfg.Topics {
		if err := mgr.Subscribe(chat, topic, eng.HandleChatFrame); err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("subscribe")
		}
	}

	friends, err := mgr.Connect(ctx, transport.Config{
		Channel:   engine.FriendshipChannel,
		Endpoint:  cfg.FriendshipEndpoint,
		Token:     tokenSource,
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Notifier:  eng,
	}, eng.HandleFriendshipFrame)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect friendship channel")
	}

	if err := eng.LoadRooms(ctx); err != nil {
		logger.Error().Err(err).Msg("load rooms")
	}
	for _, list := range friendship.Lists {
		if err := eng.LoadFriendships(ctx, list, true); err != nil {
			logger.Error().Err(err).Str("list", string(list)).Msg("load friendships")
		}
	}

	srv := api.NewServer(mux, logger, eng, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server")
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("closing channels...")
	mgr.Disconnect(chat)
	mgr.Disconnect(friends)

	eng.Shutdown()
	<-engineDone

	logger.Info().Msg("shutdown complete")
}
