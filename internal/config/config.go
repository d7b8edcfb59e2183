package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultListenAddr     = "localhost:9090"
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultPageSize       = 20
)

type Config struct {
	ChatEndpoint       string
	FriendshipEndpoint string
	APIBaseURL         string
	Token              string
	SelfId             int64

	ListenAddr     string
	AllowedOrigins []string
	LogLevel       zerolog.Level
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	PageSize       int
	GateFriendship bool
	Topics         []string
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v url", raw, schemes)
}

// NewConfig validates the connection settings and fills every tunable with
// its default.
func NewConfig(chatEndpoint, friendshipEndpoint, apiBaseURL, token string, selfId int64) (*Config, error) {
	if chatEndpoint == "" {
		return nil, fmt.Errorf("chat endpoint cannot be empty")
	}
	if friendshipEndpoint == "" {
		return nil, fmt.Errorf("friendship endpoint cannot be empty")
	}
	if apiBaseURL == "" {
		return nil, fmt.Errorf("api base url cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	if selfId <= 0 {
		return nil, fmt.Errorf("self id must be positive")
	}

	if err := validateURL(chatEndpoint, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("chat endpoint: %w", err)
	}
	if err := validateURL(friendshipEndpoint, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("friendship endpoint: %w", err)
	}
	if err := validateURL(apiBaseURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}

	return &Config{
		ChatEndpoint:       chatEndpoint,
		FriendshipEndpoint: friendshipEndpoint,
		APIBaseURL:         apiBaseURL,
		Token:              token,
		SelfId:             selfId,
		ListenAddr:         defaultListenAddr,
		LogLevel:           zerolog.InfoLevel,
		BaseDelay:          defaultBaseDelay,
		MaxDelay:           defaultMaxDelay,
		RequestTimeout:     defaultRequestTimeout,
		PageSize:           defaultPageSize,
	}, nil
}

// SetLogLevel parses level, falling back to info for an empty string.
func (c *Config) SetLogLevel(level string) error {
	if level == "" {
		c.LogLevel = zerolog.InfoLevel
		return nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	c.LogLevel = lvl
	return nil
}
