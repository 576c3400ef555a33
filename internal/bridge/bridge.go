// Package bridge connects the relay to an external pub/sub channel. A Bridge
// publishes (name, data) pairs to a named channel and delivers inbound
// messages from a subscribed channel to a handler.
//
// Three drivers exist: "ably" talks to the hosted Ably service, "redis" uses
// Redis Streams through Watermill and "memory" is an in-process Watermill
// GoChannel used for tests and local runs.
package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Driver names.
const (
	DriverAbly   = "ably"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Defaults applied by Settings.Sanitize.
const (
	DefaultChannel        = "farm-chat"
	DefaultPublishName    = "GameChat"
	DefaultPublishTimeout = 10 * time.Second
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisGroup     = "farmchat"
	DefaultRedisConsumer  = "relay-1"
)

// ErrMissingCredential is returned when the ably driver has no API key.
var ErrMissingCredential = errors.New("ABLY_API_KEY is required")

// Message is the unit exchanged with the external service.
type Message struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// Handler receives inbound messages. A returned error is logged by the driver
// and the message is dropped.
type Handler func(ctx context.Context, msg Message) error

// Bridge is implemented by every driver.
type Bridge interface {
	// Publish sends name/data to the given channel.
	Publish(ctx context.Context, channel, name string, data any) error
	// Subscribe starts delivering messages from channel to h. It returns once
	// the subscription is established; delivery stops when ctx is done.
	Subscribe(ctx context.Context, channel string, h Handler) error
	Close() error
}

// RedisSettings configures the redis driver.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// Settings selects and configures a driver.
type Settings struct {
	Driver         string        `yaml:"driver"`
	APIKey         string        `yaml:"api_key"`
	Channel        string        `yaml:"channel"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Redis          RedisSettings `yaml:"redis"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Driver:         DriverAbly,
		Channel:        DefaultChannel,
		PublishTimeout: DefaultPublishTimeout,
		Redis: RedisSettings{
			Addr:     DefaultRedisAddr,
			Group:    DefaultRedisGroup,
			Consumer: DefaultRedisConsumer,
		},
	}
}

// Sanitize fills empty fields with defaults.
func (s Settings) Sanitize() Settings {
	d := DefaultSettings()
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = d.Driver
	}
	s.APIKey = strings.TrimSpace(s.APIKey)
	if strings.TrimSpace(s.Channel) == "" {
		s.Channel = d.Channel
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = d.PublishTimeout
	}
	if s.Redis.Addr == "" {
		s.Redis.Addr = d.Redis.Addr
	}
	if s.Redis.Group == "" {
		s.Redis.Group = d.Redis.Group
	}
	if s.Redis.Consumer == "" {
		s.Redis.Consumer = d.Redis.Consumer
	}
	return s
}

// Validate reports configuration errors that must stop the process.
func (s Settings) Validate() error {
	switch s.Driver {
	case DriverAbly:
		if s.APIKey == "" {
			return ErrMissingCredential
		}
	case DriverRedis, DriverMemory:
	default:
		return errors.Errorf("unsupported bridge driver %q", s.Driver)
	}
	return nil
}

// New builds the driver selected by s.
func New(ctx context.Context, s Settings, logger zerolog.Logger) (Bridge, error) {
	s = s.Sanitize()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "bridge").Str("driver", s.Driver).Logger()
	switch s.Driver {
	case DriverAbly:
		return NewAbly(s.APIKey, logger)
	case DriverRedis:
		return NewRedis(ctx, s.Redis, logger)
	default:
		return NewMemory(logger), nil
	}
}
