package bridge

import (
	"context"
	"sync"

	"github.com/ably/ably-go/ably"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Ably is a Bridge over the hosted Ably realtime service.
type Ably struct {
	client *ably.Realtime
	logger zerolog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewAbly connects to Ably with the given API key.
func NewAbly(apiKey string, logger zerolog.Logger) (*Ably, error) {
	if apiKey == "" {
		return nil, ErrMissingCredential
	}
	client, err := ably.NewRealtime(ably.WithKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "create ably client")
	}
	return &Ably{client: client, logger: logger}, nil
}

// Publish sends name/data on channel.
func (a *Ably) Publish(ctx context.Context, channel, name string, data any) error {
	if err := a.client.Channels.Get(channel).Publish(ctx, name, data); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return nil
}

// Subscribe attaches to channel and forwards every message to h until ctx is
// done.
func (a *Ably) Subscribe(ctx context.Context, channel string, h Handler) error {
	if h == nil {
		return errors.New("bridge handler is nil")
	}

	unsub, err := a.client.Channels.Get(channel).SubscribeAll(ctx, func(m *ably.Message) {
		if err := h(ctx, Message{Name: m.Name, Data: m.Data}); err != nil {
			a.logger.Warn().Err(err).Str("channel", channel).Str("id", m.ID).Msg("inbound bridge message dropped")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", channel)
	}

	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		unsub()
	}()
	return nil
}

// Close drops all subscriptions and the realtime connection.
func (a *Ably) Close() error {
	a.mu.Lock()
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	a.mu.Unlock()

	a.client.Close()
	return nil
}
