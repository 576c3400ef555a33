package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const nameMetadataKey = "name"

// Watermill is a Bridge over a Watermill publisher/subscriber pair. Channel
// names map one to one onto Watermill topics.
type Watermill struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger zerolog.Logger

	// prepare runs before each Subscribe, e.g. to create a consumer group.
	prepare func(ctx context.Context, topic string) error
	closers []func() error
}

// NewMemory returns an in-process bridge. Messages published to a channel are
// delivered to that channel's subscribers.
func NewMemory(logger zerolog.Logger) *Watermill {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger(logger))
	return &Watermill{
		pub:     ps,
		sub:     ps,
		logger:  logger,
		closers: []func() error{ps.Close},
	}
}

// NewRedis returns a bridge backed by Redis Streams.
func NewRedis(ctx context.Context, s RedisSettings, logger zerolog.Logger) (*Watermill, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", s.Addr)
	}

	wlog := NewWatermillLogger(logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}

	return &Watermill{
		pub:    pub,
		sub:    sub,
		logger: logger,
		prepare: func(ctx context.Context, topic string) error {
			return ensureGroupAtTail(ctx, client, topic, s.Group, logger)
		},
		closers: []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a fresh relay does
// not replay the whole stream into chat history.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string, logger zerolog.Logger) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	logger.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}

// Publish encodes name/data as JSON and publishes it to channel. The call
// gives up when ctx is done.
func (w *Watermill) Publish(ctx context.Context, channel, name string, data any) error {
	payload, err := json.Marshal(Message{Name: name, Data: data})
	if err != nil {
		return errors.Wrap(err, "encode bridge message")
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(nameMetadataKey, name)
	msg.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- w.pub.Publish(channel, msg)
	}()

	select {
	case err := <-done:
		return errors.Wrapf(err, "publish to %s", channel)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "publish to %s", channel)
	}
}

// Subscribe consumes channel until ctx is done. Every message is acked,
// including ones the handler rejects.
func (w *Watermill) Subscribe(ctx context.Context, channel string, h Handler) error {
	if h == nil {
		return errors.New("bridge handler is nil")
	}
	if w.prepare != nil {
		if err := w.prepare(ctx, channel); err != nil {
			return err
		}
	}

	messages, err := w.sub.Subscribe(ctx, channel)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", channel)
	}

	go func() {
		for msg := range messages {
			w.deliver(ctx, msg, h)
		}
		w.logger.Debug().Str("channel", channel).Msg("subscription closed")
	}()
	return nil
}

func (w *Watermill) deliver(ctx context.Context, msg *message.Message, h Handler) {
	defer msg.Ack()

	var m Message
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		w.logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable bridge message")
		return
	}
	if m.Name == "" {
		m.Name = msg.Metadata.Get(nameMetadataKey)
	}
	if err := h(ctx, m); err != nil {
		w.logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("inbound bridge message dropped")
	}
}

// Close releases the publisher, subscriber and any client they share.
func (w *Watermill) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
