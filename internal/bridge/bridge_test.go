package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsSanitize(t *testing.T) {
	s := Settings{Driver: "  Redis ", APIKey: " key "}.Sanitize()

	assert.Equal(t, DriverRedis, s.Driver)
	assert.Equal(t, "key", s.APIKey)
	assert.Equal(t, DefaultChannel, s.Channel)
	assert.Equal(t, DefaultPublishTimeout, s.PublishTimeout)
	assert.Equal(t, RedisSettings{Addr: DefaultRedisAddr, Group: DefaultRedisGroup, Consumer: DefaultRedisConsumer}, s.Redis)

	assert.Equal(t, DriverAbly, Settings{}.Sanitize().Driver)
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Settings
		wantErr error
		anyErr  bool
	}{
		{name: "ably without key", in: Settings{Driver: DriverAbly}, wantErr: ErrMissingCredential},
		{name: "ably with key", in: Settings{Driver: DriverAbly, APIKey: "app.key:secret"}},
		{name: "redis", in: Settings{Driver: DriverRedis}},
		{name: "memory", in: Settings{Driver: DriverMemory}},
		{name: "unknown", in: Settings{Driver: "smoke-signal"}, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSelectsDriver(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, Settings{Driver: DriverMemory}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Watermill{}, b)
	require.NoError(t, b.Close())

	_, err = New(ctx, Settings{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = New(ctx, Settings{Driver: "smoke-signal"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewAblyRequiresKey(t *testing.T) {
	_, err := NewAbly("", zerolog.Nop())
	assert.True(t, errors.Is(err, ErrMissingCredential))
}

func TestNewRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := NewRedis(ctx, RedisSettings{Addr: "127.0.0.1:1", Group: "g", Consumer: "c"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis at 127.0.0.1:1")
}

func TestWatermillLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	adapter.With(watermill.LogFields{"topic": "farm-chat"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "publish failed", line["message"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "farm-chat", line["topic"])
	assert.Equal(t, float64(2), line["attempt"])
}

func TestWatermillLoggerDebugIsTrace(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	adapter.Debug("noisy", nil)
	adapter.Trace("noisier", nil)
	assert.Empty(t, buf.String())

	adapter.Info("subscribed", watermill.LogFields{"topic": "t"})
	assert.Contains(t, buf.String(), `"message":"subscribed"`)
}
