// Package server defines the chat message model, the websocket envelope and
// small helpers shared by the hub, clients and HTTP handlers.
package server

import (
	"encoding/json"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Event names carried in the envelope.
const (
	EventOnlineCount = "onlineCount"
	EventChatHistory = "chatHistory"
	EventChatMessage = "chatMessage"
)

const (
	defaultUser         = "Farmer"
	defaultExternalUser = "Ably"
	defaultRole         = "user"
	clockLayout         = "3:04:05 PM"
)

// ChatMessage is a single chat line. It is never mutated after creation.
type ChatMessage struct {
	ID   int64  `json:"id"`
	User string `json:"user"`
	Text string `json:"text"`
	Role string `json:"role"`
	Time string `json:"time"`
}

// SubmitPayload is what a client sends with a chatMessage event.
type SubmitPayload struct {
	User string `json:"user,omitempty"`
	Text string `json:"text"`
	Role string `json:"role,omitempty"`
}

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewChatMessage builds a message from a client submission.
func NewChatMessage(in SubmitPayload, now time.Time) ChatMessage {
	user := in.User
	if user == "" {
		user = defaultUser
	}
	role := in.Role
	if role == "" {
		role = defaultRole
	}
	return ChatMessage{
		ID:   now.UnixMilli(),
		User: user,
		Text: in.Text,
		Role: role,
		Time: now.Format(clockLayout),
	}
}

// NewExternalChatMessage builds a message from a bridge delivery. Missing
// data becomes empty text; other non-string data is serialized to JSON.
func NewExternalChatMessage(name string, data any, now time.Time) (ChatMessage, error) {
	user := name
	if user == "" {
		user = defaultExternalUser
	}

	var text string
	switch v := data.(type) {
	case nil:
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ChatMessage{}, errors.Wrap(err, "serialize external data")
		}
		text = string(b)
	}

	return ChatMessage{
		ID:   now.UnixMilli(),
		User: user,
		Text: text,
		Role: defaultRole,
		Time: now.Format(clockLayout),
	}, nil
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", event)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
