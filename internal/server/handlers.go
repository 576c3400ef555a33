package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tyrowin/farmchat/internal/bridge"
)

// PublishRequest is the body of POST /api/ably/publish. User and Text are
// accepted as fallbacks for Name and Data.
type PublishRequest struct {
	Channel string  `json:"channel,omitempty"`
	Name    string  `json:"name,omitempty"`
	Data    any     `json:"data,omitempty"`
	User    string  `json:"user,omitempty"`
	Text    *string `json:"text,omitempty"`
}

// resolve applies the fallbacks and defaults.
func (p PublishRequest) resolve(defaultChannel string) (channel, name string, data any) {
	channel = p.Channel
	if channel == "" {
		channel = defaultChannel
	}

	name = p.Name
	if name == "" {
		name = p.User
	}
	if name == "" {
		name = bridge.DefaultPublishName
	}

	data = p.Data
	if data == nil && p.Text != nil {
		data = *p.Text
	}
	return channel, name, data
}

// WebSocketHandler upgrades the request and registers the connection with
// the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg)
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

// PublishHandler forwards a message to the external channel.
func (s *Server) PublishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.bridge == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bridge not configured"})
		return
	}

	var req PublishRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	channel, name, data := req.resolve(s.cfg.Bridge.Channel)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Bridge.PublishTimeout)
	defer cancel()

	if err := s.bridge.Publish(ctx, channel, name, data); err != nil {
		s.logger.Error().Err(err).Str("channel", channel).Str("name", name).Msg("publish failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.logger.Debug().Str("channel", channel).Str("name", name).Msg("published")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StaticHandler serves files from the configured static directory. Paths
// with a segment starting with "." (such as /.env) are answered with 404.
func (s *Server) StaticHandler() http.Handler {
	return hideDotfiles(http.FileServer(http.Dir(s.cfg.StaticDir)))
}

func hideDotfiles(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, segment := range strings.Split(r.URL.Path, "/") {
			if strings.HasPrefix(segment, ".") {
				http.NotFound(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
