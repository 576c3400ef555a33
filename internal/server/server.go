// Package server ties the hub, the bridge and the HTTP handlers together.
package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/farmchat/internal/bridge"
)

// Server is the relay: one hub, one bridge and the HTTP surface.
type Server struct {
	cfg      Config
	hub      *Hub
	bridge   bridge.Bridge
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New builds a relay from cfg. The bridge is owned by the caller.
func New(cfg Config, b bridge.Bridge, logger zerolog.Logger) *Server {
	cfg = cfg.Sanitize()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger.With().Str("component", "origin").Logger())
	return &Server{
		cfg:    cfg,
		hub:    NewHub(logger),
		bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Hub returns the relay's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// Start runs the hub and subscribes it to the configured external channel.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	s.logger.Info().Msg("hub started and ready to manage websocket connections")

	if s.bridge == nil {
		return nil
	}
	if err := s.bridge.Subscribe(ctx, s.cfg.Bridge.Channel, s.hub.HandleBridgeMessage); err != nil {
		return errors.Wrap(err, "subscribe bridge")
	}
	s.logger.Info().Str("channel", s.cfg.Bridge.Channel).Msg("bridge subscribed")
	return nil
}

// Shutdown stops the hub and closes every client.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
