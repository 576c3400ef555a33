package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	httpReadTimeout  = 15 * time.Second
	httpWriteTimeout = 15 * time.Second
	httpIdleTimeout  = 60 * time.Second

	// maxPublishTimeout leaves the publish handler time to write its error
	// response before httpWriteTimeout cuts the connection.
	maxPublishTimeout = httpWriteTimeout - time.Second
)

// CreateServer returns an http.Server for addr with the relay's timeouts.
// Upgraded websocket connections manage their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}
}

// StartServer binds server.Addr and serves until shutdown, after which it
// returns http.ErrServerClosed. Binding first lets ":0" report the real port.
func StartServer(server *http.Server) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", server.Addr)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	return server.Serve(ln)
}

// ShutdownServer stops accepting requests and waits up to timeout for the
// in-flight ones.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info().Dur("timeout", timeout).Msg("stopping http listener")
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http listener did not stop cleanly")
		return err
	}
	return nil
}
