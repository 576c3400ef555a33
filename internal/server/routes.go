// Package server wires HTTP handlers into a ServeMux for the relay.
package server

import "net/http"

// PublishPath is the route of the publish endpoint.
const PublishPath = "/api/ably/publish"

// SetupRoutes configures and returns an HTTP ServeMux with all relay routes:
// the websocket endpoint, the publish endpoint and static files for
// everything else.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", s.StaticHandler())
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc(PublishPath, s.PublishHandler)
	return mux
}
