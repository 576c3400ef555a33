// Package server implements the farm chat relay: a websocket hub holding a
// bounded chat history and the online count, an HTTP surface serving static
// assets and the publish endpoint, and the glue to an external pub/sub
// bridge.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers.
package server
