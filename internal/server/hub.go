// Package server coordinates client registration, chat history and message
// fan-out for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/farmchat/internal/bridge"
)

// ErrHubClosed is returned when delivering to a hub that has shut down.
var ErrHubClosed = errors.New("hub is shut down")

// Hub owns the connected clients, the chat history and the online count.
// Run is the only goroutine that mutates them; the mutex lets other
// goroutines take consistent snapshots.
type Hub struct {
	clients    map[*Client]bool
	history    *History
	incoming   chan ChatMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHub creates a hub with an empty history. Call Run to start it.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		history:    NewHistory(HistoryCapacity),
		incoming:   make(chan ChatMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
		now:        time.Now,
	}
}

// Register hands a client to the hub. It returns false if the hub is shut
// down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client. It is a no-op once the hub is shut down.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Submit records a client submission and broadcasts it to every client,
// including the sender.
func (h *Hub) Submit(ctx context.Context, in SubmitPayload) error {
	return h.Deliver(ctx, NewChatMessage(in, h.now()))
}

// HandleBridgeMessage records a message received from the external channel.
// It has the bridge.Handler signature.
func (h *Hub) HandleBridgeMessage(ctx context.Context, m bridge.Message) error {
	msg, err := NewExternalChatMessage(m.Name, m.Data, h.now())
	if err != nil {
		return err
	}
	return h.Deliver(ctx, msg)
}

// Deliver appends msg to the history and broadcasts it.
func (h *Hub) Deliver(ctx context.Context, msg ChatMessage) error {
	select {
	case h.incoming <- msg:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// History returns a copy of the stored messages, oldest first.
func (h *Hub) History() []ChatMessage {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.history.Recent(HistoryCapacity)
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn().Msg("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			if h.removeClients([]*Client{client}) > 0 {
				h.broadcastOnlineCount()
			}

		case msg := <-h.incoming:
			h.handleMessage(msg)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	backlog := h.history.Recent(HistorySyncSize)
	h.mutex.Unlock()
	h.logger.Info().Str("client", client.id).Str("addr", client.addr).Int("clients", clientCount).Msg("client registered")

	if client.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			client.writePump()
		}()
		go func() {
			defer h.wg.Done()
			client.readPump()
		}()
	}

	h.broadcastOnlineCount()

	payload, err := encodeEnvelope(EventChatHistory, backlog)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode chat history")
		return
	}
	if _, ok := h.clients[client]; ok && !h.send(client, payload) {
		if h.removeClients([]*Client{client}) > 0 {
			h.broadcastOnlineCount()
		}
	}
}

func (h *Hub) handleMessage(msg ChatMessage) {
	h.mutex.Lock()
	h.history.Append(msg)
	h.mutex.Unlock()

	payload, err := encodeEnvelope(EventChatMessage, msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode chat message")
		return
	}

	h.logger.Debug().Int64("id", msg.ID).Str("user", msg.User).Int("clients", len(h.clients)).Msg("broadcasting message")
	if h.removeClients(h.sendAll(payload)) > 0 {
		h.broadcastOnlineCount()
	}
}

// broadcastOnlineCount sends the current count to everyone. Clients that
// cannot take it are dropped and the smaller count is sent again.
func (h *Hub) broadcastOnlineCount() {
	for {
		payload, err := encodeEnvelope(EventOnlineCount, len(h.clients))
		if err != nil {
			h.logger.Error().Err(err).Msg("encode online count")
			return
		}
		if h.removeClients(h.sendAll(payload)) == 0 {
			return
		}
	}
}

// sendAll queues payload on every client and returns the ones whose queue
// was full.
func (h *Hub) sendAll(payload []byte) []*Client {
	var failed []*Client
	for client := range h.clients {
		if !h.send(client, payload) {
			failed = append(failed, client)
		}
	}
	return failed
}

func (h *Hub) send(client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// removeClients unregisters clients and closes their send queues, which
// stops their write pumps. It returns how many were actually removed.
func (h *Hub) removeClients(clients []*Client) int {
	if len(clients) == 0 {
		return 0
	}

	h.mutex.Lock()
	var removed []*Client
	for _, client := range clients {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			removed = append(removed, client)
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	for _, client := range removed {
		close(client.send)
		h.logger.Info().Str("client", client.id).Str("addr", client.addr).Int("clients", clientCount).Msg("client unregistered")
	}
	return len(removed)
}

// shutdownClients closes every connection and send queue.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	h.removeClients(clients)
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn().Err(err).Str("addr", client.addr).Msg("error closing client connection")
			}
		}
	}

	h.logger.Info().Int("closed", len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub and waits for all client goroutines to finish or
// for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		h.logger.Warn().Msg("hub loop did not stop before timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-deadline:
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
