package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/event"
)

// EventHandler receives decoded inbound events and connection closes.
// HandleClose is called exactly once per client.
type EventHandler interface {
	HandleEvent(c *Client, name string, data json.RawMessage)
	HandleClose(c *Client)
}

// ConnectionLimits bounds what a single connection may send.
type ConnectionLimits struct {
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// Hub manages all WebSocket client connections and their room membership.
// Delivery methods never block on a client: a client whose send queue is full
// is dropped.
type Hub struct {
	clients    map[event.ConnID]*Client
	rooms      map[string]map[event.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	limits     ConnectionLimits
	handler    EventHandler
	logger     *zap.Logger
}

// NewHub creates a hub applying limits to every client it accepts.
func NewHub(limits ConnectionLimits, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[event.ConnID]*Client),
		rooms:      make(map[string]map[event.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		limits:     limits,
		logger:     logger,
	}
}

// SetHandler installs the inbound event handler. It must be called before Run.
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

// Register hands a new client to the run loop, which starts its pumps.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client. After shutdown has begun the removal is
// performed directly.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
		h.removeClient(c)
	}
}

// Run starts the hub's main event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)
			h.startPumps(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	recordConnection()
	h.logger.Info("Client registered",
		zap.String("conn_id", string(client.id)),
		zap.String("remote_addr", client.addr),
		zap.Int("clients", clientCount),
	)
}

func (h *Hub) startPumps(client *Client) {
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

// removeClient detaches the client from the hub and fires the close hook.
// Safe to call more than once.
func (h *Hub) removeClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	current, ok := h.clients[client.id]
	removed := ok && current == client
	if removed {
		h.detachLocked(client)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if removed {
		close(client.send)
		recordDisconnection()
		h.logger.Info("Client unregistered",
			zap.String("conn_id", string(client.id)),
			zap.String("remote_addr", client.addr),
			zap.Int("clients", clientCount),
		)
	}

	h.fireClose(client)
}

// detachLocked removes the client from the client map and every room. The
// caller holds the write lock and closes client.send afterwards.
func (h *Hub) detachLocked(client *Client) {
	delete(h.clients, client.id)
	client.closed = true
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
}

func (h *Hub) fireClose(client *Client) {
	client.closeOnce.Do(func() {
		if h.handler != nil {
			h.handler.HandleClose(client)
		}
	})
}

// Emit sends an event to a single connection. Unknown connections are ignored.
func (h *Hub) Emit(conn event.ConnID, name string, payload any) {
	message, ok := h.encode(name, payload)
	if !ok {
		return
	}

	h.mutex.RLock()
	client, exists := h.clients[conn]
	var failed []*Client
	if exists && !h.trySendLocked(client, message) {
		failed = append(failed, client)
	}
	h.mutex.RUnlock()

	h.removeFailedClients(failed)
}

// Broadcast sends an event to every connection.
func (h *Hub) Broadcast(name string, payload any) {
	h.BroadcastExcept(name, payload, "")
}

// BroadcastExcept sends an event to every connection except except.
func (h *Hub) BroadcastExcept(name string, payload any, except event.ConnID) {
	message, ok := h.encode(name, payload)
	if !ok {
		return
	}

	h.mutex.RLock()
	var failed []*Client
	for id, client := range h.clients {
		if id == except {
			continue
		}
		if !h.trySendLocked(client, message) {
			failed = append(failed, client)
		}
	}
	h.mutex.RUnlock()

	h.removeFailedClients(failed)
}

// SendTo sends an event to every member of room except except.
func (h *Hub) SendTo(room, name string, payload any, except event.ConnID) {
	message, ok := h.encode(name, payload)
	if !ok {
		return
	}

	h.mutex.RLock()
	var failed []*Client
	for id, client := range h.rooms[room] {
		if id == except {
			continue
		}
		if !h.trySendLocked(client, message) {
			failed = append(failed, client)
		}
	}
	h.mutex.RUnlock()

	h.removeFailedClients(failed)
}

// Join adds conn to room, creating the room on first use.
func (h *Hub) Join(conn event.ConnID, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	client, ok := h.clients[conn]
	if !ok || client.closed {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[event.ConnID]*Client)
		h.rooms[room] = members
	}
	members[conn] = client
	client.rooms[room] = struct{}{}
}

// Leave removes conn from room. Empty rooms are deleted.
func (h *Hub) Leave(conn event.ConnID, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if client, ok := h.clients[conn]; ok {
		h.leaveLocked(client, room)
	}
}

func (h *Hub) leaveLocked(client *Client, room string) {
	delete(client.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client.id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of members in room.
func (h *Hub) RoomSize(room string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) encode(name string, payload any) ([]byte, bool) {
	message, err := encodeEvent(name, payload)
	if err != nil {
		h.logger.Error("Failed to encode outbound event", zap.String("event", name), zap.Error(err))
		return nil, false
	}
	return message, true
}

// trySendLocked enqueues without blocking. The caller holds at least the read
// lock, which keeps client.send open for the duration of the send.
func (h *Hub) trySendLocked(client *Client, message []byte) bool {
	if client.closed {
		return true
	}
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// removeFailedClients removes clients that failed to receive messages and closes their channels.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if current, exists := h.clients[client.id]; exists && current == client {
			h.detachLocked(client)
			channelsToClose = append(channelsToClose, client.send)
			wsDroppedClientsTotal.Inc()
			h.logger.Warn("Client removed due to full send buffer",
				zap.String("conn_id", string(client.id)),
				zap.String("remote_addr", client.addr),
			)
		}
	}
	h.mutex.Unlock()

	// Closing send makes the write pump close the connection, which in turn
	// ends the read pump and fires the close hook.
	for _, ch := range channelsToClose {
		close(ch)
		recordDisconnection()
	}
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("Error closing client connection",
				zap.String("remote_addr", client.addr),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("Closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the run loop, closes every connection and waits for the
// client pumps to exit or timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
