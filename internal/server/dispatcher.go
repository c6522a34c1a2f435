package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/event"
	"github.com/Tyrowin/presence-relay/internal/presence"
	"github.com/Tyrowin/presence-relay/internal/relay"
)

// Presence is the registry surface the dispatcher drives.
type Presence interface {
	Register(conn event.ConnID, userID string) error
	Disconnect(conn event.ConnID) bool
}

// Relay is the router surface the dispatcher drives.
type Relay interface {
	Join(conn event.ConnID, room string) error
	Leave(conn event.ConnID, room string) error
	SendDirect(sender event.ConnID, msg json.RawMessage) error
	SendGroup(sender event.ConnID, msg json.RawMessage) error
	Typing(sender event.ConnID, data json.RawMessage) error
	GroupTyping(sender event.ConnID, data json.RawMessage) error
	MessageSeen(sender event.ConnID, data json.RawMessage) error
}

var (
	_ Presence = (*presence.Registry)(nil)
	_ Relay    = (*relay.Router)(nil)
)

// Dispatcher maps inbound event names onto presence and relay operations.
// Errors never reach the client; they are logged with connection context.
type Dispatcher struct {
	presence Presence
	relay    Relay
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p Presence, r Relay, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{presence: p, relay: r, logger: logger}
}

// HandleEvent implements EventHandler.
func (d *Dispatcher) HandleEvent(c *Client, name string, data json.RawMessage) {
	label := eventLabel(name)
	logger := c.Logger().With(zap.String("event", name))

	defer func() {
		if r := recover(); r != nil {
			inboundEventsTotal.WithLabelValues(label, "panic").Inc()
			logger.Error("Panic while handling event", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if err := d.Dispatch(c.ID(), name, data); err != nil {
		inboundEventsTotal.WithLabelValues(label, "error").Inc()
		if errors.Is(err, ErrUnknownEvent) {
			logger.Debug("Ignoring unknown event")
			return
		}
		logger.Warn("Failed to handle event", zap.Error(err))
		return
	}
	inboundEventsTotal.WithLabelValues(label, "ok").Inc()
}

// HandleClose implements EventHandler.
func (d *Dispatcher) HandleClose(c *Client) {
	if d.presence.Disconnect(c.ID()) {
		c.Logger().Debug("Connection went offline")
	}
}

// Dispatch runs the operation for one inbound event.
func (d *Dispatcher) Dispatch(conn event.ConnID, name string, data json.RawMessage) error {
	switch name {
	case event.RegisterUser:
		userID, err := decodeID(data, "userId")
		if err != nil {
			return err
		}
		return d.presence.Register(conn, userID)

	case event.JoinRoom, event.JoinGroup, event.LeaveRoom, event.LeaveGroup:
		room, err := decodeID(data, "roomId", "groupId")
		if err != nil {
			return err
		}
		if name == event.JoinRoom || name == event.JoinGroup {
			return d.relay.Join(conn, room)
		}
		return d.relay.Leave(conn, room)

	case event.SendMessage:
		return d.relay.SendDirect(conn, data)
	case event.SendGroupMessage:
		return d.relay.SendGroup(conn, data)
	case event.Typing:
		return d.relay.Typing(conn, data)
	case event.GroupTyping:
		return d.relay.GroupTyping(conn, data)
	case event.MessageSeen:
		return d.relay.MessageSeen(conn, data)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// decodeID accepts either a bare JSON string or an object carrying the id
// under one of keys.
func decodeID(data json.RawMessage, keys ...string) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return "", fmt.Errorf("%w: missing %s", ErrBadPayload, keys[0])
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: %s is not a string", ErrBadPayload, key)
		}
		return id, nil
	}
	return "", fmt.Errorf("%w: missing %s", ErrBadPayload, keys[0])
}

// eventLabel bounds metric label cardinality to the known event names.
func eventLabel(name string) string {
	switch name {
	case event.RegisterUser, event.JoinRoom, event.LeaveRoom, event.JoinGroup, event.LeaveGroup,
		event.SendMessage, event.SendGroupMessage, event.Typing, event.GroupTyping, event.MessageSeen:
		return name
	default:
		return "unknown"
	}
}
