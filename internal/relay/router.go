// Package relay forwards chat, typing and read-receipt events between
// connections that share a room. It keeps no state of its own: membership is
// held by the transport and only addressed through the Rooms interface.
//
// The router never inspects message content and never checks that a sender
// belongs to the room it relays into.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/event"
)

// ErrMissingRoom is returned when an event does not name its room or group.
var ErrMissingRoom = errors.New("missing room id")

// Rooms is the group addressing capability of the transport.
type Rooms interface {
	Join(conn event.ConnID, room string)
	Leave(conn event.ConnID, room string)
	// SendTo delivers to every member of room except the connection except.
	// An empty except delivers to every member.
	SendTo(room, name string, payload any, except event.ConnID)
	// BroadcastExcept delivers to every connection except except.
	BroadcastExcept(name string, payload any, except event.ConnID)
}

// GroupScope selects who receives group messages.
type GroupScope string

const (
	// GroupScopeRoom delivers group messages to members of the group room.
	GroupScopeRoom GroupScope = "room"
	// GroupScopeBroadcast delivers group messages to every connection.
	GroupScopeBroadcast GroupScope = "broadcast"
)

// ParseGroupScope converts a configuration value into a GroupScope.
func ParseGroupScope(s string) (GroupScope, error) {
	switch GroupScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", GroupScopeRoom:
		return GroupScopeRoom, nil
	case GroupScopeBroadcast:
		return GroupScopeBroadcast, nil
	default:
		return "", fmt.Errorf("unknown group message scope %q", s)
	}
}

// Policy decides delivery scope and whether senders receive their own
// relayed events. The zero value scopes group messages to the room and
// excludes the sender everywhere.
type Policy struct {
	GroupScope GroupScope
	EchoDirect bool
	EchoGroup  bool
	EchoSeen   bool
}

// Router relays inbound client events to their delivery scope.
type Router struct {
	rooms  Rooms
	policy Policy
	logger *zap.Logger
}

// NewRouter creates a Router that addresses rooms through rooms.
func NewRouter(rooms Rooms, policy Policy, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.GroupScope == "" {
		policy.GroupScope = GroupScopeRoom
	}
	return &Router{rooms: rooms, policy: policy, logger: logger}
}

// Policy returns the delivery policy in effect.
func (r *Router) Policy() Policy {
	return r.policy
}

// Join adds conn to room.
func (r *Router) Join(conn event.ConnID, room string) error {
	room, err := roomID(room)
	if err != nil {
		return err
	}
	r.rooms.Join(conn, room)
	r.logger.Debug("Joined room", zap.String("conn_id", string(conn)), zap.String("room_id", room))
	return nil
}

// Leave removes conn from room.
func (r *Router) Leave(conn event.ConnID, room string) error {
	room, err := roomID(room)
	if err != nil {
		return err
	}
	r.rooms.Leave(conn, room)
	r.logger.Debug("Left room", zap.String("conn_id", string(conn)), zap.String("room_id", room))
	return nil
}

// SendDirect relays a private chat message to the members of its room.
func (r *Router) SendDirect(sender event.ConnID, msg json.RawMessage) error {
	target, err := readScope(msg, "roomId")
	if err != nil {
		return err
	}
	r.rooms.SendTo(target, event.ReceiveMessage, msg, r.except(sender, r.policy.EchoDirect))
	relayed.WithLabelValues(event.ReceiveMessage).Inc()
	r.logger.Debug("Relayed message", zap.String("room_id", target), zap.String("conn_id", string(sender)))
	return nil
}

// SendGroup relays a group chat message according to the group scope policy.
func (r *Router) SendGroup(sender event.ConnID, msg json.RawMessage) error {
	target, err := readScope(msg, "groupId")
	if err != nil {
		return err
	}
	except := r.except(sender, r.policy.EchoGroup)
	if r.policy.GroupScope == GroupScopeBroadcast {
		r.rooms.BroadcastExcept(event.ReceiveGroupMessage, msg, except)
	} else {
		r.rooms.SendTo(target, event.ReceiveGroupMessage, msg, except)
	}
	relayed.WithLabelValues(event.ReceiveGroupMessage).Inc()
	r.logger.Debug("Relayed group message",
		zap.String("group_id", target),
		zap.String("scope", string(r.policy.GroupScope)),
		zap.String("conn_id", string(sender)))
	return nil
}

// Typing relays a private chat typing indicator to the other room members.
func (r *Router) Typing(sender event.ConnID, data json.RawMessage) error {
	target, err := readScope(data, "roomId")
	if err != nil {
		return err
	}
	r.rooms.SendTo(target, event.Typing, data, sender)
	relayed.WithLabelValues(event.Typing).Inc()
	return nil
}

// GroupTyping relays a group typing indicator to the other group members.
func (r *Router) GroupTyping(sender event.ConnID, data json.RawMessage) error {
	target, err := readScope(data, "groupId")
	if err != nil {
		return err
	}
	r.rooms.SendTo(target, event.GroupTyping, data, sender)
	relayed.WithLabelValues(event.GroupTyping).Inc()
	return nil
}

// SeenReceipt is the payload delivered for message-seen events.
type SeenReceipt struct {
	MessageID json.RawMessage `json:"messageId"`
	SeenBy    json.RawMessage `json:"seenBy"`
}

// MessageSeen relays a read receipt to the room. Only the message id and the
// reader are forwarded.
func (r *Router) MessageSeen(sender event.ConnID, data json.RawMessage) error {
	var in struct {
		RoomID    string          `json:"roomId"`
		MessageID json.RawMessage `json:"messageId"`
		SeenBy    json.RawMessage `json:"seenBy"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode message-seen: %w", err)
	}
	target, err := roomID(in.RoomID)
	if err != nil {
		return err
	}

	receipt := SeenReceipt{MessageID: nullIfEmpty(in.MessageID), SeenBy: nullIfEmpty(in.SeenBy)}
	r.rooms.SendTo(target, event.MessageSeen, receipt, r.except(sender, r.policy.EchoSeen))
	relayed.WithLabelValues(event.MessageSeen).Inc()
	return nil
}

func (r *Router) except(sender event.ConnID, echo bool) event.ConnID {
	if echo {
		return ""
	}
	return sender
}

// readScope extracts the string field key from a JSON object payload.
func readScope(payload json.RawMessage, key string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s not set", ErrMissingRoom, key)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrMissingRoom, key)
	}
	return roomID(id)
}

func roomID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingRoom
	}
	return id, nil
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
