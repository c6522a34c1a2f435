// Package event defines the wire vocabulary shared by the presence registry,
// the relay router and the WebSocket transport.
package event

import "time"

// ConnID identifies one live connection. It is assigned by the transport on
// accept and never reused.
type ConnID string

// Inbound event names sent by clients.
const (
	RegisterUser     = "register-user"
	JoinRoom         = "join-room"
	LeaveRoom        = "leave-room"
	JoinGroup        = "join-group"
	LeaveGroup       = "leave-group"
	SendMessage      = "send-message"
	SendGroupMessage = "send-group-message"
	Typing           = "typing"
	GroupTyping      = "group-typing"
	MessageSeen      = "message-seen"
)

// Outbound event names delivered to clients.
const (
	UserStatusChanged   = "user-status"
	ReceiveMessage      = "receive-message"
	ReceiveGroupMessage = "receive-group-message"
)

// Status is the presence state of a user identity.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// UserStatus is the payload of a user-status event.
type UserStatus struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}
