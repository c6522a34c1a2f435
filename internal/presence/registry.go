// Package presence tracks which user identities are bound to live
// connections and broadcasts their online/offline transitions.
//
// The Registry is the single owner of presence state. All mutations happen
// under one mutex, including the scheduled rebroadcast and reap jobs. Events
// are handed to the Emitter while the lock is held so that the order clients
// observe matches the order state changed; the Emitter must therefore only
// enqueue and never call back into the Registry.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/event"
)

const (
	// DefaultRetention is how long an offline status record is kept.
	DefaultRetention = 24 * time.Hour
	// DefaultNotifyTimeout bounds a single last-seen notification.
	DefaultNotifyTimeout = 10 * time.Second

	maxUserIDLength = 256
)

var (
	// ErrInvalidUserID is returned when a registration carries an empty or
	// malformed user identity.
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrInvalidConn is returned when a registration has no connection id.
	ErrInvalidConn = errors.New("invalid connection id")
)

// Emitter delivers events to connections. Implementations must not block.
type Emitter interface {
	Broadcast(name string, payload any)
	Emit(conn event.ConnID, name string, payload any)
}

// Notifier records a user's last-seen time in an external store.
type Notifier interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

// StatusRecord is the last known status of a user identity.
type StatusRecord struct {
	Status   event.Status `json:"status"`
	LastSeen time.Time    `json:"lastSeen"`
}

// Registry maps user identities to live connections.
type Registry struct {
	mu         sync.Mutex
	liveByUser map[string]event.ConnID
	liveByConn map[event.ConnID]string
	statuses   map[string]StatusRecord

	emitter       Emitter
	notifier      Notifier
	logger        *zap.Logger
	now           func() time.Time
	retention     time.Duration
	notifyTimeout time.Duration

	pending sync.WaitGroup
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for state transitions and failures.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLastSeen sets the external store notified when a user goes offline.
func WithLastSeen(n Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithRetention sets how long offline records survive before being reaped.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithNotifyTimeout bounds each last-seen notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.notifyTimeout = d
		}
	}
}

// NewRegistry creates an empty Registry that publishes through emitter.
func NewRegistry(emitter Emitter, opts ...Option) *Registry {
	r := &Registry{
		liveByUser:    make(map[string]event.ConnID),
		liveByConn:    make(map[event.ConnID]string),
		statuses:      make(map[string]StatusRecord),
		emitter:       emitter,
		logger:        zap.NewNop(),
		now:           time.Now,
		retention:     DefaultRetention,
		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateUserID normalizes a client supplied user identity.
func ValidateUserID(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidUserID, maxUserIDLength)
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: contains control characters", ErrInvalidUserID)
	}
	return trimmed, nil
}

// Register binds userID to conn and marks the user online.
//
// A user already live on another connection is rebound to conn; the old
// connection is left open but no longer represents the user. The new
// connection receives the last known status of every other user.
func (r *Registry) Register(conn event.ConnID, userID string) error {
	if conn == "" {
		return ErrInvalidConn
	}
	userID, err := ValidateUserID(userID)
	if err != nil {
		return err
	}

	var offline []pendingNotify

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		for _, p := range offline {
			r.notifyLastSeen(p.userID, p.at)
		}
	}()

	if previous, ok := r.liveByUser[userID]; ok && previous != conn {
		delete(r.liveByConn, previous)
		r.logger.Info("Superseded presence binding",
			zap.String("user_id", userID),
			zap.String("old_conn_id", string(previous)),
			zap.String("conn_id", string(conn)))
	}

	if boundUser, ok := r.liveByConn[conn]; ok && boundUser != userID {
		at := r.markOfflineLocked(boundUser)
		offline = append(offline, pendingNotify{userID: boundUser, at: at})
		r.logger.Info("Connection switched user identity",
			zap.String("conn_id", string(conn)),
			zap.String("old_user_id", boundUser),
			zap.String("user_id", userID))
	}

	now := r.now()
	r.liveByUser[userID] = conn
	r.liveByConn[conn] = userID
	r.statuses[userID] = StatusRecord{Status: event.StatusOnline, LastSeen: now}

	r.emitter.Broadcast(event.UserStatusChanged, event.UserStatus{
		UserID:   userID,
		Status:   event.StatusOnline,
		LastSeen: now,
	})

	for _, other := range r.sortedUsersLocked() {
		if other == userID {
			continue
		}
		rec := r.statuses[other]
		r.emitter.Emit(conn, event.UserStatusChanged, event.UserStatus{
			UserID:   other,
			Status:   rec.Status,
			LastSeen: rec.LastSeen,
		})
	}

	r.updateGaugesLocked()
	r.logger.Info("User registered",
		zap.String("user_id", userID),
		zap.String("conn_id", string(conn)),
		zap.Int("online", len(r.liveByUser)))
	return nil
}

// Disconnect marks the user bound to conn offline. It reports whether a
// binding existed; calling it for an unknown or already released connection
// has no effect.
func (r *Registry) Disconnect(conn event.ConnID) bool {
	r.mu.Lock()
	userID, ok := r.liveByConn[conn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	at := r.markOfflineLocked(userID)
	online := len(r.liveByUser)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Info("User went offline",
		zap.String("user_id", userID),
		zap.String("conn_id", string(conn)),
		zap.Int("online", online))

	r.notifyLastSeen(userID, at)
	return true
}

// markOfflineLocked removes the live bindings of userID, records the offline
// transition and broadcasts it. r.mu must be held.
func (r *Registry) markOfflineLocked(userID string) time.Time {
	if conn, ok := r.liveByUser[userID]; ok {
		delete(r.liveByConn, conn)
		delete(r.liveByUser, userID)
	}

	now := r.now()
	r.statuses[userID] = StatusRecord{Status: event.StatusOffline, LastSeen: now}
	r.emitter.Broadcast(event.UserStatusChanged, event.UserStatus{
		UserID:   userID,
		Status:   event.StatusOffline,
		LastSeen: now,
	})
	return now
}

type pendingNotify struct {
	userID string
	at     time.Time
}

// notifyLastSeen reports the offline transition to the external store on a
// detached goroutine. Failures are logged and dropped.
func (r *Registry) notifyLastSeen(userID string, at time.Time) {
	if r.notifier == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("Dropping last seen update after close", zap.String("user_id", userID))
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()

		if err := r.notifier.UpdateLastSeen(ctx, userID, at); err != nil {
			lastSeenFailures.Inc()
			r.logger.Warn("Failed to update last seen",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every in-flight last-seen notification has finished.
func (r *Registry) Wait() {
	r.pending.Wait()
}

// Close stops scheduling last-seen notifications and waits for the in-flight
// ones. Presence state keeps working after Close.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.pending.Wait()
}

// PeriodicBroadcast re-emits every known status to all connections and
// returns how many events were sent.
func (r *Registry) PeriodicBroadcast() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.sortedUsersLocked()
	for _, userID := range users {
		rec := r.statuses[userID]
		r.emitter.Broadcast(event.UserStatusChanged, event.UserStatus{
			UserID:   userID,
			Status:   rec.Status,
			LastSeen: rec.LastSeen,
		})
	}
	if len(users) > 0 {
		r.logger.Debug("Rebroadcast user statuses",
			zap.Int("statuses", len(users)),
			zap.Int("online", len(r.liveByUser)))
	}
	return len(users)
}

// ReapStaleStatuses drops offline records older than the retention window
// and returns how many were removed. Online records are always kept.
func (r *Registry) ReapStaleStatuses() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.retention)
	removed := 0
	for userID, rec := range r.statuses {
		if rec.Status != event.StatusOffline || !rec.LastSeen.Before(cutoff) {
			continue
		}
		delete(r.statuses, userID)
		removed++
		r.logger.Debug("Reaped stale status", zap.String("user_id", userID))
	}

	if removed > 0 {
		reapedStatuses.Add(float64(removed))
		r.updateGaugesLocked()
		r.logger.Info("Reaped stale statuses",
			zap.Int("removed", removed),
			zap.Int("remaining", len(r.statuses)))
	}
	return removed
}

// OnlineUsers returns the user ids that currently have a live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.liveByUser))
	for userID := range r.liveByUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// OnlineCount returns the number of users with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveByUser)
}

// Statuses returns a copy of every known status record.
func (r *Registry) Statuses() map[string]StatusRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]StatusRecord, len(r.statuses))
	for userID, rec := range r.statuses {
		out[userID] = rec
	}
	return out
}

// Lookup returns the status record of userID.
func (r *Registry) Lookup(userID string) (StatusRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.statuses[userID]
	return rec, ok
}

// ConnFor returns the connection userID is live on.
func (r *Registry) ConnFor(userID string) (event.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.liveByUser[userID]
	return conn, ok
}

// UserFor returns the user bound to conn.
func (r *Registry) UserFor(conn event.ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.liveByConn[conn]
	return userID, ok
}

func (r *Registry) sortedUsersLocked() []string {
	users := make([]string, 0, len(r.statuses))
	for userID := range r.statuses {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) updateGaugesLocked() {
	onlineUsers.Set(float64(len(r.liveByUser)))
	statusRecords.Set(float64(len(r.statuses)))
}
