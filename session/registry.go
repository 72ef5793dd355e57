// Copyright 2026 The TMXP Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmxp-io/tmxp/backend"
	"github.com/tmxp-io/tmxp/lib/clock"
	"github.com/tmxp-io/tmxp/wire"
)

// DefaultReconnectWindow is how long a Disconnected session stays
// reattachable before the sweep terminates it. Deliberately generous:
// mobile viewers ride through network transitions measured in minutes.
const DefaultReconnectWindow = 5 * time.Minute

// DefaultMaxSessions bounds concurrent sessions per connection.
const DefaultMaxSessions = 32

// ErrNotFound reports a session id with no live session.
var ErrNotFound = errors.New("session not found")

// ErrLimitExceeded reports that creating a session would exceed the
// registry's session limit.
var ErrLimitExceeded = errors.New("session limit exceeded")

// Registry owns the sessions of one connection and routes to them by
// id. Ids are allocated monotonically from 1 and never reused for the
// registry's lifetime, which keeps sequence-number and flow-control
// state unambiguous across create/close churn.
type Registry struct {
	mutex           sync.Mutex
	sessions        map[int32]*Session
	nextID          int32
	maxSessions     int
	reconnectWindow time.Duration
	scrollbackSize  int
	clock           clock.Clock
	logger          *slog.Logger
}

// RegistryOptions configures a Registry. Zero values select defaults.
type RegistryOptions struct {
	MaxSessions     int
	ReconnectWindow time.Duration
	ScrollbackSize  int
	Clock           clock.Clock
	Logger          *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(options RegistryOptions) *Registry {
	if options.MaxSessions <= 0 {
		options.MaxSessions = DefaultMaxSessions
	}
	if options.ReconnectWindow <= 0 {
		options.ReconnectWindow = DefaultReconnectWindow
	}
	if options.ScrollbackSize <= 0 {
		options.ScrollbackSize = DefaultScrollbackSize
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Registry{
		sessions:        make(map[int32]*Session),
		nextID:          1,
		maxSessions:     options.MaxSessions,
		reconnectWindow: options.ReconnectWindow,
		scrollbackSize:  options.ScrollbackSize,
		clock:           options.Clock,
		logger:          options.Logger,
	}
}

// CreateParams carries the validated inputs for Create.
type CreateParams struct {
	BackendType backend.Type
	Columns     int
	Rows        int

	// ExternalID is set for multiplexer-bridged sessions.
	ExternalID string

	// ClientID is the creating client, attached immediately.
	ClientID string
}

// Create registers a new session bound to the given adapter, allocates
// a fresh id, and attaches the creating client, so the Created state
// is not observable from outside. The adapter must already be running.
func (r *Registry) Create(adapter backend.Adapter, params CreateParams) (*Session, error) {
	if err := ValidateDimensions(params.Columns, params.Rows); err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w: %d sessions", ErrLimitExceeded, len(r.sessions))
	}

	now := r.clock.Now()
	id := r.nextID
	r.nextID++

	newSession := &Session{
		ID:              id,
		BackendType:     params.BackendType,
		ExternalID:      params.ExternalID,
		state:           StateCreated,
		columns:         params.Columns,
		rows:            params.Rows,
		adapter:         adapter,
		attachedClients: make(map[string]struct{}),
		scrollback:      NewScrollbackBuffer(r.scrollbackSize),
		cursorVisible:   true,
		createdAt:       now,
		lastActivityAt:  now,
	}
	if params.ClientID != "" {
		newSession.attachedClients[params.ClientID] = struct{}{}
	}
	newSession.state = StateActive

	r.sessions[id] = newSession
	r.logger.Info("session created",
		"sessionId", id,
		"backend", params.BackendType,
		"columns", params.Columns,
		"rows", params.Rows)
	return newSession, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id int32) (*Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return s, nil
}

// Remove drops a terminated session from the registry. Removing an
// unknown id is a no-op (teardown paths can race).
func (r *Registry) Remove(id int32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.sessions, id)
}

// Close terminates the session, instructs its backend to shut down,
// and removes it from the registry.
func (r *Registry) Close(id int32) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if adapter := s.Terminate(); adapter != nil {
		if err := adapter.Close(); err != nil {
			r.logger.Warn("backend close failed", "sessionId", id, "error", err)
		}
	}
	r.Remove(id)
	r.logger.Info("session closed", "sessionId", id)
	return nil
}

// List returns listing entries for every live session, ordered by id.
func (r *Registry) List() []wire.SessionInfo {
	sessions := r.snapshotSessions()
	infos := make([]wire.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Sessions returns the live sessions in id order.
func (r *Registry) Sessions() []*Session {
	return r.snapshotSessions()
}

func (r *Registry) snapshotSessions() []*Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id := r.lowestIDLocked(); id < r.nextID; id++ {
		if s, ok := r.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (r *Registry) lowestIDLocked() int32 {
	lowest := r.nextID
	for id := range r.sessions {
		if id < lowest {
			lowest = id
		}
	}
	return lowest
}

// DisconnectAll clears attachments on every session without
// terminating, as on connection teardown. Sessions whose backend has
// already exited are terminated and removed instead; there is nothing
// to reattach to.
func (r *Registry) DisconnectAll() {
	now := r.clock.Now()
	for _, s := range r.Sessions() {
		if s.Adapter().Alive() {
			s.Disconnect(now)
			continue
		}
		if adapter := s.Terminate(); adapter != nil {
			_ = adapter.Close()
		}
		r.Remove(s.ID)
	}
}

// SweepExpired terminates sessions that have been Disconnected longer
// than the reconnect window, closing their backends and removing them.
// Returns the ids swept. The connection manager calls this from its
// janitor timer.
func (r *Registry) SweepExpired() []int32 {
	now := r.clock.Now()
	var swept []int32
	for _, s := range r.Sessions() {
		since := s.DisconnectedSince()
		if since.IsZero() || now.Sub(since) < r.reconnectWindow {
			continue
		}
		if adapter := s.Terminate(); adapter != nil {
			_ = adapter.Close()
		}
		r.Remove(s.ID)
		swept = append(swept, s.ID)
		r.logger.Info("session expired past reconnect window", "sessionId", s.ID)
	}
	return swept
}
