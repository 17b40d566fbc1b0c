package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session holds one client's live tunnel state (spec §3/§4.3). Owned by
// the Manager. Packet I/O is delegated to an external data-plane module
// not specified here (spec §1 Out of scope).
type Session struct {
	id        uint64
	clientID  uuid.UUID
	clientIP  string
	createdAt time.Time

	controller *AccessController

	mu                   sync.Mutex
	disposed             bool
	disposeTime          time.Time
	suppressedBy         SuppressionKind
	suppressedByClientID *uuid.UUID
	// suppressedToClientID records the client id of the session this one
	// displaced at creation time, if any (spec §3).
	suppressedToClientID *uuid.UUID
}

// ID returns the session's stable, process-lifetime-unique, non-zero id.
func (s *Session) ID() uint64 { return s.id }

// ClientID returns the client identity bound at creation.
func (s *Session) ClientID() uuid.UUID { return s.clientID }

// ClientIP returns the observed peer address at creation.
func (s *Session) ClientIP() string { return s.clientIP }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// AccessController returns the shared controller backing this session.
func (s *Session) AccessController() *AccessController { return s.controller }

// IsDisposed reports whether the session has been disposed.
func (s *Session) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// DisposeTime returns the time of disposal, and whether the session was disposed.
func (s *Session) DisposeTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposeTime, s.disposed
}

// SuppressedInfo returns the suppressor classification and (if any)
// displacing client id, valid once the session is disposed.
func (s *Session) SuppressedInfo() (SuppressionKind, *uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressedBy, s.suppressedByClientID
}

// markSuppressed records that a newer admission is displacing this
// session. It does not itself dispose the session; the manager calls
// Dispose() synchronously afterward (spec §4.1 step 5).
func (s *Session) markSuppressed(kind SuppressionKind, byClientID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.suppressedBy = kind
	id := byClientID
	s.suppressedByClientID = &id
}

// Dispose idempotently marks the session terminated and records
// dispose_time. A second call is a no-op (spec §4.3, §8 idempotence).
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.disposeTime = time.Now()
	if s.suppressedBy == SuppressedNone {
		s.suppressedBy = SuppressedBySelf
	}
}

// UpdateStatus polls the access controller's current view and
// self-disposes when the access becomes non-Ok (spec §4.3, §4.1
// "Status refresh on lookup"). Returns the (possibly just-updated)
// disposed state.
func (s *Session) UpdateStatus() bool {
	if s.IsDisposed() {
		return true
	}
	code, _, _ := s.controller.Status()
	if code != ResponseOk {
		s.disposeForAccessExpiry()
	}
	return s.IsDisposed()
}

// disposeForAccessExpiry disposes the session because its access is no
// longer Ok, leaving SuppressedBy at None (it wasn't suppressed by
// another client — its own access simply expired).
func (s *Session) disposeForAccessExpiry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.disposeTime = time.Now()
	// Leave suppressedBy as None: the cause was access expiry, not suppression.
}
