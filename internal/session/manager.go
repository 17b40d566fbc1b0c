package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/vpnhood/vpnhood-go/internal/vpnconfig"
	"github.com/vpnhood/vpnhood-go/internal/vpnmetrics"
)

// sessionSet is a thread-safe set of session ids, used as the value of
// the access_id -> {session_id} secondary index (spec §9 Design Notes:
// "a production implementation should add two secondary indices").
type sessionSet struct {
	mu  sync.Mutex
	ids map[uint64]struct{}
}

func newSessionSet() *sessionSet { return &sessionSet{ids: make(map[uint64]struct{})} }

func (s *sessionSet) add(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *sessionSet) remove(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
	return len(s.ids)
}

func (s *sessionSet) snapshot() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}

// Manager is the Session Manager (spec §4.1): it admits new clients,
// enforces per-token concurrency limits, suppresses prior sessions, ages
// out idle ones, and dispatches lookups to live Session objects. One
// Manager is a process-wide singleton within a server instance.
//
// All mutable manager state lives behind mu: sessions, the client-id
// index, and the access-id index must move together (e.g. suppression
// must atomically pick a victim and remove it from both secondary
// indices while keeping it in sessions until reaped), which a
// bare sync.Map cannot express — unlike the teacher's SessionStore
// (server/session_store.go), whose single map has no cross-map
// invariant to protect.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[uint64]*Session
	byClientID  map[uuid.UUID]uint64
	byAccessID  map[uuid.UUID]*sessionSet
	controllers map[uuid.UUID]weak.Pointer[AccessController]

	nextID atomic.Uint64

	lastCleanup atomic.Int64 // unix nanos

	config  vpnconfig.Config
	backend AccessBackend
	tracker Tracker
	logger  *slog.Logger
}

// NewManager constructs a Manager. backend must be non-nil; a nil
// tracker is replaced by NoopTracker{}, and a nil logger by slog.Default().
func NewManager(config vpnconfig.Config, backend AccessBackend, tracker Tracker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = NoopTracker{}
	}
	return &Manager{
		sessions:    make(map[uint64]*Session),
		byClientID:  make(map[uuid.UUID]uint64),
		byAccessID:  make(map[uuid.UUID]*sessionSet),
		controllers: make(map[uuid.UUID]weak.Pointer[AccessController]),
		config:      config,
		backend:     backend,
		tracker:     tracker,
		logger:      logger,
	}
}

// Count returns the number of sessions currently held in the map: live
// ones plus disposed ones that have not yet been reaped.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CreateSession runs the admission algorithm of spec §4.1 and returns the
// newly created Session, or a *SessionError on failure.
func (m *Manager) CreateSession(ctx context.Context, hello HelloRequest, clientIP string) (*Session, error) {
	start := time.Now()
	identity := ClientIdentity{
		ClientID:  hello.ClientID,
		ClientIP:  clientIP,
		TokenID:   hello.TokenID,
		UserToken: hello.UserToken,
	}

	controller, err := m.validateAdmission(ctx, identity, hello.EncryptedClientID)
	if err != nil {
		return nil, err
	}
	defer vpnmetrics.Get().AdmissionLatency(ctx, time.Since(start))

	m.reap()

	m.mu.Lock()

	var displacedClientID *uuid.UUID
	victim := m.pickSuppressionVictimLocked(identity.ClientID, controller.AccessID())
	if victim == nil && m.config.MaxConcurrentSessions > 0 && len(m.sessions) >= m.config.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, ErrServerFull()
	}
	if victim != nil {
		kind := SuppressedByOther
		if victim.ClientID() == identity.ClientID {
			kind = SuppressedBySelf
		}
		victim.markSuppressed(kind, identity.ClientID)
		id := victim.ClientID()
		displacedClientID = &id
		m.logger.Info("suppressing session",
			slog.Uint64("victim_session_id", victim.ID()),
			slog.String("reason", kind.String()),
			slog.String("new_client_id", identity.ClientID.String()))
		// The victim leaves both secondary indices but stays in sessions,
		// disposed, until the reaper removes it, so GetByID on its id
		// reports SessionClosed with the suppressor rather than
		// SessionNotFound.
		if current, ok := m.byClientID[victim.ClientID()]; ok && current == victim.ID() {
			delete(m.byClientID, victim.ClientID())
		}
		victimAccessID := victim.AccessController().AccessID()
		if set, ok := m.byAccessID[victimAccessID]; ok && set.remove(victim.ID()) == 0 {
			delete(m.byAccessID, victimAccessID)
		}
		// Dispose now, under mu, so a caller still holding the victim's id
		// observes SessionClosed immediately rather than racing a
		// concurrent disposer. Dispose is idempotent.
		victim.Dispose()
		vpnmetrics.Get().SessionDisposed(ctx, kind.String())
	}

	id := m.nextID.Add(1)
	newSession := &Session{
		id:                   id,
		clientID:             identity.ClientID,
		clientIP:             identity.ClientIP,
		createdAt:            time.Now(),
		controller:           controller,
		suppressedToClientID: displacedClientID,
	}

	m.sessions[id] = newSession
	m.byClientID[identity.ClientID] = id
	m.accessSetLocked(controller.AccessID()).add(id)
	m.mu.Unlock()

	go m.tracker.TrackEvent(context.Background(), "session", "SessionCreated")
	vpnmetrics.Get().SessionCreated(ctx)

	return newSession, nil
}

// validateAdmission implements spec §4.2.
func (m *Manager) validateAdmission(ctx context.Context, identity ClientIdentity, encrypted [16]byte) (*AccessController, error) {
	access, err := m.backend.GetAccess(ctx, identity)
	if err != nil {
		return nil, &SessionError{Code: ResponseTokenNotFound, Message: "access backend error", Wrapped: err}
	}
	if access == nil {
		return nil, ErrTokenNotFound()
	}

	ok, err := verifyAdmissionProof(access.Secret, identity.ClientID, encrypted)
	if err != nil {
		return nil, &SessionError{Code: ResponseInvalidSignature, Message: "proof computation failed", Wrapped: err}
	}
	if !ok {
		return nil, ErrInvalidSignature()
	}

	controller := m.reuseOrCreateControllerLocked(*access)

	code, usage, message := controller.Status()
	if code != ResponseOk {
		return nil, ErrAccessStatus(usage, message)
	}
	return controller, nil
}

// reuseOrCreateControllerLocked implements spec §4.2 step 3: reuse any
// existing AccessController already held by a live session with the same
// access_id, refreshing it in place; otherwise instantiate one. The weak
// index means a controller with no live holders simply isn't found here
// (it has already been collected), so "no entry" and "collected entry"
// both fall through to creating a fresh controller — exactly the
// behaviour spec §3's invariant requires (no two controllers with equal
// access_id coexist among *live* sessions).
func (m *Manager) reuseOrCreateControllerLocked(access Access) *AccessController {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wp, ok := m.controllers[access.AccessID]; ok {
		if existing := wp.Value(); existing != nil {
			existing.Refresh(access)
			return existing
		}
		delete(m.controllers, access.AccessID)
	}

	controller := newAccessController(access)
	m.controllers[access.AccessID] = weak.Make(controller)
	return controller
}

// pickSuppressionVictimLocked implements spec §4.1 step 4: self-
// suppression first, then quota suppression. Must be called with mu held.
func (m *Manager) pickSuppressionVictimLocked(newClientID uuid.UUID, accessID uuid.UUID) *Session {
	if existingID, ok := m.byClientID[newClientID]; ok {
		if existing, ok := m.sessions[existingID]; ok && !existing.IsDisposed() {
			return existing
		}
	}

	set, ok := m.byAccessID[accessID]
	if !ok {
		return nil
	}
	maxCount := uint32(0)
	// All sessions in this set share one controller (by construction),
	// so any live member's MaxClientCount is authoritative.
	ids := set.snapshot()
	var live []*Session
	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok || s.IsDisposed() {
			continue
		}
		live = append(live, s)
		maxCount = s.AccessController().MaxClientCount()
	}
	if maxCount == 0 || len(live) < int(maxCount) {
		return nil
	}

	oldest := live[0]
	for _, s := range live[1:] {
		if s.CreatedAt().Before(oldest.CreatedAt()) ||
			(s.CreatedAt().Equal(oldest.CreatedAt()) && s.ID() < oldest.ID()) {
			oldest = s
		}
	}
	return oldest
}

// accessSetLocked returns (creating if absent) the session-id set for an
// access id. Caller must hold mu.
func (m *Manager) accessSetLocked(accessID uuid.UUID) *sessionSet {
	set, ok := m.byAccessID[accessID]
	if !ok {
		set = newSessionSet()
		m.byAccessID[accessID] = set
	}
	return set
}

// removeLocked removes a session from every index. Caller must hold mu.
func (m *Manager) removeLocked(id uint64) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if current, ok := m.byClientID[s.ClientID()]; ok && current == id {
		delete(m.byClientID, s.ClientID())
	}
	if set, ok := m.byAccessID[s.AccessController().AccessID()]; ok {
		if remaining := set.remove(id); remaining == 0 {
			delete(m.byAccessID, s.AccessController().AccessID())
		}
	}
}

// FindByClientID locates a live session for a client, then delegates to
// GetByID so status refresh and error surfacing are identical across
// entry points (spec §4.5).
func (m *Manager) FindByClientID(ctx context.Context, clientID uuid.UUID) (*Session, error) {
	m.mu.RLock()
	id, ok := m.byClientID[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound()
	}
	return m.GetByID(ctx, id)
}

// GetByID fetches a session, refreshing its status first, and raises a
// SessionError carrying the disposal cause if it is (or just became)
// disposed (spec §4.1 "Status refresh on lookup").
func (m *Manager) GetByID(ctx context.Context, sessionID uint64) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound()
	}

	if !s.IsDisposed() {
		s.UpdateStatus()
	}

	if s.IsDisposed() {
		usage := s.AccessController().Snapshot().Usage
		kind, by := s.SuppressedInfo()
		return nil, ErrSessionClosed(&usage, kind, by, "session disposed")
	}
	return s, nil
}

// reap removes every disposed entry whose dispose_time is at least
// SessionTimeout in the past, at most once per ReapInterval (spec §4.1
// "Reaping", §5 "Timeouts"). Called from CreateSession; RunReaper offers
// an optional background cadence (SPEC_FULL.md §4).
func (m *Manager) reap() {
	interval := m.config.ReapInterval
	if interval <= 0 {
		interval = m.config.SessionTimeout
	}
	now := time.Now()
	last := m.lastCleanup.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < interval {
		return
	}
	if !m.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return // another goroutine just ran it
	}

	timeout := m.config.SessionTimeout

	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for id, s := range m.sessions {
		disposeTime, disposed := s.DisposeTime()
		if disposed && now.Sub(disposeTime) >= timeout {
			m.removeLocked(id)
			vpnmetrics.Get().SessionDisposed(context.Background(), "reaped")
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Debug("reap pass removed idle sessions",
			slog.Int("count", reaped), slog.Int("remaining", len(m.sessions)))
	}
}

// RunReaper runs a ticker-driven background reap loop until ctx is
// cancelled. Optional: spec §9 Open Question (b) says the reaper need
// only run inside CreateSession, but a dedicated cadence keeps an idle
// server's map from growing unbounded between admissions.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.config.ReapInterval
	if interval <= 0 {
		interval = m.config.SessionTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// Dispose terminates all sessions, e.g. on server shutdown.
func (m *Manager) Dispose() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[uint64]*Session)
	m.byClientID = make(map[uuid.UUID]uint64)
	m.byAccessID = make(map[uuid.UUID]*sessionSet)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
}
