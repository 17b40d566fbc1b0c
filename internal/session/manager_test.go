package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vpnhood/vpnhood-go/internal/accessbackend/memory"
	"github.com/vpnhood/vpnhood-go/internal/vpnconfig"
)

func newTestManager(t *testing.T, timeout, reapInterval time.Duration) (*Manager, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	config := vpnconfig.Default()
	config.SessionTimeout = timeout
	config.ReapInterval = reapInterval
	return NewManager(config, backend, NoopTracker{}, nil), backend
}

func seedAccess(t *testing.T, backend *memory.Backend, tokenID uuid.UUID, maxClientCount uint32) (secret []byte, accessID uuid.UUID) {
	t.Helper()
	secret = make([]byte, 16)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	accessID = uuid.New()
	backend.Put(tokenID, Access{
		AccessID:       accessID,
		Secret:         secret,
		MaxClientCount: maxClientCount,
		StatusCode:     AccessOk,
		Usage:          AccessUsage{MaxTraffic: 1 << 30},
	})
	return secret, accessID
}

func helloFor(t *testing.T, secret []byte, tokenID, clientID uuid.UUID) HelloRequest {
	t.Helper()
	proof, err := computeAdmissionProof(secret, clientID)
	if err != nil {
		t.Fatalf("computeAdmissionProof: %v", err)
	}
	return HelloRequest{
		ClientID:          clientID,
		TokenID:           tokenID,
		EncryptedClientID: proof,
	}
}

func TestManager_CreateSession_Admits(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 1)
	clientID := uuid.New()

	s, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID() == 0 {
		t.Error("session id must be non-zero")
	}
	if s.ClientID() != clientID {
		t.Error("session clientID mismatch")
	}
}

func TestManager_CreateSession_TokenNotFound(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t, time.Minute, time.Minute)

	_, err := mgr.CreateSession(context.Background(), HelloRequest{
		ClientID: uuid.New(),
		TokenID:  uuid.New(),
	}, "10.0.0.1")

	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Code != ResponseTokenNotFound {
		t.Fatalf("expected ResponseTokenNotFound, got %v", err)
	}
}

func TestManager_CreateSession_InvalidSignature(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	_, _ = seedAccess(t, backend, tokenID, 1)

	hello := HelloRequest{ClientID: uuid.New(), TokenID: tokenID}
	hello.EncryptedClientID[0] ^= 0xFF // definitely wrong

	_, err := mgr.CreateSession(context.Background(), hello, "10.0.0.1")
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Code != ResponseInvalidSignature {
		t.Fatalf("expected ResponseInvalidSignature, got %v", err)
	}
}

// TestManager_SelfSuppression covers spec scenario 3: the same client_id
// reconnecting suppresses its own prior session with SuppressedBySelf.
func TestManager_SelfSuppression(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 5)
	clientID := uuid.New()

	first, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.1")
	if err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}

	second, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.2")
	if err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}

	if !first.IsDisposed() {
		t.Fatal("first session should be disposed after self-suppression")
	}
	kind, by := first.SuppressedInfo()
	if kind != SuppressedBySelf {
		t.Errorf("expected SuppressedBySelf, got %v", kind)
	}
	if by == nil || *by != clientID {
		t.Errorf("expected suppressor client id %v, got %v", clientID, by)
	}
	if second.ID() == first.ID() {
		t.Error("second session must have a new id")
	}
}

// TestManager_QuotaSuppression covers spec scenario 4: the oldest session
// on an access at its MaxClientCount is evicted by a new distinct client.
func TestManager_QuotaSuppression(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 2)

	clientA := uuid.New()
	clientB := uuid.New()
	clientC := uuid.New()

	sessA, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientA), "10.0.0.1")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	sessB, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientB), "10.0.0.2")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sessC, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientC), "10.0.0.3")
	if err != nil {
		t.Fatalf("create C: %v", err)
	}

	if !sessA.IsDisposed() {
		t.Fatal("oldest session A should have been suppressed by quota")
	}
	if sessB.IsDisposed() {
		t.Error("session B should remain live")
	}
	kind, by := sessA.SuppressedInfo()
	if kind != SuppressedByOther {
		t.Errorf("expected SuppressedByOther, got %v", kind)
	}
	if by == nil || *by != clientC {
		t.Errorf("expected suppressor %v, got %v", clientC, by)
	}
	if sessC.ID() == sessA.ID() || sessC.ID() == sessB.ID() {
		t.Error("new session must have a fresh id")
	}
}

func TestManager_GetByID_NotFound(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t, time.Minute, time.Minute)

	_, err := mgr.GetByID(context.Background(), 999999)
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Code != ResponseSessionNotFound {
		t.Fatalf("expected ResponseSessionNotFound, got %v", err)
	}
}

func TestManager_GetByID_SessionClosed(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 1)
	clientID := uuid.New()

	s, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s.Dispose()

	_, err = mgr.GetByID(context.Background(), s.ID())
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Code != ResponseSessionClosed {
		t.Fatalf("expected ResponseSessionClosed, got %v", err)
	}
}

// TestManager_Reap covers spec scenario 5: disposed sessions are removed
// once dispose_time is at least SessionTimeout in the past, and retained
// otherwise.
func TestManager_Reap(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, 100*time.Millisecond, time.Nanosecond)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 10)

	oldClient := uuid.New()
	recentClient := uuid.New()

	oldSession, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, oldClient), "10.0.0.1")
	if err != nil {
		t.Fatalf("create old: %v", err)
	}
	recentSession, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, recentClient), "10.0.0.2")
	if err != nil {
		t.Fatalf("create recent: %v", err)
	}

	oldSession.mu.Lock()
	oldSession.disposed = true
	oldSession.disposeTime = time.Now().Add(-301 * time.Millisecond)
	oldSession.mu.Unlock()

	recentSession.mu.Lock()
	recentSession.disposed = true
	recentSession.disposeTime = time.Now().Add(-10 * time.Millisecond)
	recentSession.mu.Unlock()

	mgr.lastCleanup.Store(0)
	mgr.reap()

	mgr.mu.RLock()
	_, oldStillPresent := mgr.sessions[oldSession.ID()]
	_, recentStillPresent := mgr.sessions[recentSession.ID()]
	mgr.mu.RUnlock()

	if oldStillPresent {
		t.Error("session disposed long ago should have been reaped")
	}
	if !recentStillPresent {
		t.Error("recently disposed session should still be retained")
	}
}

func TestManager_NoDuplicateSessionIDs(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 1000)

	const n = 100
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clientID := uuid.New()
			s, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), fmt.Sprintf("10.0.0.%d", i))
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids <- s.ID()
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]struct{}, n)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id %d", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("expected %d unique ids, got %d", n, len(seen))
	}
}

// TestManager_MaxConcurrentSessionsEnforced covers the global capacity
// cap (SPEC_FULL.md's Ambient Stack addition): once the server-wide
// limit is reached and no suppression victim exists, admission fails
// with ResponseServerFull instead of growing the session set further.
func TestManager_MaxConcurrentSessionsEnforced(t *testing.T) {
	t.Parallel()
	backend := memory.New()
	config := vpnconfig.Default()
	config.SessionTimeout = time.Minute
	config.ReapInterval = time.Minute
	config.MaxConcurrentSessions = 2
	mgr := NewManager(config, backend, NoopTracker{}, nil)

	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 100) // high per-access cap: global cap is what bites

	for i := 0; i < 2; i++ {
		clientID := uuid.New()
		if _, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.1"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, uuid.New()), "10.0.0.1")
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Code != ResponseServerFull {
		t.Fatalf("expected ResponseServerFull, got %v", err)
	}
	if mgr.Count() != 2 {
		t.Errorf("expected session count to stay at cap, got %d", mgr.Count())
	}
}

// TestManager_LogsSuppression covers SPEC_FULL.md §2.1's requirement that
// the Manager's injected logger is actually exercised: a suppression event
// must produce a log line on the caller-supplied logger, not slog.Default().
func TestManager_LogsSuppression(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	backend := memory.New()
	config := vpnconfig.Default()
	config.SessionTimeout = time.Minute
	config.ReapInterval = time.Minute
	mgr := NewManager(config, backend, NoopTracker{}, logger)

	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 5)
	clientID := uuid.New()

	if _, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.1"); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if _, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.2"); err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "suppressing session") {
		t.Fatalf("expected suppression log line, got: %s", out)
	}
	if !strings.Contains(out, "YourSelf") {
		t.Fatalf("expected suppression reason in log line, got: %s", out)
	}
}

func TestManager_MaxClientCountEnforced(t *testing.T) {
	t.Parallel()
	mgr, backend := newTestManager(t, time.Minute, time.Minute)
	tokenID := uuid.New()
	secret, _ := seedAccess(t, backend, tokenID, 2)

	var lastTwo []*Session
	for i := 0; i < 4; i++ {
		clientID := uuid.New()
		s, err := mgr.CreateSession(context.Background(), helloFor(t, secret, tokenID, clientID), "10.0.0.1")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		lastTwo = append(lastTwo, s)
		if len(lastTwo) > 2 {
			lastTwo = lastTwo[1:]
		}
		time.Sleep(time.Millisecond)
	}

	liveCount := 0
	for _, s := range lastTwo {
		if !s.IsDisposed() {
			liveCount++
		}
	}
	if liveCount != 2 {
		t.Errorf("expected 2 live sessions at max_client_count, got %d", liveCount)
	}
}
