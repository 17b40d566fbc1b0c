// Package session implements the server-side session core: the Session
// Manager (admission, suppression, reaping, lookup) and the types it
// coordinates (ClientIdentity, Access, AccessController, Session). See
// SPEC_FULL.md §1/§3/§4.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClientIdentity is the immutable tuple derived once per incoming Hello.
// Spec §3.
type ClientIdentity struct {
	ClientID  uuid.UUID
	ClientIP  string
	TokenID   uuid.UUID
	UserToken []byte
}

// HelloRequest is the wire-level handshake payload (spec §6). Decoding
// happens in the wire package; this is the parsed form the manager acts on.
type HelloRequest struct {
	ClientID          uuid.UUID
	TokenID           uuid.UUID
	UserToken         []byte
	EncryptedClientID [16]byte
}

// AccessStatusCode mirrors the status codes an Access record can carry.
type AccessStatusCode int

const (
	AccessOk AccessStatusCode = iota
	AccessExpired
	AccessTrafficOverUsage
	AccessRevokedByAdmin
)

func (c AccessStatusCode) String() string {
	switch c {
	case AccessOk:
		return "Ok"
	case AccessExpired:
		return "Expired"
	case AccessTrafficOverUsage:
		return "TrafficOverUsage"
	case AccessRevokedByAdmin:
		return "RevokedByAdmin"
	default:
		return "Unknown"
	}
}

// AccessUsage is a usage snapshot attached to admission failures so a
// client can display quota information (spec §7).
type AccessUsage struct {
	Sent          uint64
	Received      uint64
	MaxTraffic    uint64
	LastUsedTime  time.Time
	ExpirationTime time.Time
}

// AccessUsageDelta is applied via AccessBackend.AddUsage.
type AccessUsageDelta struct {
	Sent     uint64
	Received uint64
}

// Access is the record C1 returns for a token. Owned by the
// AccessController that created it; refreshed in place on each
// re-validation (spec §3).
type Access struct {
	AccessID       uuid.UUID
	Secret         []byte
	MaxClientCount uint32
	StatusCode     AccessStatusCode
	Message        string
	Usage          AccessUsage
}

// AccessBackend is C1: the external access-control backend. Only its
// interface is modeled here; business logic (issuing tokens, computing
// usage) lives outside this core (spec §1 Out of scope, §6).
type AccessBackend interface {
	// GetAccess resolves the Access for a client's token. Returns
	// (nil, nil) when no record exists ("null" in spec terms).
	GetAccess(ctx context.Context, identity ClientIdentity) (*Access, error)
	// AddUsage applies a monotone usage delta and returns the refreshed Access.
	AddUsage(ctx context.Context, accessID uuid.UUID, delta AccessUsageDelta) (*Access, error)
}

// Tracker is the fire-and-forget analytics sink (spec §6). Errors are
// always swallowed by callers; TrackEvent must not block admission.
type Tracker interface {
	TrackEvent(ctx context.Context, category, action string)
}

// NoopTracker discards every event. Useful as a default and in tests.
type NoopTracker struct{}

// TrackEvent implements Tracker.
func (NoopTracker) TrackEvent(context.Context, string, string) {}

// ResponseCode is the error kind surfaced by the core (spec §7).
type ResponseCode int

const (
	ResponseOk ResponseCode = iota
	ResponseTokenNotFound
	ResponseInvalidSignature
	ResponseAccessError
	ResponseSessionClosed
	ResponseSessionNotFound
	ResponseServerFull
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOk:
		return "Ok"
	case ResponseTokenNotFound:
		return "TokenNotFound"
	case ResponseInvalidSignature:
		return "InvalidSignature"
	case ResponseAccessError:
		return "AccessError"
	case ResponseSessionClosed:
		return "SessionClosed"
	case ResponseSessionNotFound:
		return "SessionNotFound"
	case ResponseServerFull:
		return "ServerFull"
	default:
		return "Unknown"
	}
}

// SuppressionKind distinguishes why a session was disposed by the
// manager rather than by the client itself (spec §3, §9 Open Question a).
type SuppressionKind int

const (
	SuppressedNone SuppressionKind = iota
	SuppressedBySelf
	SuppressedByOther
)

func (k SuppressionKind) String() string {
	switch k {
	case SuppressedNone:
		return "None"
	case SuppressedBySelf:
		return "YourSelf"
	case SuppressedByOther:
		return "Other"
	default:
		return "Unknown"
	}
}
