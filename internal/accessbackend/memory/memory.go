// Package memory provides an in-process session.AccessBackend, used by
// tests and by standalone deployments that pre-provision a fixed set of
// tokens rather than delegating to Postgres (see accessbackend/postgres).
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vpnhood/vpnhood-go/internal/session"
)

// Backend is a map-backed session.AccessBackend keyed by token id.
type Backend struct {
	mu      sync.Mutex
	byToken map[uuid.UUID]session.Access
}

// New constructs an empty Backend. Use Put to seed it with Access records.
func New() *Backend {
	return &Backend{byToken: make(map[uuid.UUID]session.Access)}
}

// Put registers (or replaces) the Access resolved for a given token id.
func (b *Backend) Put(tokenID uuid.UUID, access session.Access) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byToken[tokenID] = access
}

// GetAccess implements session.AccessBackend.
func (b *Backend) GetAccess(_ context.Context, identity session.ClientIdentity) (*session.Access, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	access, ok := b.byToken[identity.TokenID]
	if !ok {
		return nil, nil
	}
	out := access
	return &out, nil
}

// AddUsage implements session.AccessBackend: it accumulates Sent/Received
// onto the stored record and returns the refreshed copy.
func (b *Backend) AddUsage(_ context.Context, accessID uuid.UUID, delta session.AccessUsageDelta) (*session.Access, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tokenID, access := range b.byToken {
		if access.AccessID != accessID {
			continue
		}
		access.Usage.Sent += delta.Sent
		access.Usage.Received += delta.Received
		b.byToken[tokenID] = access
		out := access
		return &out, nil
	}
	return nil, nil
}
