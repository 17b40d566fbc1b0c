package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AccessController owns one Access record and derives a ResponseCode and
// AccessUsage snapshot from it. It is shared by every live session
// carrying the same access_id; its lifetime is simply "as long as some
// Session still references it" — ordinary Go GC, no manual refcounting
// (spec §9 "Cyclic ownership"). The weak index in Manager lets a new
// admission find and reuse the controller an existing session already
// holds in O(1) without keeping it alive on its own.
type AccessController struct {
	mu     sync.Mutex
	access Access
}

// newAccessController wraps an already-resolved Access.
func newAccessController(access Access) *AccessController {
	return &AccessController{access: access}
}

// AccessID returns the controller's access id (immutable for the
// controller's lifetime — the backend never changes an Access's identity).
func (c *AccessController) AccessID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access.AccessID
}

// Refresh replaces the held Access in place (spec §3: "refreshed in place").
func (c *AccessController) Refresh(access Access) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access = access
}

// Snapshot returns a copy of the currently held Access.
func (c *AccessController) Snapshot() Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// Status derives the current ResponseCode and usage snapshot from the
// held Access (spec §4.2 step 4).
func (c *AccessController) Status() (ResponseCode, AccessUsage, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access.StatusCode == AccessOk {
		return ResponseOk, c.access.Usage, c.access.Message
	}
	return ResponseAccessError, c.access.Usage, c.access.Message
}

// MaxClientCount returns the held Access's concurrency cap (0 = unlimited).
func (c *AccessController) MaxClientCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access.MaxClientCount
}

// AddUsage asks the backend to apply a usage delta and refreshes the
// held Access with the result.
func (c *AccessController) AddUsage(ctx context.Context, backend AccessBackend, delta AccessUsageDelta) error {
	id := c.AccessID()
	updated, err := backend.AddUsage(ctx, id, delta)
	if err != nil {
		return err
	}
	if updated != nil {
		c.Refresh(*updated)
	}
	return nil
}
