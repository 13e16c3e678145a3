package invite

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/permission"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
)

// MaxInviteAge is the hard upper bound on any invite's lifetime. The tier-2
// sweep enforces it in storage; Redeem enforces it at redemption time so a
// stale invite cannot be used between sweeps.
const MaxInviteAge = 24 * time.Hour

// ErrExpired covers every way an invite can stop being redeemable: its
// expiry passed, its use cap was reached, it outlived MaxInviteAge, or it
// was explicitly invalidated.
var ErrExpired = errors.New("invite expired")

// CreateOptions are the optional bounds on a new invite.
type CreateOptions struct {
	ExpiresAt *time.Time
	MaxUses   *int
}

// Manager drives the invite lifecycle: mint, redeem, invalidate.
type Manager struct {
	store  storage.Store
	engine *permission.Engine
	clock  clockwork.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an invite manager.
func NewManager(store storage.Store, engine *permission.Engine, clock clockwork.Clock) *Manager {
	return &Manager{
		store:  store,
		engine: engine,
		clock:  clock,
		locks:  make(map[string]*sync.Mutex),
	}
}

// tokenLock returns the mutex serializing redemption and invalidation for
// one token.
func (m *Manager) tokenLock(token string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[token]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[token] = lock
	}
	return lock
}

// Create mints a share link granting the permission on the entity.
func (m *Manager) Create(entity types.EntityRef, perm types.Permission, opts CreateOptions) (*types.Invite, error) {
	if !entity.Type.Valid() || entity.ID == "" {
		return nil, fmt.Errorf("invalid entity %q/%q", entity.Type, entity.ID)
	}
	if !perm.Valid() {
		return nil, fmt.Errorf("invalid permission %q", perm)
	}
	if opts.MaxUses != nil && *opts.MaxUses < 1 {
		return nil, fmt.Errorf("maxUses must be positive")
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	invite := &types.Invite{
		Token:      hex.EncodeToString(tokenBytes),
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Permission: perm,
		CreatedAt:  m.clock.Now().UTC(),
		ExpiresAt:  opts.ExpiresAt,
		MaxUses:    opts.MaxUses,
	}
	if err := m.store.CreateInvite(invite); err != nil {
		return nil, err
	}

	metrics.InvitesCreatedTotal.Inc()
	return invite, nil
}

// Redeem consumes one use of the invite for the user and grants the
// recorded permission on the entity. Validation, the use-count increment
// and the spent mark all happen under the token's lock. Redeeming a token
// the user already redeemed is a no-op success that does not burn a use.
func (m *Manager) Redeem(userID, token string) (*types.Invite, *types.PermissionChange, error) {
	lock := m.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	invite, err := m.store.GetInvite(token)
	if err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	if invite.ExpiresAt != nil && !invite.ExpiresAt.After(now) {
		return nil, nil, ErrExpired
	}
	if now.Sub(invite.CreatedAt) > MaxInviteAge {
		return nil, nil, ErrExpired
	}

	if invite.Redeemed(userID) {
		return invite, nil, nil
	}

	if invite.Spent || (invite.MaxUses != nil && invite.Uses >= *invite.MaxUses) {
		return nil, nil, ErrExpired
	}

	entity := types.EntityRef{Type: invite.EntityType, ID: invite.EntityID}
	change, err := m.engine.Grant(userID, entity, invite.Permission)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to grant on redemption: %w", err)
	}

	invite.Uses++
	invite.RedeemedBy = append(invite.RedeemedBy, userID)
	if invite.MaxUses != nil && invite.Uses >= *invite.MaxUses {
		invite.Spent = true
	}
	if err := m.store.UpdateInvite(invite); err != nil {
		return nil, nil, err
	}

	metrics.InvitesRedeemedTotal.Inc()
	return invite, change, nil
}

// Invalidate hard-expires the invite immediately. The returned invite
// carries the redeemer list so the caller can notify every session that
// relied on the link.
func (m *Manager) Invalidate(token string) (*types.Invite, error) {
	lock := m.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	invite, err := m.store.GetInvite(token)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	invite.ExpiresAt = &now
	if err := m.store.UpdateInvite(invite); err != nil {
		return nil, err
	}
	return invite, nil
}
