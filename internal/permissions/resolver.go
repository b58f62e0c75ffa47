package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// cacheTTL bounds how stale a cached base permission set may be served.
// Mutating commands invalidate explicitly; the TTL only covers changes made
// outside this process.
const cacheTTL = 60 * time.Second

type cacheEntry struct {
	base     Flags
	position int
	at       time.Time
}

// Resolver computes effective permissions for a membership and caches the
// channel-agnostic base result per membership. Channel-scoped results are
// never cached: they are cheap to recompute and depend on channel context.
type Resolver struct {
	source Source
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	ttl time.Duration
	now func() time.Time
}

func NewResolver(source Source, logger *slog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger.With(slog.String("component", "permission_resolver")),
		cache:  make(map[string]cacheEntry),
		ttl:    cacheTTL,
		now:    time.Now,
	}
}

// Effective computes the membership's permission set. With an empty
// channelID it returns the base (role-union) set, serving a fresh cache
// entry when one exists. With a channelID it always recomputes from the
// store and narrows the base set by the channel's deny-wins overrides.
func (r *Resolver) Effective(ctx context.Context, membershipID, channelID string) (Flags, error) {
	if channelID == "" {
		if entry, ok := r.lookup(membershipID); ok {
			return entry.base, nil
		}
	}

	entry, grants, err := r.computeBase(ctx, membershipID)
	if err != nil {
		return Flags{}, err
	}
	if channelID == "" {
		return entry.base, nil
	}

	roleIDs := make([]string, len(grants))
	for i, g := range grants {
		roleIDs[i] = g.RoleID
	}
	overrides, err := r.source.ChannelOverrides(ctx, channelID, roleIDs)
	if err != nil {
		return Flags{}, fmt.Errorf("load channel overrides: %w", err)
	}

	var sendAllow, sendDeny, manageAllow, manageDeny, pinAllow, pinDeny bool
	for _, o := range overrides {
		sendAllow = sendAllow || o.SendMessages == Allow
		sendDeny = sendDeny || o.SendMessages == Deny
		manageAllow = manageAllow || o.ManageMessages == Allow
		manageDeny = manageDeny || o.ManageMessages == Deny
		pinAllow = pinAllow || o.PinMessages == Allow
		pinDeny = pinDeny || o.PinMessages == Deny
	}

	scoped := entry.base
	scoped.SendMessages = resolveKey(entry.base.SendMessages, sendAllow, sendDeny)
	scoped.ManageMessages = resolveKey(entry.base.ManageMessages, manageAllow, manageDeny)
	scoped.PinMessages = resolveKey(entry.base.PinMessages, pinAllow, pinDeny)
	return scoped, nil
}

// HighestRolePosition returns the minimum (most senior) position among the
// membership's roles, or LowestAuthority when it holds none.
func (r *Resolver) HighestRolePosition(ctx context.Context, membershipID string) (int, error) {
	if entry, ok := r.lookup(membershipID); ok {
		return entry.position, nil
	}
	entry, _, err := r.computeBase(ctx, membershipID)
	if err != nil {
		return LowestAuthority, err
	}
	return entry.position, nil
}

// CanManageRole reports whether the membership may edit, delete, or assign
// a role at targetPosition. Only strictly less senior roles are in reach.
func (r *Resolver) CanManageRole(ctx context.Context, membershipID string, targetPosition int) (bool, error) {
	highest, err := r.HighestRolePosition(ctx, membershipID)
	if err != nil {
		return false, err
	}
	return targetPosition > highest, nil
}

// Invalidate drops the cached base result for one membership.
func (r *Resolver) Invalidate(membershipID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, membershipID)
}

// InvalidateAll clears the cache. Used after role or permission edits whose
// affected membership set is not trivially known, e.g. role deletion.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// lookup returns a cache entry only while it is fresh. Stale entries are
// treated as absent rather than actively evicted.
func (r *Resolver) lookup(membershipID string) (cacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[membershipID]
	if !ok || r.now().Sub(entry.at) >= r.ttl {
		return cacheEntry{}, false
	}
	return entry, true
}

func (r *Resolver) computeBase(ctx context.Context, membershipID string) (cacheEntry, []RoleGrant, error) {
	grants, err := r.source.RolesForMembership(ctx, membershipID)
	if err != nil {
		return cacheEntry{}, nil, fmt.Errorf("load membership roles: %w", err)
	}

	var base Flags
	position := LowestAuthority
	for _, g := range grants {
		base = base.Union(g.Permissions)
		if g.Position < position {
			position = g.Position
		}
	}

	entry := cacheEntry{base: base, position: position, at: r.now()}
	r.mu.Lock()
	r.cache[membershipID] = entry
	r.mu.Unlock()

	r.logger.Debug("computed base permissions",
		slog.String("membershipID", membershipID),
		slog.Int("roles", len(grants)),
	)
	return entry, grants, nil
}
