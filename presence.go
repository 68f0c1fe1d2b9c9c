package harbor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceAPI is the slice of the REST surface the resolver needs.
type PresenceAPI interface {
	Status(ctx context.Context, peerKey string) (*IdentityStatus, error)
	Friends(ctx context.Context) ([]Friend, error)
}

// ResolverConfig configures an IdentityResolver.
type ResolverConfig struct {
	// TTL is how long a fetched status stays fresh. Default 30s.
	TTL    time.Duration
	Logger *slog.Logger
}

func (c *ResolverConfig) defaults() {
	if c.TTL == 0 {
		c.TTL = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type cachedStatus struct {
	status    IdentityStatus
	fetchedAt time.Time
}

// IdentityResolver resolves a counterpart's online/last-seen/friendship
// state. Statuses are cached per peer and refreshed on demand once stale, by
// Sweep, or by explicit invalidation. Friendship is derived from the locally
// held friends list rather than a per-peer call, so rendering a long
// conversation list never fans out one status request per row.
//
// IdentityResolver is safe for concurrent use. It only reads engine state,
// never writes the store or index.
type IdentityResolver struct {
	api PresenceAPI
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	cache   map[string]cachedStatus
	friends map[string]struct{}
}

// NewIdentityResolver creates a resolver on top of the given API. cfg may be
// nil for defaults.
func NewIdentityResolver(api PresenceAPI, cfg *ResolverConfig) *IdentityResolver {
	c := ResolverConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &IdentityResolver{
		api:     api,
		ttl:     c.TTL,
		log:     c.Logger,
		now:     time.Now,
		cache:   make(map[string]cachedStatus),
		friends: make(map[string]struct{}),
	}
}

// Resolve returns the peer's identity status, serving from cache while the
// entry is younger than the TTL. On a fetch failure a stale cached entry is
// returned rather than an error, so the list view degrades instead of
// breaking.
func (r *IdentityResolver) Resolve(ctx context.Context, peerKey string) (IdentityStatus, error) {
	r.mu.Lock()
	if c, ok := r.cache[peerKey]; ok && r.now().Sub(c.fetchedAt) < r.ttl {
		st := c.status
		st.Friend = r.isFriendLocked(peerKey)
		r.mu.Unlock()
		return st, nil
	}
	r.mu.Unlock()

	return r.refresh(ctx, peerKey)
}

// Invalidate drops the cached status for a peer so the next Resolve fetches
// fresh data. Call it after any action that can change the relationship.
func (r *IdentityResolver) Invalidate(peerKey string) {
	r.mu.Lock()
	delete(r.cache, peerKey)
	r.mu.Unlock()
}

// RefreshFriends replaces the locally held friends list. Call it once at
// session start and again after any friend-request action.
func (r *IdentityResolver) RefreshFriends(ctx context.Context) error {
	friends, err := r.api.Friends(ctx)
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(friends))
	for _, f := range friends {
		set[string(f.ID)] = struct{}{}
	}
	r.mu.Lock()
	r.friends = set
	r.mu.Unlock()
	return nil
}

// Sweep refreshes every cached status older than the TTL. It is meant to be
// driven by a periodic timer; failures are logged and the stale entry kept.
func (r *IdentityResolver) Sweep(ctx context.Context) {
	r.mu.Lock()
	var stale []string
	for key, c := range r.cache {
		if r.now().Sub(c.fetchedAt) >= r.ttl {
			stale = append(stale, key)
		}
	}
	r.mu.Unlock()

	for _, key := range stale {
		if _, err := r.refresh(ctx, key); err != nil {
			r.log.Warn("identity sweep failed", "peer", key, "err", err)
		}
	}
}

func (r *IdentityResolver) refresh(ctx context.Context, peerKey string) (IdentityStatus, error) {
	st, err := r.api.Status(ctx, peerKey)
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.cache[peerKey]; ok {
			stale := c.status
			stale.Friend = r.isFriendLocked(peerKey)
			return stale, nil
		}
		return IdentityStatus{}, err
	}

	norm := *st
	norm.PeerKey = peerKey
	// Online and LastSeenAt are mutually exclusive by contract.
	if norm.Online {
		norm.LastSeenAt = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[peerKey] = cachedStatus{status: norm, fetchedAt: r.now()}
	norm.Friend = r.isFriendLocked(peerKey)
	return norm, nil
}

func (r *IdentityResolver) isFriendLocked(peerKey string) bool {
	_, ok := r.friends[peerKey]
	return ok
}
