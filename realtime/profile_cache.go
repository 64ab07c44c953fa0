package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/putto11262002/nexus/pkg/syncmap"
	"golang.org/x/sync/singleflight"
)

// profileFetchTimeout bounds a shared profile fetch, which outlives the caller
// that started it.
const profileFetchTimeout = 10 * time.Second

// ProfileCache memoizes profiles by user id. It is safe for concurrent use and
// may be shared by several sessions.
type ProfileCache struct {
	fetcher ProfileFetcher
	entries *syncmap.SyncMap[string, Profile]
	group   singleflight.Group
	logger  *slog.Logger
}

func NewProfileCache(fetcher ProfileFetcher, logger *slog.Logger) *ProfileCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileCache{
		fetcher: fetcher,
		entries: syncmap.New[string, Profile](),
		logger:  logger.With(slog.String("component", "profile_cache")),
	}
}

// Resolve returns the profile of every id that exists. Unknown ids are omitted.
// Ids are deduplicated and all uncached ids are fetched in one batch; concurrent
// callers asking for the same batch share a single fetch, which is not cancelled
// when the caller that started it goes away. On a fetch error or when ctx is done
// the cached subset is returned together with the error.
func (c *ProfileCache) Resolve(ctx context.Context, ids ...string) (map[string]Profile, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return map[string]Profile{}, nil
	}

	found, missing := c.entries.LoadMany(ids)
	if len(missing) == 0 {
		return found, nil
	}

	slices.Sort(missing)
	key := strings.Join(missing, ",")
	results := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileFetchTimeout)
		defer cancel()
		profiles, err := c.fetcher.GetProfiles(fetchCtx, missing)
		if err != nil {
			return nil, err
		}
		fetched := make(map[string]Profile, len(profiles))
		for _, p := range profiles {
			fetched[p.ID] = p
		}
		c.entries.StoreMany(fetched)
		return fetched, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return found, fmt.Errorf("GetProfiles: %w", ctx.Err())
	case res = <-results:
	}
	if res.Err != nil {
		return found, fmt.Errorf("GetProfiles: %w", res.Err)
	}
	if res.Shared {
		c.logger.Debug("profile fetch shared", slog.String("ids", key))
	}

	for id, p := range res.Val.(map[string]Profile) {
		found[id] = p
	}
	return found, nil
}

// Snapshot resolves a single user and returns its snapshot, or nil when the
// user is unknown or the lookup failed.
func (c *ProfileCache) Snapshot(ctx context.Context, userID string) *ProfileSnapshot {
	profiles, err := c.Resolve(ctx, userID)
	if err != nil {
		c.logger.Warn("resolve profile", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	p, ok := profiles[userID]
	if !ok {
		return nil
	}
	return p.Snapshot()
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// snapshotOf looks up userID in profiles.
func snapshotOf(profiles map[string]Profile, userID string) *ProfileSnapshot {
	p, ok := profiles[userID]
	if !ok {
		return nil
	}
	return p.Snapshot()
}
