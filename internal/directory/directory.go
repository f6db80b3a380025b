// Package directory is the cached roster of counterpart identities:
// TTL-cached fetch, prefix search with cancel-on-supersede, batch
// lookup, and presence application from stream events.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/config"
	"vestnik/internal/eventbus"
	"vestnik/internal/models"
	"vestnik/internal/stream"
)

// ErrSuperseded reports that a newer search was started while this one
// was in flight; its result must be discarded, not rendered.
var ErrSuperseded = errors.New("search superseded")

type userAPI interface {
	Users(ctx context.Context) ([]models.Identity, error)
}

type Directory struct {
	api  userAPI
	sess config.Session
	log  *slog.Logger

	cache geche.Geche[string, models.Identity]

	mu           sync.Mutex
	order        []string // identity ids sorted by display name
	searchSeq    uint64
	searchCancel context.CancelFunc
}

func New(ctx context.Context, api userAPI, sess config.Session, cfg *config.Config, log *slog.Logger) *Directory {
	return &Directory{
		api:   api,
		sess:  sess,
		log:   log,
		cache: geche.NewMapTTLCache[string, models.Identity](ctx, cfg.UserCacheTTL, time.Minute),
	}
}

// Attach subscribes the directory to presence events.
func (d *Directory) Attach(bus *eventbus.Bus) func() {
	onPresence := func(online bool) eventbus.Handler {
		return func(payload msgpack.RawMessage) {
			var p stream.PresencePayload
			if err := msgpack.Unmarshal(payload, &p); err != nil {
				return
			}
			d.ApplyPresence(p.UserID, online, p.LastSeen)
		}
	}
	offOn := bus.Subscribe(stream.EventUserOnline, onPresence(true))
	offOff := bus.Subscribe(stream.EventUserOffline, onPresence(false))
	return func() {
		offOn()
		offOff()
	}
}

// Refresh fetches the roster, excluding the local user, and replaces
// the cache contents.
func (d *Directory) Refresh(ctx context.Context) error {
	users, err := d.api.Users(ctx)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}

	kept := users[:0]
	for _, u := range users {
		if u.ID == d.sess.UserID {
			continue
		}
		kept = append(kept, u)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].DisplayName < kept[j].DisplayName
	})

	order := make([]string, 0, len(kept))
	for _, u := range kept {
		d.cache.Set(u.ID, u)
		order = append(order, u.ID)
	}

	d.mu.Lock()
	d.order = order
	d.mu.Unlock()
	return nil
}

func (d *Directory) Get(id string) (models.Identity, error) {
	u, err := d.cache.Get(id)
	if err != nil {
		return models.Identity{}, models.ErrNotFound
	}
	return u, nil
}

// BatchGet resolves a set of ids, silently skipping unknown or evicted
// entries.
func (d *Directory) BatchGet(ids []string) []models.Identity {
	out := make([]models.Identity, 0, len(ids))
	for _, id := range ids {
		if u, err := d.cache.Get(id); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// List returns the cached roster in display order.
func (d *Directory) List() []models.Identity {
	d.mu.Lock()
	order := append([]string(nil), d.order...)
	d.mu.Unlock()
	return d.BatchGet(order)
}

// Search fetches a fresh roster and filters it by a case-insensitive
// display name prefix. Starting a new search cancels and supersedes any
// search still in flight: last started wins, a slow earlier response
// comes back as ErrSuperseded instead of data.
func (d *Directory) Search(ctx context.Context, query string) ([]models.Identity, error) {
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.searchCancel != nil {
		d.searchCancel()
	}
	d.searchCancel = cancel
	d.searchSeq++
	seq := d.searchSeq
	d.mu.Unlock()

	users, err := d.api.Users(ctx)

	d.mu.Lock()
	superseded := seq != d.searchSeq
	d.mu.Unlock()
	if superseded {
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	prefix := strings.ToLower(query)
	var matched []models.Identity
	for _, u := range users {
		if u.ID == d.sess.UserID {
			continue
		}
		if strings.HasPrefix(strings.ToLower(u.DisplayName), prefix) {
			matched = append(matched, u)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DisplayName < matched[j].DisplayName
	})
	return matched, nil
}

// ApplyPresence updates a cached identity in place. Unknown users are
// ignored; they will appear on the next roster refresh.
func (d *Directory) ApplyPresence(userID string, online bool, lastSeen int64) {
	u, err := d.cache.Get(userID)
	if err != nil {
		return
	}
	u.Online = online
	if lastSeen != 0 {
		u.LastSeen = lastSeen
	}
	d.cache.Set(userID, u)
}
