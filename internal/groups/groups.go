// Package groups is the client-side group directory: a TTL cache of the
// user's groups with serve-stale-then-refresh reads, membership and
// admin mutations, and convergence on group_update broadcasts. All
// cross-member consistency is eventual; concurrent admin edits
// interleave with either outcome winning.
package groups

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/config"
	"vestnik/internal/eventbus"
	"vestnik/internal/models"
	"vestnik/internal/stream"
)

// Result is the outcome of a mutating group operation. Application
// errors come back inside it, never as a panic or throw.
type Result struct {
	Success bool
	Group   *models.Group
	Err     error
}

func failure(err error) Result { return Result{Err: err} }

func success(g models.Group) Result { return Result{Success: true, Group: &g} }

type groupAPI interface {
	Groups(ctx context.Context, userID string) ([]models.Group, error)
	CreateGroup(ctx context.Context, name string, memberIDs []string, avatarRef string) (models.Group, error)
	UpdateGroup(ctx context.Context, g models.Group) (models.Group, error)
	DeleteGroup(ctx context.Context, id string) error
	LeaveGroup(ctx context.Context, id string) (models.Group, error)
	AddMember(ctx context.Context, groupID, userID string) (models.Group, error)
	RemoveMember(ctx context.Context, groupID, userID string) (models.Group, error)
	PromoteAdmin(ctx context.Context, groupID, userID string) (models.Group, error)
	DemoteAdmin(ctx context.Context, groupID, userID string) (models.Group, error)
}

type emitter interface {
	Emit(event string, payload any) error
}

// roster is one cached fetch-by-user result.
type roster struct {
	Groups    []models.Group
	FetchedAt time.Time
}

type Directory struct {
	api  groupAPI
	str  emitter
	sess config.Session
	cfg  *config.Config
	log  *slog.Logger
	now  func() time.Time

	cache geche.Geche[string, roster]

	mu         sync.Mutex
	refreshing bool
	onRemoved  func(groupID string)
}

func New(api groupAPI, str emitter, sess config.Session, cfg *config.Config, log *slog.Logger) *Directory {
	return &Directory{
		api:   api,
		str:   str,
		sess:  sess,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		cache: geche.NewMapCache[string, roster](),
	}
}

// OnRemoved registers the callback invoked when the local user is
// removed from a group by someone else.
func (d *Directory) OnRemoved(fn func(groupID string)) {
	d.mu.Lock()
	d.onRemoved = fn
	d.mu.Unlock()
}

// Attach subscribes to group_update broadcasts.
func (d *Directory) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(stream.EventGroupUpdate, func(payload msgpack.RawMessage) {
		var p stream.GroupUpdatePayload
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			d.log.Warn("bad group update payload", "err", err)
			return
		}
		d.ApplyUpdate(p)
	})
}

// List returns the user's groups, name-sorted. A cache miss fetches
// synchronously; an expired entry is served as-is while a background
// refresh runs, so the UI never blocks on a TTL boundary.
func (d *Directory) List(ctx context.Context) ([]models.Group, error) {
	r, err := d.cache.Get(d.sess.UserID)
	if err != nil {
		return d.fetch(ctx)
	}

	if d.now().Sub(r.FetchedAt) > d.cfg.GroupCacheTTL {
		d.mu.Lock()
		kick := !d.refreshing
		if kick {
			d.refreshing = true
		}
		d.mu.Unlock()

		if kick {
			go func() {
				defer func() {
					d.mu.Lock()
					d.refreshing = false
					d.mu.Unlock()
				}()
				if _, err := d.fetch(context.Background()); err != nil {
					d.log.Warn("background group refresh failed", "err", err)
				}
			}()
		}
	}

	return append([]models.Group(nil), r.Groups...), nil
}

func (d *Directory) fetch(ctx context.Context) ([]models.Group, error) {
	groups, err := d.api.Groups(ctx, d.sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	d.cache.Set(d.sess.UserID, roster{Groups: groups, FetchedAt: d.now()})
	return append([]models.Group(nil), groups...), nil
}

// Get finds one group in the cached roster.
func (d *Directory) Get(ctx context.Context, id string) (models.Group, error) {
	groups, err := d.List(ctx)
	if err != nil {
		return models.Group{}, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return models.Group{}, models.ErrNotFound
}

func (d *Directory) Create(ctx context.Context, name string, memberIDs []string, avatarRef string) Result {
	members := memberIDs
	if !contains(members, d.sess.UserID) {
		members = append(append([]string(nil), memberIDs...), d.sess.UserID)
	}
	g, err := d.api.CreateGroup(ctx, name, members, avatarRef)
	if err != nil {
		return failure(err)
	}
	d.upsert(g)
	d.broadcast(g, false)
	return success(g)
}

func (d *Directory) Update(ctx context.Context, g models.Group) Result {
	saved, err := d.api.UpdateGroup(ctx, g)
	if err != nil {
		return failure(err)
	}
	d.upsert(saved)
	d.broadcast(saved, false)
	return success(saved)
}

func (d *Directory) Delete(ctx context.Context, id string) Result {
	if err := d.api.DeleteGroup(ctx, id); err != nil {
		return failure(err)
	}
	d.drop(id)
	d.broadcast(models.Group{ID: id}, true)
	return Result{Success: true}
}

func (d *Directory) Leave(ctx context.Context, id string) Result {
	g, err := d.api.LeaveGroup(ctx, id)
	if err != nil {
		return failure(err)
	}
	d.drop(id)
	d.broadcast(g, false)
	return Result{Success: true}
}

func (d *Directory) AddMember(ctx context.Context, groupID, userID string) Result {
	return d.membership(ctx, groupID, userID, d.api.AddMember)
}

func (d *Directory) RemoveMember(ctx context.Context, groupID, userID string) Result {
	return d.membership(ctx, groupID, userID, d.api.RemoveMember)
}

func (d *Directory) PromoteAdmin(ctx context.Context, groupID, userID string) Result {
	return d.membership(ctx, groupID, userID, d.api.PromoteAdmin)
}

func (d *Directory) DemoteAdmin(ctx context.Context, groupID, userID string) Result {
	return d.membership(ctx, groupID, userID, d.api.DemoteAdmin)
}

func (d *Directory) membership(ctx context.Context, groupID, userID string,
	call func(context.Context, string, string) (models.Group, error)) Result {

	g, err := call(ctx, groupID, userID)
	if err != nil {
		return failure(err)
	}
	d.upsert(g)
	d.broadcast(g, false)
	return success(g)
}

// ApplyUpdate converges the cache on a broadcast from another member.
// Losing our own membership removes the group from the visible list and
// notifies the removal hook so the active conversation can fall back.
func (d *Directory) ApplyUpdate(p stream.GroupUpdatePayload) {
	removed := p.Deleted || !p.Group.HasMember(d.sess.UserID)

	if removed {
		d.drop(p.Group.ID)
		d.mu.Lock()
		fn := d.onRemoved
		d.mu.Unlock()
		if fn != nil {
			fn(p.Group.ID)
		}
		return
	}
	d.upsert(p.Group)
}

func (d *Directory) broadcast(g models.Group, deleted bool) {
	err := d.str.Emit(stream.EventGroupUpdate, stream.GroupUpdatePayload{Group: g, Deleted: deleted})
	if err != nil {
		d.log.Warn("group update broadcast failed", "group", g.ID, "err", err)
	}
}

func (d *Directory) upsert(g models.Group) {
	r, err := d.cache.Get(d.sess.UserID)
	if err != nil {
		r = roster{FetchedAt: d.now()}
	}
	replaced := false
	for i := range r.Groups {
		if r.Groups[i].ID == g.ID {
			r.Groups[i] = g
			replaced = true
			break
		}
	}
	if !replaced {
		r.Groups = append(r.Groups, g)
		sort.Slice(r.Groups, func(i, j int) bool { return r.Groups[i].Name < r.Groups[j].Name })
	}
	d.cache.Set(d.sess.UserID, r)
}

func (d *Directory) drop(id string) {
	r, err := d.cache.Get(d.sess.UserID)
	if err != nil {
		return
	}
	for i := range r.Groups {
		if r.Groups[i].ID == id {
			r.Groups = append(r.Groups[:i], r.Groups[i+1:]...)
			break
		}
	}
	d.cache.Set(d.sess.UserID, r)
}

func contains(ids []string, id string) bool {
	for _, cur := range ids {
		if cur == id {
			return true
		}
	}
	return false
}
