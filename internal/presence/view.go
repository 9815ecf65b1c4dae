package presence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"residenthub/backend/internal/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// NormalizeKeys sorts and deduplicates building ids and drops empty ones.
func NormalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// View is the union of several building snapshots for one viewer, such as a
// manager of more than one building. A user online in two buildings appears
// once, with the fresher record.
type View struct {
	reg *Registry

	mu          sync.Mutex
	identity    models.PresenceUser
	initialized bool
	setKey      string
	keys        []string
	subs        []*Subscription
	unlisten    []func()
	snapshots   map[string][]models.PresenceUser
	users       []models.PresenceUser
	gen         uint64
	listeners   []viewListener
	closed      bool
}

type viewListener struct {
	token string
	fn    Listener
}

// NewView creates an empty view that tracks identity in every building it is set to.
func NewView(reg *Registry, identity models.PresenceUser) *View {
	return &View{
		reg:       reg,
		identity:  identity,
		snapshots: make(map[string][]models.PresenceUser),
	}
}

// SetBuildings switches the view to keys. It returns false when the
// normalized set is unchanged, in which case nothing is resubscribed.
func (v *View) SetBuildings(keys []string) bool {
	norm := NormalizeKeys(keys)
	setKey := strings.Join(norm, ",")

	v.mu.Lock()
	if v.closed || (v.initialized && setKey == v.setKey) {
		v.mu.Unlock()
		return false
	}
	v.initialized = true
	v.gen++
	gen := v.gen
	v.setKey = setKey
	v.keys = norm
	v.snapshots = make(map[string][]models.PresenceUser, len(norm))
	oldSubs, oldUnlisten := v.subs, v.unlisten
	v.subs, v.unlisten = nil, nil
	identity := v.identity
	v.mu.Unlock()

	// Subscribe the new set before releasing the old one so that buildings in
	// both sets keep their channel.
	subs := make([]*Subscription, 0, len(norm))
	unlisten := make([]func(), 0, len(norm))
	initial := make(map[string][]models.PresenceUser, len(norm))
	for _, key := range norm {
		key := key
		unlisten = append(unlisten, v.reg.OnChange(key, func(users []models.PresenceUser) {
			v.onSnapshot(gen, key, users)
		}))
		sub, users := v.reg.Subscribe(key, identity)
		subs = append(subs, sub)
		initial[key] = users
	}
	release(oldSubs, oldUnlisten)

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		release(subs, unlisten)
		return true
	}
	v.subs, v.unlisten = subs, unlisten
	for key, users := range initial {
		if _, ok := v.snapshots[key]; !ok {
			v.snapshots[key] = users
		}
	}
	users, changed := v.recomputeLocked()
	listeners := append([]viewListener(nil), v.listeners...)
	v.mu.Unlock()

	if changed {
		v.notify(users, listeners)
	}
	return true
}

func release(subs []*Subscription, unlisten []func()) {
	for _, fn := range unlisten {
		fn()
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (v *View) onSnapshot(gen uint64, key string, users []models.PresenceUser) {
	v.mu.Lock()
	if v.gen != gen || v.closed {
		v.mu.Unlock()
		return
	}
	v.snapshots[key] = users
	merged, changed := v.recomputeLocked()
	listeners := append([]viewListener(nil), v.listeners...)
	v.mu.Unlock()

	if changed {
		v.notify(merged, listeners)
	}
}

func (v *View) recomputeLocked() ([]models.PresenceUser, bool) {
	all := make([][]models.PresenceUser, 0, len(v.snapshots))
	for _, snap := range v.snapshots {
		all = append(all, snap)
	}
	merged := MergeSnapshots(all...)
	if equalSnapshots(merged, v.users) {
		return v.users, false
	}
	v.users = merged
	return merged, true
}

func (v *View) notify(users []models.PresenceUser, listeners []viewListener) {
	for _, l := range listeners {
		snapshot := append([]models.PresenceUser{}, users...)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					v.reg.log.Errorf("Recovered from presence view listener panic: %v", rec)
				}
			}()
			l.fn(snapshot)
		}()
	}
}

// Buildings returns the normalized building ids of the view.
func (v *View) Buildings() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.keys...)
}

// Users returns the merged online users, freshest first.
func (v *View) Users() []models.PresenceUser {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.PresenceUser{}, v.users...)
}

// OnlineUserIDs returns the ids of Users in the same order.
func (v *View) OnlineUserIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.users))
	for _, u := range v.users {
		ids = append(ids, u.UserID)
	}
	return ids
}

// OnlineCount returns the number of distinct online users.
func (v *View) OnlineCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.users)
}

// Connected reports whether every building of the view is subscribed.
func (v *View) Connected() bool {
	keys := v.Buildings()
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if !v.reg.Connected(k) {
			return false
		}
	}
	return true
}

// OnChange registers cb for changes of the merged view. The returned func removes it.
func (v *View) OnChange(cb Listener) func() {
	token := uuid.New().String()
	v.mu.Lock()
	v.listeners = append(v.listeners, viewListener{token: token, fn: cb})
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, l := range v.listeners {
				if l.token == token {
					v.listeners = append(append([]viewListener(nil), v.listeners[:i]...), v.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// UpdatePresence applies fields to the viewer's presence in every building of the view.
func (v *View) UpdatePresence(ctx context.Context, fields models.PresenceUser) error {
	v.mu.Lock()
	v.identity = v.identity.WithFields(fields)
	keys := append([]string(nil), v.keys...)
	v.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return v.reg.Update(ctx, key, fields)
		})
	}
	return g.Wait()
}

// Close releases every building subscription. Repeated calls are no-ops.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.gen++
	subs, unlisten := v.subs, v.unlisten
	v.subs, v.unlisten, v.listeners = nil, nil, nil
	v.mu.Unlock()

	release(subs, unlisten)
}
