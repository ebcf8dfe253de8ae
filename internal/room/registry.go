// Package room implements the ordered registry of playback rooms and the
// synchronized time/pause state viewers reconcile against.
//
// Rooms are append-only: once created they are never removed. IDs are
// 1-based and monotonically increasing. Room state has last-writer-wins
// semantics because only the room's owner is expected to sync it.
package room

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
)

// state is the mutable record behind one room.
type state struct {
	asset      string
	owner      string
	viewers    []string
	id         int
	offset     int64
	paused     bool
	lastUpdate time.Time
}

// Registry holds every room created during this coordinator lifetime.
type Registry struct {
	mu         sync.Mutex
	rooms      []*state
	staleAfter time.Duration
	logger     *zap.Logger

	now func() time.Time
}

// NewRegistry creates an empty registry. staleAfter is the silence window
// after which an unpaused room is forced into the paused state on read.
func NewRegistry(staleAfter time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		staleAfter: staleAfter,
		logger:     logger.Named("room"),
		now:        time.Now,
	}
}

// Create appends a new room and returns it with its assigned ID. The owner is
// always part of the viewer set.
func (r *Registry) Create(asset, owner string, viewers []string) cluster.Room {
	all := make([]string, 0, len(viewers)+1)
	seen := map[string]bool{owner: true}
	all = append(all, owner)
	for _, v := range viewers {
		if !seen[v] {
			seen[v] = true
			all = append(all, v)
		}
	}

	r.mu.Lock()
	st := &state{
		asset:      asset,
		owner:      owner,
		viewers:    all,
		id:         len(r.rooms) + 1,
		lastUpdate: r.now(),
	}
	r.rooms = append(r.rooms, st)
	room := st.wire()
	r.mu.Unlock()

	r.logger.Info("created room",
		zap.Int("id", room.ID), zap.String("asset", asset), zap.String("owner", owner))
	return room
}

// Get returns a room's current state. Reading an unpaused room that has gone
// silent for longer than the staleness window forces it into the paused
// state first, so viewers stop extrapolating playback past a disconnected
// owner.
func (r *Registry) Get(id int) (cluster.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.locked(id)
	if err != nil {
		return cluster.Room{}, err
	}
	if !st.paused && st.lastUpdate.Add(r.staleAfter).Before(r.now()) {
		r.logger.Info("room went silent while playing, forcing pause", zap.Int("id", id))
		st.paused = true
		st.lastUpdate = r.now()
	}
	return st.wire(), nil
}

// Sync unconditionally overwrites a room's playback offset and paused flag.
// Owners may seek backward; no monotonicity is enforced.
func (r *Registry) Sync(id int, offset int64, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.locked(id)
	if err != nil {
		return err
	}
	st.offset = offset
	st.paused = paused
	st.lastUpdate = r.now()
	return nil
}

// ListFor returns every room username is a viewer of.
func (r *Registry) ListFor(username string) []cluster.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rooms []cluster.Room
	for _, st := range r.rooms {
		for _, v := range st.viewers {
			if v == username {
				rooms = append(rooms, st.wire())
				break
			}
		}
	}
	return rooms
}

// Count returns how many rooms exist.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) locked(id int) (*state, error) {
	if id < 1 || id > len(r.rooms) {
		return nil, cluster.Errorf(cluster.ErrNotFound, "no room %d", id)
	}
	return r.rooms[id-1], nil
}

func (st *state) wire() cluster.Room {
	viewers := make([]string, len(st.viewers))
	copy(viewers, st.viewers)
	return cluster.Room{
		ID:      st.id,
		Asset:   st.asset,
		Owner:   st.owner,
		Viewers: viewers,
		Time:    st.offset,
		Paused:  st.paused,
	}
}
