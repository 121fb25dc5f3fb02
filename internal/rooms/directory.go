package rooms

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bellecare/streamclient/internal/hub"
)

// Directory reconciles the room set from two sources: the 30 s REST poll
// (authoritative full replace) and hub push events (set-merge by room id).
// A replace that changes nothing does not notify subscribers, so a poll and a
// push landing close together cannot flicker the list.
type Directory struct {
	log      *zap.Logger
	client   *Client
	interval time.Duration

	mu       sync.Mutex
	rooms    map[string]Room
	onChange func()
}

// NewDirectory creates a directory backed by the given client. interval <= 0
// disables the poll fallback; push events still apply.
func NewDirectory(log *zap.Logger, client *Client, interval time.Duration) *Directory {
	return &Directory{
		log:      log,
		client:   client,
		interval: interval,
		rooms:    make(map[string]Room),
	}
}

// HubConn is the subset of the hub connection the directory subscribes on.
type HubConn interface {
	On(event string, h hub.Handler)
	Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error)
}

// Attach subscribes the directory to push updates on the hub. Push events
// merge into the set; only the poll fallback replaces it.
func (d *Directory) Attach(ctx context.Context, conn HubConn) error {
	conn.On("NewRoomCreated", func(args []json.RawMessage) {
		if len(args) < 1 {
			return
		}
		var r Room
		if err := json.Unmarshal(args[0], &r); err != nil || r.ID == "" {
			d.log.Warn("NewRoomCreated payload dropped", zap.Error(err))
			return
		}
		d.UpsertPush(r)
	})
	conn.On("RoomEnded", func(args []json.RawMessage) {
		if len(args) < 1 {
			return
		}
		var id string
		if err := json.Unmarshal(args[0], &id); err != nil || id == "" {
			d.log.Warn("RoomEnded payload dropped", zap.Error(err))
			return
		}
		d.EndPush(id, time.Now())
	})
	if _, err := conn.Invoke(ctx, "SubscribeToRoomUpdates"); err != nil {
		return err
	}
	return nil
}

// OnChange registers the single change callback, invoked outside the lock.
func (d *Directory) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Run polls the listing until ctx is done. The first poll happens
// immediately so screens do not wait a full interval for data.
func (d *Directory) Run(ctx context.Context) {
	if d.interval <= 0 {
		return
	}
	d.pollOnce(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Directory) pollOnce(ctx context.Context) {
	list, err := d.client.ListRooms(ctx)
	if err != nil {
		// Poll is the fallback path; push updates keep flowing, so a failed
		// poll is a warning, not a screen-level error.
		d.log.Warn("room poll failed", zap.Error(err))
		return
	}
	d.ReplaceAll(list)
}

// ReplaceAll applies an authoritative poll result. Only the poll path may do
// a full replace.
func (d *Directory) ReplaceAll(list []Room) {
	next := make(map[string]Room, len(list))
	for _, r := range list {
		next[r.ID] = r
	}

	d.mu.Lock()
	if roomsEqual(d.rooms, next) {
		d.mu.Unlock()
		return
	}
	d.rooms = next
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// UpsertPush merges one room pushed by the hub (NewRoomCreated).
func (d *Directory) UpsertPush(r Room) {
	d.mu.Lock()
	if existing, ok := d.rooms[r.ID]; ok && sameRoom(existing, r) {
		d.mu.Unlock()
		return
	}
	d.rooms[r.ID] = r
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// EndPush marks a room ended (RoomEnded). The room stays in the set until the
// next poll replaces it, so the list does not visibly jump.
func (d *Directory) EndPush(roomID string, endedAt time.Time) {
	d.mu.Lock()
	r, ok := d.rooms[roomID]
	if !ok || r.EndDate != nil {
		d.mu.Unlock()
		return
	}
	r.EndDate = &endedAt
	d.rooms[roomID] = r
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Snapshot returns the rooms ordered by start date.
func (d *Directory) Snapshot() []Room {
	d.mu.Lock()
	out := make([]Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out
}

func roomsEqual(a, b map[string]Room) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ra := range a {
		rb, ok := b[id]
		if !ok || !sameRoom(ra, rb) {
			return false
		}
	}
	return true
}

func sameRoom(a, b Room) bool {
	if a.ID != b.ID || a.Name != b.Name || a.HostName != b.HostName || !a.StartDate.Equal(b.StartDate) {
		return false
	}
	switch {
	case a.EndDate == nil && b.EndDate == nil:
		return true
	case a.EndDate == nil || b.EndDate == nil:
		return false
	default:
		return a.EndDate.Equal(*b.EndDate)
	}
}
