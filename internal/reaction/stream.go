// Package reaction renders the ephemeral reaction overlay: hub-driven,
// per-client, auto-expiring, never persisted.
package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bellecare/streamclient/internal/errs"
)

// DisplayDuration is how long a reaction stays in the active set.
const DisplayDuration = 3000 * time.Millisecond

// Horizontal position range (percent of viewport width).
const (
	posMin = 10
	posMax = 80
)

// Kind is a fixed reaction type.
type Kind struct {
	Emoji string
	Label string
}

// kinds is the fixed lookup table. Unknown ids are logged and dropped.
var kinds = map[int]Kind{
	1: {Emoji: "❤️", Label: "heart"},
	2: {Emoji: "👍", Label: "like"},
	3: {Emoji: "😂", Label: "laugh"},
	4: {Emoji: "😮", Label: "wow"},
	5: {Emoji: "👏", Label: "clap"},
	6: {Emoji: "🔥", Label: "fire"},
}

// Entry is one active on-screen reaction.
type Entry struct {
	KindID             int     `json:"kindId"`
	Emoji              string  `json:"emoji"`
	DisplayKey         string  `json:"displayKey"`
	HorizontalPosition float64 `json:"horizontalPosition"` // 0..100
}

// Invoker is the hub method surface reactions are sent through.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error)
}

// Stream holds the active reaction set. Every entry schedules its own removal;
// expiry timers are independent per entry and keyed by display key.
type Stream struct {
	log     *zap.Logger
	invoker Invoker
	roomID  string
	ttl     time.Duration

	mu     sync.Mutex
	active map[string]Entry
	timers map[string]*time.Timer
	closed bool
	rng    *rand.Rand
}

// NewStream creates the reaction overlay state for one room.
func NewStream(log *zap.Logger, invoker Invoker, roomID string) *Stream {
	return &Stream{
		log:     log,
		invoker: invoker,
		roomID:  roomID,
		ttl:     DisplayDuration,
		active:  make(map[string]Entry),
		timers:  make(map[string]*time.Timer),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Trigger sends a reaction to the room. Unknown kinds are logged and dropped,
// never an error to the caller; the on-screen entry appears when the server
// echoes the reaction back down the hub.
func (s *Stream) Trigger(ctx context.Context, kindID int) {
	if _, ok := kinds[kindID]; !ok {
		s.log.Warn("dropping reaction", zap.Int("kind_id", kindID), zap.Error(errs.ErrUnknownReaction))
		return
	}
	go func() {
		if _, err := s.invoker.Invoke(ctx, "SendReaction", s.roomID, kindID); err != nil {
			s.log.Warn("reaction send failed", zap.Int("kind_id", kindID), zap.Error(err))
		}
	}()
}

// OnReceived inserts a hub-pushed reaction into the active set with a unique
// display key and a randomized horizontal position, and schedules its removal.
// Unknown kinds are logged and dropped.
func (s *Stream) OnReceived(kindID int) {
	kind, ok := kinds[kindID]
	if !ok {
		s.log.Warn("dropping reaction", zap.Int("kind_id", kindID), zap.Error(errs.ErrUnknownReaction))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Key must stay unique even for two reactions of the same kind in the
	// same tick, so it carries a random suffix, not just the kind id.
	key := fmt.Sprintf("%d-%s", kindID, uuid.New().String())
	entry := Entry{
		KindID:             kindID,
		Emoji:              kind.Emoji,
		DisplayKey:         key,
		HorizontalPosition: posMin + s.rng.Float64()*(posMax-posMin),
	}
	s.active[key] = entry
	s.timers[key] = time.AfterFunc(s.ttl, func() { s.expire(key) })
	s.mu.Unlock()
}

// expire removes a single entry by display key, independent of every other
// entry's timer.
func (s *Stream) expire(key string) {
	s.mu.Lock()
	delete(s.active, key)
	delete(s.timers, key)
	s.mu.Unlock()
}

// Active returns a snapshot of the currently visible reactions.
func (s *Stream) Active() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e)
	}
	return out
}

// Close stops every pending expiry timer and empties the active set. Called
// on unmount so no timer fires against a dead screen.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.active = make(map[string]Entry)
}
