// Package chat maintains the append-only message log for one session, with
// optimistic local append on send.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// scrollPinThreshold is how far (logical px) the user may drift from the
// bottom before auto-scroll suspends.
const scrollPinThreshold = 50

// Message is an immutable chat entry, ordered by arrival.
type Message struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId,omitempty"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
	Local    bool      `json:"local,omitempty"`  // optimistic append, not yet confirmed
	Failed   bool      `json:"failed,omitempty"` // delivery invoke failed; kept visible
}

// Invoker is the hub method surface the stream sends through.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error)
}

// Stream is the append-only ordered message log. Messages are appended, never
// reordered, never mutated in place (Failed is set before the message is
// observable to readers).
type Stream struct {
	log           *zap.Logger
	invoker       Invoker
	roomID        string
	localSenderID string

	mu        sync.Mutex
	messages  []Message
	scrollOff float64 // distance from bottom; 0 = pinned
}

// NewStream creates the message log for one room. localSenderID is used to
// suppress the server echo of our own optimistic sends.
func NewStream(log *zap.Logger, invoker Invoker, roomID, localSenderID string) *Stream {
	return &Stream{
		log:           log,
		invoker:       invoker,
		roomID:        roomID,
		localSenderID: localSenderID,
	}
}

// Receive appends a server-pushed message. Our own echo is dropped: the
// optimistic copy is already in the log.
func (s *Stream) Receive(senderID, text string) {
	if senderID != "" && senderID == s.localSenderID {
		return
	}
	s.mu.Lock()
	s.messages = append(s.messages, Message{
		ID:       uuid.New().String(),
		SenderID: senderID,
		Text:     text,
		SentAt:   time.Now(),
	})
	s.mu.Unlock()
}

// SendOptimistic appends a locally-built message synchronously and returns it,
// then delivers it over the hub without waiting for acknowledgement. The
// append always happens before the network call resolves; on invoke failure
// the message stays visible, flagged failed, and is not retried.
func (s *Stream) SendOptimistic(ctx context.Context, text string) Message {
	msg := Message{
		ID:       uuid.New().String(),
		SenderID: s.localSenderID,
		Text:     text,
		SentAt:   time.Now(),
		Local:    true,
	}

	s.mu.Lock()
	idx := len(s.messages)
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	go func() {
		if _, err := s.invoker.Invoke(ctx, "SendMessage", s.roomID, text); err != nil {
			s.log.Warn("chat send failed", zap.String("room_id", s.roomID), zap.Error(err))
			s.mu.Lock()
			if idx < len(s.messages) && s.messages[idx].ID == msg.ID {
				s.messages[idx].Failed = true
			}
			s.mu.Unlock()
		}
	}()
	return msg
}

// Messages returns a snapshot of the log in arrival order.
func (s *Stream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the current log length.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SetScrollOffset records how far the user has scrolled from the bottom.
func (s *Stream) SetScrollOffset(px float64) {
	s.mu.Lock()
	if px < 0 {
		px = 0
	}
	s.scrollOff = px
	s.mu.Unlock()
}

// ScrollToLatest re-pins the view to the newest message.
func (s *Stream) ScrollToLatest() {
	s.SetScrollOffset(0)
}

// AutoScroll reports whether the view should follow new messages: pinned to
// the bottom, or within the pin threshold of it.
func (s *Stream) AutoScroll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollOff <= scrollPinThreshold
}
