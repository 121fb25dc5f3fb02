// Package session composes the hub connection, media negotiation, chat and
// reactions of one livestream screen into a single coherent state, and owns
// the teardown ordering.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bellecare/streamclient/internal/chat"
	"github.com/bellecare/streamclient/internal/errs"
	"github.com/bellecare/streamclient/internal/hub"
	"github.com/bellecare/streamclient/internal/reaction"
)

// Role selects the join flow.
type Role int

const (
	RoleViewer Role = iota
	RoleHost
)

// Status is the single screen-level state derived from the hub connection and
// server session events.
type Status int

const (
	StatusIdle Status = iota
	StatusJoining
	StatusLive
	StatusEnded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusJoining:
		return "joining"
	case StatusLive:
		return "live"
	case StatusEnded:
		return "ended"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Hub is the connection surface the view model drives.
type Hub interface {
	Connect(ctx context.Context) error
	On(event string, h hub.Handler)
	ClearHandlers()
	Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error)
	Disconnect() error
	OnStateChange(fn func(hub.State))
	State() hub.State
}

// Negotiator is the media surface the view model drives.
type Negotiator interface {
	AcceptOffer(ctx context.Context, remoteSDP string) (string, error)
	FirstTrack() <-chan struct{}
	Teardown()
}

type jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// joinRoomResponse carries the media offer plus the opaque relay identifiers
// that must be echoed back with the answer.
type joinRoomResponse struct {
	Jsep      jsep            `json:"jsep"`
	RoomID    json.RawMessage `json:"roomId"`
	SessionID json.RawMessage `json:"sessionId"`
	HandleID  json.RawMessage `json:"handleId"`
}

type previewStreamReady struct {
	RoomID string `json:"roomId"`
	Jsep   jsep   `json:"jsep"`
}

// Snapshot is the read-only view served by the status endpoint.
type Snapshot struct {
	Status          string `json:"status"`
	ConnectionState string `json:"connectionState"`
	RoomID          string `json:"roomId"`
	ViewerCount     int    `json:"viewerCount"`
	MessageCount    int    `json:"messageCount"`
	ActiveReactions int    `json:"activeReactions"`
}

// ViewModel owns one screen's realtime state. Create one per screen mount;
// it is not reusable after Unmount.
type ViewModel struct {
	log       *zap.Logger
	hubConn   Hub
	neg       Negotiator
	chat      *chat.Stream
	reactions *reaction.Stream
	roomID    string
	role      Role

	mu          sync.Mutex
	status      Status
	viewerCount int
	alive       bool
	onStatus    func(Status)
	navigate    func() // optional navigate-away on session end
}

// New builds the view model for one screen. chatStream and reactionStream are
// owned by the view model from here on.
func New(log *zap.Logger, hubConn Hub, neg Negotiator, chatStream *chat.Stream, reactionStream *reaction.Stream, roomID string, role Role) *ViewModel {
	return &ViewModel{
		log:       log,
		hubConn:   hubConn,
		neg:       neg,
		chat:      chatStream,
		reactions: reactionStream,
		roomID:    roomID,
		role:      role,
		status:    StatusIdle,
		alive:     true,
	}
}

// OnStatusChange registers the status callback, invoked outside the lock.
func (vm *ViewModel) OnStatusChange(fn func(Status)) {
	vm.mu.Lock()
	vm.onStatus = fn
	vm.mu.Unlock()
}

// OnSessionEnd registers the navigate-away hook run after an ordered teardown
// triggered by the server.
func (vm *ViewModel) OnSessionEnd(fn func()) {
	vm.mu.Lock()
	vm.navigate = fn
	vm.mu.Unlock()
}

// Status returns the current screen status.
func (vm *ViewModel) Status() Status {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.status
}

// ViewerCount returns the last pushed listener count.
func (vm *ViewModel) ViewerCount() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.viewerCount
}

// Chat exposes the session's message log.
func (vm *ViewModel) Chat() *chat.Stream { return vm.chat }

// Reactions exposes the session's reaction overlay.
func (vm *ViewModel) Reactions() *reaction.Stream { return vm.reactions }

// Snapshot returns the composed screen state.
func (vm *ViewModel) Snapshot() Snapshot {
	vm.mu.Lock()
	status := vm.status
	count := vm.viewerCount
	vm.mu.Unlock()
	return Snapshot{
		Status:          status.String(),
		ConnectionState: vm.hubConn.State().String(),
		RoomID:          vm.roomID,
		ViewerCount:     count,
		MessageCount:    vm.chat.Len(),
		ActiveReactions: len(vm.reactions.Active()),
	}
}

// Mount wires the event handlers, connects the hub and joins the room. The
// screen is Joining as soon as Mount starts; it becomes Live only after the
// hub is connected and the first media track is bound, whichever completes
// last.
func (vm *ViewModel) Mount(ctx context.Context) error {
	vm.setStatus(StatusJoining)

	vm.hubConn.On("ReceiveMessage", vm.handleReceiveMessage)
	vm.hubConn.On("ListenerCountUpdated", vm.handleListenerCount)
	vm.hubConn.On("ReceiveReaction", vm.handleReceiveReaction)
	vm.hubConn.On("LivestreamEnded", func([]json.RawMessage) { vm.handleEnded() })
	vm.hubConn.On("JanusError", vm.handleJanusError)
	switch vm.role {
	case RoleViewer:
		vm.hubConn.On("JoinRoomResponse", func(args []json.RawMessage) { vm.handleJoinRoomResponse(ctx, args) })
	case RoleHost:
		vm.hubConn.On("PreviewStreamReady", func(args []json.RawMessage) { vm.handlePreviewReady(ctx, args) })
	}
	vm.hubConn.OnStateChange(vm.handleHubState)

	if err := vm.hubConn.Connect(ctx); err != nil {
		vm.setStatus(StatusError)
		return err
	}

	switch vm.role {
	case RoleViewer:
		if _, err := vm.hubConn.Invoke(ctx, "JoinAsListener", vm.roomID); err != nil {
			vm.fail("join room", err)
			return err
		}
	case RoleHost:
		if _, err := vm.hubConn.Invoke(ctx, "JoinAsHost", vm.roomID); err != nil {
			vm.fail("join room", err)
			return err
		}
		if _, err := vm.hubConn.Invoke(ctx, "RequestPreviewStream", vm.roomID); err != nil {
			vm.fail("request preview", err)
			return err
		}
	}
	return nil
}

// Unmount releases everything the screen owns, in order: media first, then
// hub handlers, then the connection. Safe regardless of current status and
// safe to call twice.
func (vm *ViewModel) Unmount() {
	vm.mu.Lock()
	if !vm.alive {
		vm.mu.Unlock()
		return
	}
	vm.alive = false
	vm.mu.Unlock()

	vm.neg.Teardown()
	vm.hubConn.ClearHandlers()
	vm.reactions.Close()
	_ = vm.hubConn.Disconnect()
}

// handleEnded reacts to the server terminating the session: stop media, clear
// handlers, then navigate. Chat and reaction history stay visible.
func (vm *ViewModel) handleEnded() {
	vm.mu.Lock()
	if !vm.alive {
		vm.mu.Unlock()
		return
	}
	vm.alive = false
	navigate := vm.navigate
	vm.mu.Unlock()

	vm.setStatus(StatusEnded)
	vm.neg.Teardown()
	vm.hubConn.ClearHandlers()
	_ = vm.hubConn.Disconnect()
	if navigate != nil {
		navigate()
	}
}

// fail tears the session down after an unrecoverable error.
func (vm *ViewModel) fail(stage string, err error) {
	vm.mu.Lock()
	if !vm.alive {
		vm.mu.Unlock()
		return
	}
	vm.alive = false
	vm.mu.Unlock()

	vm.log.Error("session failed", zap.String("stage", stage), zap.Error(err))
	vm.setStatus(StatusError)
	vm.neg.Teardown()
	vm.hubConn.ClearHandlers()
	_ = vm.hubConn.Disconnect()
}

func (vm *ViewModel) handleHubState(s hub.State) {
	switch s {
	case hub.Reconnecting:
		// Silent: the built-in policy retries without interrupting the UI.
		vm.log.Info("hub reconnecting", zap.String("room_id", vm.roomID))
	case hub.Closed:
		vm.mu.Lock()
		terminal := vm.alive && vm.status != StatusEnded
		vm.mu.Unlock()
		if terminal {
			vm.fail("hub closed", errs.ErrClosed)
		}
	}
}

func (vm *ViewModel) handleReceiveMessage(args []json.RawMessage) {
	vm.mu.Lock()
	dead := !vm.alive
	vm.mu.Unlock()
	if dead {
		// Racing event after unmount: never append to a dead screen.
		return
	}
	if len(args) < 2 {
		vm.log.Warn("ReceiveMessage with unexpected arity", zap.Int("args", len(args)))
		return
	}
	var senderID, text string
	if err := json.Unmarshal(args[0], &senderID); err != nil {
		vm.log.Warn("ReceiveMessage payload dropped", zap.Error(err))
		return
	}
	if err := json.Unmarshal(args[1], &text); err != nil {
		vm.log.Warn("ReceiveMessage payload dropped", zap.Error(err))
		return
	}
	vm.chat.Receive(senderID, text)
}

func (vm *ViewModel) handleListenerCount(args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var count int
	if err := json.Unmarshal(args[0], &count); err != nil {
		vm.log.Warn("ListenerCountUpdated payload dropped", zap.Error(err))
		return
	}
	vm.mu.Lock()
	if vm.alive {
		vm.viewerCount = count
	}
	vm.mu.Unlock()
}

func (vm *ViewModel) handleReceiveReaction(args []json.RawMessage) {
	vm.mu.Lock()
	dead := !vm.alive
	vm.mu.Unlock()
	if dead {
		return
	}
	if len(args) < 1 {
		return
	}
	var payload struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(args[0], &payload); err != nil {
		vm.log.Warn("ReceiveReaction payload dropped", zap.Error(err))
		return
	}
	vm.reactions.OnReceived(payload.ID)
}

func (vm *ViewModel) handleJanusError(args []json.RawMessage) {
	msg := "media relay error"
	if len(args) > 0 {
		var s string
		if json.Unmarshal(args[0], &s) == nil && s != "" {
			msg = s
		}
	}
	vm.fail("janus", fmt.Errorf("%s", msg))
}

// handleJoinRoomResponse runs the viewer negotiation: accept the pushed offer
// and send the answer back with the relay identifiers.
func (vm *ViewModel) handleJoinRoomResponse(ctx context.Context, args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var resp joinRoomResponse
	if err := json.Unmarshal(args[0], &resp); err != nil || resp.Jsep.SDP == "" {
		vm.log.Warn("JoinRoomResponse payload dropped", zap.Error(err))
		return
	}

	// Negotiation may only begin on a connected hub; the answer could not be
	// delivered otherwise.
	if vm.hubConn.State() != hub.Connected {
		vm.log.Warn("offer ignored, hub not connected", zap.String("room_id", vm.roomID))
		return
	}

	answer, err := vm.neg.AcceptOffer(ctx, resp.Jsep.SDP)
	if err != nil {
		vm.fail("accept offer", err)
		return
	}
	if _, err := vm.hubConn.Invoke(ctx, "SendAnswerToJanus", resp.RoomID, resp.SessionID, resp.HandleID, answer); err != nil {
		vm.fail("send answer", err)
		return
	}
	go vm.waitForLive(ctx)
}

// handlePreviewReady runs the host-side preview negotiation.
func (vm *ViewModel) handlePreviewReady(ctx context.Context, args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var resp previewStreamReady
	if err := json.Unmarshal(args[0], &resp); err != nil || resp.Jsep.SDP == "" {
		vm.log.Warn("PreviewStreamReady payload dropped", zap.Error(err))
		return
	}
	if vm.hubConn.State() != hub.Connected {
		vm.log.Warn("preview offer ignored, hub not connected", zap.String("room_id", vm.roomID))
		return
	}

	answer, err := vm.neg.AcceptOffer(ctx, resp.Jsep.SDP)
	if err != nil {
		vm.fail("accept preview offer", err)
		return
	}
	if _, err := vm.hubConn.Invoke(ctx, "SendPreviewAnswer", vm.roomID, answer); err != nil {
		vm.fail("send preview answer", err)
		return
	}
	go vm.waitForLive(ctx)
}

// waitForLive flips the screen to Live once the first track is bound, unless
// the session died first.
func (vm *ViewModel) waitForLive(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-vm.neg.FirstTrack():
	}
	vm.mu.Lock()
	live := vm.alive && vm.status == StatusJoining && vm.hubConn.State() == hub.Connected
	vm.mu.Unlock()
	if live {
		vm.setStatus(StatusLive)
	}
}

func (vm *ViewModel) setStatus(s Status) {
	vm.mu.Lock()
	if vm.status == s {
		vm.mu.Unlock()
		return
	}
	vm.status = s
	fn := vm.onStatus
	vm.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
