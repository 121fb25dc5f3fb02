package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bellecare/streamclient/internal/chat"
	"github.com/bellecare/streamclient/internal/errs"
	"github.com/bellecare/streamclient/internal/hub"
	"github.com/bellecare/streamclient/internal/reaction"
)

// fakeHub records invocations and lets tests emit server events.
type fakeHub struct {
	mu         sync.Mutex
	state      hub.State
	handlers   map[string]hub.Handler
	onState    func(hub.State)
	invoked    [][]interface{}
	invokeErr  map[string]error
	connectErr error
	ops        *[]string // shared teardown-order log
}

func newFakeHub(ops *[]string) *fakeHub {
	return &fakeHub{
		state:     hub.Disconnected,
		handlers:  make(map[string]hub.Handler),
		invokeErr: make(map[string]error),
		ops:       ops,
	}
}

func (f *fakeHub) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.state = hub.Connected
	f.mu.Unlock()
	return nil
}

func (f *fakeHub) On(event string, h hub.Handler) {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
}

func (f *fakeHub) ClearHandlers() {
	f.mu.Lock()
	f.handlers = make(map[string]hub.Handler)
	if f.ops != nil {
		*f.ops = append(*f.ops, "clear_handlers")
	}
	f.mu.Unlock()
}

func (f *fakeHub) Invoke(_ context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != hub.Connected {
		return nil, &errs.InvocationError{Method: method, Err: errs.ErrNotConnected}
	}
	if err := f.invokeErr[method]; err != nil {
		return nil, err
	}
	call := append([]interface{}{method}, args...)
	f.invoked = append(f.invoked, call)
	return nil, nil
}

func (f *fakeHub) Disconnect() error {
	f.mu.Lock()
	f.state = hub.Closed
	if f.ops != nil {
		*f.ops = append(*f.ops, "disconnect")
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeHub) OnStateChange(fn func(hub.State)) { f.onState = fn }

func (f *fakeHub) State() hub.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// emit fires a registered event handler the way the hub read pump would.
func (f *fakeHub) emit(t *testing.T, event string, args ...interface{}) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		return
	}
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		raw = append(raw, json.RawMessage(b))
	}
	h(raw)
}

func (f *fakeHub) invokedMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.invoked))
	for _, call := range f.invoked {
		out = append(out, call[0].(string))
	}
	return out
}

// fakeNegotiator stands in for the pion wrapper.
type fakeNegotiator struct {
	mu         sync.Mutex
	acceptErr  error
	accepted   []string
	firstTrack chan struct{}
	ops        *[]string
}

func newFakeNegotiator(ops *[]string) *fakeNegotiator {
	return &fakeNegotiator{firstTrack: make(chan struct{}), ops: ops}
}

func (f *fakeNegotiator) AcceptOffer(_ context.Context, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return "", f.acceptErr
	}
	f.accepted = append(f.accepted, sdp)
	return "answer-sdp", nil
}

func (f *fakeNegotiator) FirstTrack() <-chan struct{} { return f.firstTrack }

func (f *fakeNegotiator) bindTrack() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.firstTrack:
	default:
		close(f.firstTrack)
	}
}

func (f *fakeNegotiator) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ops != nil {
		*f.ops = append(*f.ops, "teardown")
	}
}

func newTestVM(t *testing.T, role Role) (*ViewModel, *fakeHub, *fakeNegotiator, *[]string) {
	t.Helper()
	ops := &[]string{}
	fh := newFakeHub(ops)
	fn := newFakeNegotiator(ops)
	log := zaptest.NewLogger(t)
	chatStream := chat.NewStream(log, fh, "room-1", "me")
	reactionStream := reaction.NewStream(log, fh, "room-1")
	vm := New(log, fh, fn, chatStream, reactionStream, "room-1", role)
	return vm, fh, fn, ops
}

func waitForStatus(t *testing.T, vm *ViewModel, want Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return vm.Status() == want
	}, 2*time.Second, 5*time.Millisecond, "expected status %s, got %s", want, vm.Status())
}

func TestMount_viewerJoinFlow(t *testing.T) {
	vm, fh, fn, _ := newTestVM(t, RoleViewer)

	require.NoError(t, vm.Mount(context.Background()))
	assert.Equal(t, StatusJoining, vm.Status(), "joining immediately on mount")
	assert.Equal(t, []string{"JoinAsListener"}, fh.invokedMethods())

	// Server pushes the offer; the answer goes back with the relay ids.
	fh.emit(t, "JoinRoomResponse", map[string]interface{}{
		"jsep":      map[string]string{"type": "offer", "sdp": "remote-offer"},
		"roomId":    12345,
		"sessionId": 67890,
		"handleId":  111,
	})

	assert.Eventually(t, func() bool {
		methods := fh.invokedMethods()
		return len(methods) == 2 && methods[1] == "SendAnswerToJanus"
	}, 2*time.Second, 5*time.Millisecond)

	// Hub is connected but no track yet: still joining.
	assert.Equal(t, StatusJoining, vm.Status())

	fn.bindTrack()
	waitForStatus(t, vm, StatusLive)
}

func TestMount_hostPreviewFlow(t *testing.T) {
	vm, fh, fn, _ := newTestVM(t, RoleHost)

	require.NoError(t, vm.Mount(context.Background()))
	assert.Equal(t, []string{"JoinAsHost", "RequestPreviewStream"}, fh.invokedMethods())

	fh.emit(t, "PreviewStreamReady", map[string]interface{}{
		"roomId": "room-1",
		"jsep":   map[string]string{"type": "offer", "sdp": "preview-offer"},
	})

	assert.Eventually(t, func() bool {
		methods := fh.invokedMethods()
		return len(methods) == 3 && methods[2] == "SendPreviewAnswer"
	}, 2*time.Second, 5*time.Millisecond)

	fn.bindTrack()
	waitForStatus(t, vm, StatusLive)
}

func TestListenerCountUpdated(t *testing.T) {
	vm, fh, _, _ := newTestVM(t, RoleViewer)
	require.NoError(t, vm.Mount(context.Background()))

	fh.emit(t, "ListenerCountUpdated", 7)
	assert.Equal(t, 7, vm.ViewerCount())

	// Chat and reaction traffic does not disturb the count.
	fh.emit(t, "ReceiveMessage", "u1", "hello")
	fh.emit(t, "ReceiveReaction", map[string]int{"id": 1})
	assert.Equal(t, 7, vm.ViewerCount())
	assert.Equal(t, 1, vm.Chat().Len())
	assert.Len(t, vm.Reactions().Active(), 1)

	fh.emit(t, "ListenerCountUpdated", 3)
	assert.Equal(t, 3, vm.ViewerCount())
}

func TestLivestreamEnded_teardownOrder(t *testing.T) {
	vm, fh, _, ops := newTestVM(t, RoleViewer)
	require.NoError(t, vm.Mount(context.Background()))

	navigated := false
	vm.OnSessionEnd(func() { navigated = true })

	fh.emit(t, "ReceiveMessage", "u1", "before end")
	fh.emit(t, "LivestreamEnded")

	assert.Equal(t, StatusEnded, vm.Status())
	assert.Equal(t, []string{"teardown", "clear_handlers", "disconnect"}, *ops,
		"teardown order is media, then handlers, then connection")
	assert.True(t, navigated)

	// History stays visible after the session ends.
	assert.Equal(t, 1, vm.Chat().Len())

	// A message racing in after the end is never appended.
	fh.emit(t, "ReceiveMessage", "u1", "too late")
	assert.Equal(t, 1, vm.Chat().Len())
}

func TestUnmount(t *testing.T) {
	t.Run("orders teardown and is idempotent", func(t *testing.T) {
		vm, _, _, ops := newTestVM(t, RoleViewer)
		require.NoError(t, vm.Mount(context.Background()))

		vm.Unmount()
		assert.Equal(t, []string{"teardown", "clear_handlers", "disconnect"}, *ops)

		vm.Unmount()
		assert.Equal(t, []string{"teardown", "clear_handlers", "disconnect"}, *ops,
			"second unmount must be a no-op")
	})

	t.Run("safe regardless of status", func(t *testing.T) {
		vm, _, _, ops := newTestVM(t, RoleViewer)
		// Never mounted: still safe.
		vm.Unmount()
		assert.Equal(t, []string{"teardown", "clear_handlers", "disconnect"}, *ops)
	})
}

func TestJoinRoomResponse_guards(t *testing.T) {
	t.Run("offer ignored when hub not connected", func(t *testing.T) {
		vm, fh, fn, _ := newTestVM(t, RoleViewer)
		require.NoError(t, vm.Mount(context.Background()))

		fh.mu.Lock()
		fh.state = hub.Reconnecting
		fh.mu.Unlock()

		fh.emit(t, "JoinRoomResponse", map[string]interface{}{
			"jsep": map[string]string{"type": "offer", "sdp": "remote-offer"},
		})

		time.Sleep(20 * time.Millisecond)
		fn.mu.Lock()
		accepted := len(fn.accepted)
		fn.mu.Unlock()
		assert.Zero(t, accepted, "negotiation must not begin unless connected")
	})

	t.Run("malformed payload dropped", func(t *testing.T) {
		vm, fh, fn, _ := newTestVM(t, RoleViewer)
		require.NoError(t, vm.Mount(context.Background()))

		assert.NotPanics(t, func() {
			fh.emit(t, "JoinRoomResponse", "not an object")
			fh.emit(t, "JoinRoomResponse", map[string]interface{}{"jsep": map[string]string{"sdp": ""}})
		})
		fn.mu.Lock()
		accepted := len(fn.accepted)
		fn.mu.Unlock()
		assert.Zero(t, accepted)
		assert.Equal(t, StatusJoining, vm.Status(), "a dropped payload is not an error")
	})
}

func TestNegotiationFailure_tearsDown(t *testing.T) {
	vm, fh, fn, ops := newTestVM(t, RoleViewer)
	require.NoError(t, vm.Mount(context.Background()))

	fn.mu.Lock()
	fn.acceptErr = &errs.NegotiationError{Stage: "set_remote", Err: errors.New("bad sdp")}
	fn.mu.Unlock()

	fh.emit(t, "JoinRoomResponse", map[string]interface{}{
		"jsep": map[string]string{"type": "offer", "sdp": "remote-offer"},
	})

	waitForStatus(t, vm, StatusError)
	assert.Contains(t, *ops, "teardown", "a failed negotiation leaves no media resources behind")
}

func TestJanusError_failsSession(t *testing.T) {
	vm, fh, _, _ := newTestVM(t, RoleViewer)
	require.NoError(t, vm.Mount(context.Background()))

	fh.emit(t, "JanusError", "relay exploded")
	waitForStatus(t, vm, StatusError)
}

func TestMount_connectFailure(t *testing.T) {
	ops := &[]string{}
	fh := newFakeHub(ops)
	fh.connectErr = &errs.ConnectionError{URL: "x", Err: errors.New("refused")}
	fn := newFakeNegotiator(ops)
	log := zaptest.NewLogger(t)
	vm := New(log, fh, fn, chat.NewStream(log, fh, "room-1", "me"),
		reaction.NewStream(log, fh, "room-1"), "room-1", RoleViewer)

	err := vm.Mount(context.Background())
	require.Error(t, err)
	var connErr *errs.ConnectionError
	assert.True(t, errors.As(err, &connErr))
	assert.Equal(t, StatusError, vm.Status())
}

func TestSnapshot(t *testing.T) {
	vm, fh, _, _ := newTestVM(t, RoleViewer)
	require.NoError(t, vm.Mount(context.Background()))

	fh.emit(t, "ListenerCountUpdated", 4)
	fh.emit(t, "ReceiveMessage", "u1", "hi")
	fh.emit(t, "ReceiveReaction", map[string]int{"id": 2})

	snap := vm.Snapshot()
	assert.Equal(t, "joining", snap.Status)
	assert.Equal(t, "connected", snap.ConnectionState)
	assert.Equal(t, "room-1", snap.RoomID)
	assert.Equal(t, 4, snap.ViewerCount)
	assert.Equal(t, 1, snap.MessageCount)
	assert.Equal(t, 1, snap.ActiveReactions)
}
