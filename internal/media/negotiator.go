// Package media wraps the WebRTC answerer side of a livestream session: a
// server-pushed SDP offer in, a local answer out, inbound tracks bound to a
// single video sink, and deterministic teardown.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/bellecare/streamclient/internal/errs"
)

// trackBinding is one inbound track owned by the negotiator until Teardown.
type trackBinding struct {
	streamID string
	stop     func() error
}

// Negotiator owns one peer connection per session. The peer connection and
// its tracks are exclusively owned here; no two sessions share one.
type Negotiator struct {
	log *zap.Logger
	cfg webrtc.Configuration

	mu         sync.Mutex
	sink       VideoSink
	pc         *webrtc.PeerConnection
	tracks     []trackBinding
	gen        int // negotiation generation; a teardown invalidates in-flight callbacks
	firstTrack chan struct{}
	trackOnce  sync.Once
}

// NewNegotiator creates a negotiator with a fixed ICE configuration and the
// session's one video sink.
func NewNegotiator(log *zap.Logger, iceURLs []string, sink VideoSink) *Negotiator {
	iceServers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, u := range iceURLs {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if sink == nil {
		sink = NullSink{}
	}
	return &Negotiator{
		log:        log,
		cfg:        webrtc.Configuration{ICEServers: iceServers},
		sink:       sink,
		firstTrack: make(chan struct{}),
	}
}

// AcceptOffer sets the remote offer, creates and applies the local answer and
// returns its SDP for delivery over the hub. Inbound tracks arrive later via
// the track callback; wait on FirstTrack for the stream to become playable.
// Malformed SDP surfaces as a NegotiationError, never as a panic or an
// unhandled rejection.
func (n *Negotiator) AcceptOffer(ctx context.Context, remoteSDP string) (string, error) {
	n.mu.Lock()
	if n.pc != nil {
		n.mu.Unlock()
		return "", &errs.NegotiationError{Stage: "set_remote", Err: errs.ErrTornDown}
	}
	gen := n.gen
	n.firstTrack = make(chan struct{})
	n.trackOnce = sync.Once{}
	n.mu.Unlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return "", &errs.NegotiationError{Stage: "set_remote", Err: err}
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(n.cfg)
	if err != nil {
		return "", &errs.NegotiationError{Stage: "set_remote", Err: err}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.handleTrack(gen, track.StreamID(), receiver.Stop)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return "", &errs.NegotiationError{Stage: "set_remote", Err: err}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", &errs.NegotiationError{Stage: "create_answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", &errs.NegotiationError{Stage: "set_local", Err: err}
	}

	n.mu.Lock()
	if n.gen != gen {
		// Teardown raced the handshake; the session ended while the answer
		// was being built. Discard it.
		n.mu.Unlock()
		_ = pc.Close()
		return "", &errs.NegotiationError{Stage: "set_local", Err: errs.ErrTornDown}
	}
	n.pc = pc
	n.mu.Unlock()

	return answer.SDP, nil
}

// handleTrack binds an inbound track unless the negotiation it belongs to has
// been torn down in the meantime.
func (n *Negotiator) handleTrack(gen int, streamID string, stop func() error) {
	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		// Late arrival from a torn-down negotiation: stop it, never bind it.
		if stop != nil {
			_ = stop()
		}
		return
	}
	n.tracks = append(n.tracks, trackBinding{streamID: streamID, stop: stop})
	sink := n.sink
	n.mu.Unlock()

	sink.Bind(streamID)
	n.trackOnce.Do(func() { close(n.firstTrack) })
	n.log.Debug("inbound track bound", zap.String("stream_id", streamID))
}

// FirstTrack is closed once the first inbound track is bound.
func (n *Negotiator) FirstTrack() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.firstTrack
}

// TrackCount returns the number of currently bound inbound tracks.
func (n *Negotiator) TrackCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tracks)
}

// Teardown stops every bound track, clears the sink and closes the peer
// connection. Idempotent; must run before any re-negotiation and on session
// end. Skipping it leaks decoder and capture resources.
func (n *Negotiator) Teardown() {
	n.mu.Lock()
	n.gen++
	tracks := n.tracks
	n.tracks = nil
	pc := n.pc
	n.pc = nil
	sink := n.sink
	n.mu.Unlock()

	for _, t := range tracks {
		if t.stop != nil {
			if err := t.stop(); err != nil {
				n.log.Debug("stopping track", zap.String("stream_id", t.streamID), zap.Error(err))
			}
		}
	}
	sink.Clear()
	if pc != nil {
		_ = pc.Close()
	}
}
