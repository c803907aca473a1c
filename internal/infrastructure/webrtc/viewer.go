package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/core/ports"
	"pdfcast/pkg/retry"
)

// ViewerState is the viewer session lifecycle. Ended and Failed are
// terminal; nothing transitions out of them, not even a late offer.
type ViewerState string

const (
	ViewerIdle          ViewerState = "idle"
	ViewerConnecting    ViewerState = "connecting"
	ViewerAwaitingOffer ViewerState = "awaiting-offer"
	ViewerAnswering     ViewerState = "answering"
	ViewerConnected     ViewerState = "connected"
	ViewerEnded         ViewerState = "ended"
	ViewerFailed        ViewerState = "failed"
)

func (s ViewerState) Terminal() bool {
	return s == ViewerEnded || s == ViewerFailed
}

// ViewerSignaler is what the viewer needs from the signaling connection.
// signal.Client satisfies it.
type ViewerSignaler interface {
	JoinStream(streamID domain.StreamID) error
	SendAnswer(target domain.ConnID, streamID domain.StreamID, desc webrtc.SessionDescription) error
	SendICECandidate(target domain.ConnID, streamID domain.StreamID, candidate webrtc.ICECandidateInit) error
}

// Viewer runs the watching side of a session: it joins by stream id,
// answers the host's offer and hands inbound tracks to a media sink.
type Viewer struct {
	cfg      Config
	signaler ViewerSignaler
	sink     ports.MediaSink

	streamID domain.StreamID
	hostID   domain.ConnID

	mu         sync.Mutex
	state      ViewerState
	link       *PeerLink
	onTerminal func()

	sinkRetry retry.Config

	logger *zap.SugaredLogger
}

func NewViewer(cfg Config, signaler ViewerSignaler, sink ports.MediaSink, sinkRetry retry.Config, logger *zap.SugaredLogger) *Viewer {
	return &Viewer{
		cfg:       cfg,
		signaler:  signaler,
		sink:      sink,
		state:     ViewerIdle,
		sinkRetry: sinkRetry,
		logger:    logger,
	}
}

// OnTerminal registers fn to run once, when the session first reaches a
// terminal state. Callers block on it to learn the session is over without
// polling State.
func (v *Viewer) OnTerminal(fn func()) {
	v.mu.Lock()
	v.onTerminal = fn
	v.mu.Unlock()
}

func (v *Viewer) State() ViewerState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// transition moves to next unless the current state is terminal. Returns
// whether the move happened.
func (v *Viewer) transition(next ViewerState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state.Terminal() {
		return false
	}
	v.state = next
	return true
}

// Join asks the server for the stream. The outcome arrives as either
// HandleStreamAvailable or HandleStreamNotFound.
func (v *Viewer) Join(ctx context.Context, streamID domain.StreamID) error {
	v.mu.Lock()
	if v.state != ViewerIdle {
		v.mu.Unlock()
		return fmt.Errorf("viewer already joined in state %s", v.state)
	}
	v.state = ViewerConnecting
	v.streamID = streamID
	v.mu.Unlock()

	return v.signaler.JoinStream(streamID)
}

// HandleStreamAvailable prepares the peer connection and waits for the
// host's offer.
func (v *Viewer) HandleStreamAvailable(streamID domain.StreamID, hostID domain.ConnID) error {
	v.mu.Lock()
	if v.streamID != streamID || v.state != ViewerConnecting {
		state := v.state
		v.mu.Unlock()
		return fmt.Errorf("unexpected stream-available in state %s", state)
	}
	v.hostID = hostID
	v.mu.Unlock()

	pc, err := newPeerConnection(v.cfg)
	if err != nil {
		v.fail("failed to create peer connection", err)
		return err
	}

	link := newPeerLink(hostID, pc)

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		v.logger.Infow("inbound track",
			"stream_id", streamID, "track_id", track.ID(), "codec", track.Codec().MimeType)
		go v.attachTrack(track)
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := v.signaler.SendICECandidate(hostID, streamID, candidate.ToJSON()); err != nil {
			v.logger.Warnw("failed to send ICE candidate", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.logger.Infow("host link state changed", "state", state)
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			link.setState(domain.LinkStateConnecting)
		case webrtc.PeerConnectionStateConnected:
			link.setState(domain.LinkStateConnected)
			v.transition(ViewerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			link.setState(domain.LinkStateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			link.setState(domain.LinkStateFailed)
			v.fail("peer connection failed", nil)
		}
	})

	v.mu.Lock()
	v.link = link
	v.state = ViewerAwaitingOffer
	v.mu.Unlock()
	return nil
}

// HandleStreamNotFound is terminal. The id was wrong or the broadcast is
// over; retrying the same id silently would only mask that.
func (v *Viewer) HandleStreamNotFound(streamID domain.StreamID) {
	v.logger.Warnw("stream not found", "stream_id", streamID)
	v.fail("stream not found", nil)
}

// HandleOffer answers the host offer and flushes buffered candidates.
func (v *Viewer) HandleOffer(from domain.ConnID, desc webrtc.SessionDescription) error {
	v.mu.Lock()
	link := v.link
	state := v.state
	v.mu.Unlock()

	if state.Terminal() {
		return nil
	}
	if link == nil || state != ViewerAwaitingOffer {
		return fmt.Errorf("unexpected offer in state %s", state)
	}
	if from != "" && from != link.Remote {
		return fmt.Errorf("offer from unexpected peer %s", from)
	}

	v.transition(ViewerAnswering)

	if err := link.SetRemoteDescription(desc); err != nil {
		v.fail("failed to apply offer", err)
		return err
	}

	answer, err := link.PC.CreateAnswer(nil)
	if err != nil {
		v.fail("failed to create answer", err)
		return err
	}
	if err := link.PC.SetLocalDescription(answer); err != nil {
		v.fail("failed to set local description", err)
		return err
	}

	v.logger.Infow("answer sent", "stream_id", v.streamID, "host", link.Remote)
	return v.signaler.SendAnswer(link.Remote, v.streamID, answer)
}

// HandleRemoteCandidate buffers or applies a host ICE candidate.
func (v *Viewer) HandleRemoteCandidate(from domain.ConnID, candidate webrtc.ICECandidateInit) error {
	v.mu.Lock()
	link := v.link
	v.mu.Unlock()
	if link == nil {
		return domain.ErrLinkNotFound
	}
	return link.AddICECandidate(candidate)
}

// HandleStreamEnded is unconditionally terminal, whatever state the
// handshake was in.
func (v *Viewer) HandleStreamEnded(streamID domain.StreamID) {
	v.logger.Infow("stream ended by host", "stream_id", streamID)
	v.mu.Lock()
	link := v.link
	v.link = nil
	var fn func()
	if !v.state.Terminal() {
		v.state = ViewerEnded
		fn = v.onTerminal
		v.onTerminal = nil
	}
	v.mu.Unlock()
	if link != nil {
		link.Close()
	}
	if fn != nil {
		fn()
	}
}

// attachTrack hands an inbound track to the sink, retrying briefly while
// the playback surface mounts.
func (v *Viewer) attachTrack(track *webrtc.TrackRemote) {
	err := retry.Do(context.Background(), v.sinkRetry, func() error {
		return v.sink.Attach(track)
	})
	if err != nil {
		v.logger.Errorw("failed to attach track to sink",
			"track_id", track.ID(), "error", err)
		return
	}
	v.logger.Infow("track attached", "track_id", track.ID())
}

func (v *Viewer) fail(reason string, err error) {
	v.mu.Lock()
	link := v.link
	v.link = nil
	var fn func()
	if !v.state.Terminal() {
		v.state = ViewerFailed
		fn = v.onTerminal
		v.onTerminal = nil
	}
	v.mu.Unlock()
	if link != nil {
		link.Close()
	}
	if err != nil {
		v.logger.Errorw("viewer session failed", "reason", reason, "error", err)
	} else {
		v.logger.Warnw("viewer session failed", "reason", reason)
	}
	if fn != nil {
		fn()
	}
}

// Close tears the session down locally without marking it failed.
func (v *Viewer) Close() error {
	v.mu.Lock()
	link := v.link
	v.link = nil
	var fn func()
	if !v.state.Terminal() {
		v.state = ViewerEnded
		fn = v.onTerminal
		v.onTerminal = nil
	}
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
	if link != nil {
		return link.Close()
	}
	return nil
}
