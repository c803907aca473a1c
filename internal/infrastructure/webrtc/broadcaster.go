package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/core/ports"
)

// BroadcastState is the host session lifecycle. Transitions only move
// forward until Stopped; a new session needs a new Start after the restart
// grace period.
type BroadcastState string

const (
	BroadcastIdle             BroadcastState = "idle"
	BroadcastCaptureRequested BroadcastState = "capture-requested"
	BroadcastCaptureReady     BroadcastState = "capture-ready"
	BroadcastRegistered       BroadcastState = "registered"
	BroadcastActive           BroadcastState = "active"
	BroadcastStopped          BroadcastState = "stopped"
)

// HostSignaler is what the broadcaster needs from the signaling connection.
// signal.Client satisfies it.
type HostSignaler interface {
	StartStream(streamID domain.StreamID, hostToken string) error
	StopStream(streamID domain.StreamID) error
	SendOffer(target domain.ConnID, streamID domain.StreamID, desc webrtc.SessionDescription) error
	SendICECandidate(target domain.ConnID, streamID domain.StreamID, candidate webrtc.ICECandidateInit) error
}

// Broadcaster runs the host side of a session: one peer link per viewer,
// offers initiated by us, viewers who arrive before capture is ready parked
// in a queue and served in order once it is.
type Broadcaster struct {
	cfg      Config
	signaler HostSignaler
	capture  ports.CaptureSource

	streamID  domain.StreamID
	hostToken string

	mu               sync.Mutex
	state            BroadcastState
	captureReady     bool
	registrationSent bool
	stoppedAt        time.Time

	links   map[domain.ConnID]*PeerLink
	linksMu sync.RWMutex

	pending *pendingViewerQueue

	gracePeriod time.Duration

	logger *zap.SugaredLogger
}

func NewBroadcaster(cfg Config, signaler HostSignaler, capture ports.CaptureSource, gracePeriod time.Duration, logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		cfg:         cfg,
		signaler:    signaler,
		capture:     capture,
		state:       BroadcastIdle,
		links:       make(map[domain.ConnID]*PeerLink),
		pending:     newPendingViewerQueue(),
		gracePeriod: gracePeriod,
		logger:      logger,
	}
}

func (b *Broadcaster) State() BroadcastState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CaptureReady reports synchronously whether capture tracks exist. Viewer
// arrivals consult this before deciding between offer-now and enqueue.
func (b *Broadcaster) CaptureReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captureReady
}

// Start acquires capture and registers the stream id with the server.
// Registration completes asynchronously; HandleStreamStarted confirms it.
func (b *Broadcaster) Start(ctx context.Context, streamID domain.StreamID) error {
	b.mu.Lock()
	switch b.state {
	case BroadcastIdle:
	case BroadcastStopped:
		if remaining := b.gracePeriod - time.Since(b.stoppedAt); remaining > 0 {
			b.mu.Unlock()
			return fmt.Errorf("restart too soon, retry in %s", remaining.Round(time.Millisecond))
		}
	default:
		b.mu.Unlock()
		return fmt.Errorf("broadcast already running in state %s", b.state)
	}
	b.state = BroadcastCaptureRequested
	b.streamID = streamID
	b.mu.Unlock()

	if err := b.capture.Start(ctx); err != nil {
		b.mu.Lock()
		b.state = BroadcastIdle
		b.mu.Unlock()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	// The platform can end capture behind our back (sharing revoked);
	// that is a stop, not an error.
	b.capture.OnEnded(func() {
		b.logger.Infow("capture ended by platform", "stream_id", streamID)
		if err := b.Stop(context.Background()); err != nil {
			b.logger.Warnw("stop after capture end failed", "error", err)
		}
	})

	b.mu.Lock()
	b.state = BroadcastCaptureReady
	b.captureReady = true
	// Once start-stream is on the wire the server may hold a registration
	// even before the ack arrives, so a stop must emit stop-stream.
	b.registrationSent = true
	hostToken := b.hostToken
	b.mu.Unlock()

	if err := b.signaler.StartStream(streamID, hostToken); err != nil {
		return fmt.Errorf("failed to register stream: %w", err)
	}
	return nil
}

// HandleStreamStarted is the registration ack. The token authorizes host
// re-registration after a restart. Queued viewers are served now, in
// arrival order.
func (b *Broadcaster) HandleStreamStarted(streamID domain.StreamID, hostToken string) {
	b.mu.Lock()
	if b.streamID != streamID {
		b.mu.Unlock()
		b.logger.Warnw("stream-started for unexpected stream", "stream_id", streamID)
		return
	}
	b.hostToken = hostToken
	if b.state == BroadcastCaptureReady {
		b.state = BroadcastRegistered
	}
	b.mu.Unlock()

	b.logger.Infow("stream registered", "stream_id", streamID)

	for _, viewer := range b.pending.Drain() {
		if err := b.offerTo(viewer); err != nil {
			b.logger.Warnw("failed to offer queued viewer",
				"viewer", viewer, "error", err)
		}
	}
}

// HandleStreamError surfaces a registration rejection.
func (b *Broadcaster) HandleStreamError(message string) {
	b.mu.Lock()
	streamID := b.streamID
	b.mu.Unlock()
	b.logger.Errorw("stream registration rejected", "stream_id", streamID, "message", message)
}

// HostToken returns the token from the last successful registration.
func (b *Broadcaster) HostToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hostToken
}

// HandleViewerJoined creates a peer link and sends an offer, or parks the
// viewer if capture is not ready yet.
func (b *Broadcaster) HandleViewerJoined(viewerID domain.ConnID) {
	if !b.CaptureReady() {
		b.pending.Enqueue(viewerID)
		b.logger.Infow("viewer queued until capture ready",
			"viewer", viewerID, "queued", b.pending.Len())
		return
	}
	if err := b.offerTo(viewerID); err != nil {
		b.logger.Warnw("failed to offer viewer", "viewer", viewerID, "error", err)
	}
}

func (b *Broadcaster) offerTo(viewerID domain.ConnID) error {
	b.mu.Lock()
	streamID := b.streamID
	b.mu.Unlock()

	b.linksMu.Lock()
	if old, exists := b.links[viewerID]; exists {
		// A rejoin replaces the old link.
		old.Close()
		delete(b.links, viewerID)
	}
	b.linksMu.Unlock()

	pc, err := newPeerConnection(b.cfg)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	link := newPeerLink(viewerID, pc)

	for _, track := range b.capture.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return fmt.Errorf("failed to add track: %w", err)
		}
		go b.readRTCP(viewerID, sender)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := b.signaler.SendICECandidate(viewerID, streamID, candidate.ToJSON()); err != nil {
			b.logger.Warnw("failed to send ICE candidate", "viewer", viewerID, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Infow("viewer link state changed", "viewer", viewerID, "state", state)
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			link.setState(domain.LinkStateConnecting)
		case webrtc.PeerConnectionStateConnected:
			link.setState(domain.LinkStateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			link.setState(domain.LinkStateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			link.setState(domain.LinkStateFailed)
			b.RemoveViewer(viewerID)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	b.linksMu.Lock()
	b.links[viewerID] = link
	b.linksMu.Unlock()

	b.mu.Lock()
	if b.state == BroadcastRegistered {
		b.state = BroadcastActive
	}
	b.mu.Unlock()

	b.logger.Infow("offer sent", "viewer", viewerID, "stream_id", streamID)
	return b.signaler.SendOffer(viewerID, streamID, offer)
}

// readRTCP answers PLI keyframe requests from a viewer. Each per-viewer
// link has its own senders, so one viewer's loss never touches another's
// connection.
func (b *Broadcaster) readRTCP(viewerID domain.ConnID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok {
				b.logger.Debugw("PLI received, forcing keyframe", "viewer", viewerID)
				b.capture.ForceKeyframe()
			}
		}
	}
}

// HandleAnswer completes the handshake with one viewer.
func (b *Broadcaster) HandleAnswer(viewerID domain.ConnID, desc webrtc.SessionDescription) error {
	b.linksMu.RLock()
	link, exists := b.links[viewerID]
	b.linksMu.RUnlock()
	if !exists {
		return domain.ErrLinkNotFound
	}
	return link.SetRemoteDescription(desc)
}

// HandleRemoteCandidate routes a viewer's ICE candidate to its link.
func (b *Broadcaster) HandleRemoteCandidate(viewerID domain.ConnID, candidate webrtc.ICECandidateInit) error {
	b.linksMu.RLock()
	link, exists := b.links[viewerID]
	b.linksMu.RUnlock()
	if !exists {
		return domain.ErrLinkNotFound
	}
	return link.AddICECandidate(candidate)
}

// RemoveViewer tears down one viewer's link. Other links are untouched.
func (b *Broadcaster) RemoveViewer(viewerID domain.ConnID) {
	b.pending.Remove(viewerID)

	b.linksMu.Lock()
	link, exists := b.links[viewerID]
	delete(b.links, viewerID)
	b.linksMu.Unlock()

	if exists {
		link.Close()
		b.logger.Infow("viewer link closed", "viewer", viewerID)
	}
}

// ViewerCount reports live peer links.
func (b *Broadcaster) ViewerCount() int {
	b.linksMu.RLock()
	defer b.linksMu.RUnlock()
	return len(b.links)
}

// Stop ends the session: one stop-stream emission, all links closed,
// capture released. Calling it again is a no-op.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == BroadcastStopped {
		b.mu.Unlock()
		return nil
	}
	if b.state == BroadcastIdle {
		b.mu.Unlock()
		return domain.ErrAlreadyStopped
	}
	registered := b.registrationSent
	b.registrationSent = false
	b.state = BroadcastStopped
	b.captureReady = false
	b.stoppedAt = time.Now()
	streamID := b.streamID
	b.mu.Unlock()

	if registered {
		if err := b.signaler.StopStream(streamID); err != nil {
			b.logger.Warnw("failed to send stop-stream", "stream_id", streamID, "error", err)
		}
	}

	b.linksMu.Lock()
	links := b.links
	b.links = make(map[domain.ConnID]*PeerLink)
	b.linksMu.Unlock()

	for viewerID, link := range links {
		if err := link.Close(); err != nil {
			b.logger.Warnw("failed to close viewer link", "viewer", viewerID, "error", err)
		}
	}
	b.pending.Drain()

	if err := b.capture.Stop(); err != nil {
		b.logger.Warnw("failed to stop capture", "stream_id", streamID, "error", err)
	}

	b.logger.Infow("broadcast stopped", "stream_id", streamID, "viewers_closed", len(links))
	return nil
}
