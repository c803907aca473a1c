package webrtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"pdfcast/internal/core/domain"
)

// Config holds the ICE parameters shared by both session controllers.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	// Mirror pion's package-level NewPeerConnection defaults: NewAPI alone
	// starts with an empty MediaEngine, and AddTrack fails with no codecs.
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return api.NewPeerConnection(config)
}

// PeerLink is one peer connection to a remote party, with the candidate
// buffering both controllers need: candidates can arrive over signaling
// before the remote description is set, and pion rejects them if added
// early. Buffered candidates are flushed once, in arrival order.
type PeerLink struct {
	Remote domain.ConnID
	PC     *webrtc.PeerConnection

	mu        sync.Mutex
	state     domain.LinkState
	remoteSet bool
	buffered  []webrtc.ICECandidateInit
	createdAt time.Time
}

func newPeerLink(remote domain.ConnID, pc *webrtc.PeerConnection) *PeerLink {
	return &PeerLink{
		Remote:    remote,
		PC:        pc,
		state:     domain.LinkStateNew,
		createdAt: time.Now(),
	}
}

func (l *PeerLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) setState(state domain.LinkState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// SetRemoteDescription applies the description and flushes any candidates
// that arrived before it.
func (l *PeerLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.PC.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.buffered
	l.buffered = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.PC.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to add buffered ICE candidate: %w", err)
		}
	}
	return nil
}

// AddICECandidate applies the candidate now or buffers it until the remote
// description lands.
func (l *PeerLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.buffered = append(l.buffered, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.PC.AddICECandidate(candidate)
}

func (l *PeerLink) Close() error {
	l.setState(domain.LinkStateClosed)
	return l.PC.Close()
}
