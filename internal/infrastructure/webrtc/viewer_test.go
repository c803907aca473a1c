package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pdfcast/internal/core/domain"
	"pdfcast/pkg/retry"
)

type recordingViewerSignaler struct {
	mu       sync.Mutex
	joined   []domain.StreamID
	answers  []domain.ConnID
	lastDesc webrtc.SessionDescription
}

func (r *recordingViewerSignaler) JoinStream(streamID domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, streamID)
	return nil
}

func (r *recordingViewerSignaler) SendAnswer(target domain.ConnID, streamID domain.StreamID, desc webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, target)
	r.lastDesc = desc
	return nil
}

func (r *recordingViewerSignaler) SendICECandidate(target domain.ConnID, streamID domain.StreamID, candidate webrtc.ICECandidateInit) error {
	return nil
}

type nullSink struct{}

func (nullSink) Attach(track *webrtc.TrackRemote) error { return nil }

func fastSinkRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond}
}

func newTestViewer(t *testing.T) (*Viewer, *recordingViewerSignaler) {
	t.Helper()
	signaler := &recordingViewerSignaler{}
	v := NewViewer(Config{}, signaler, nullSink{}, fastSinkRetry(), zap.NewNop().Sugar())
	t.Cleanup(func() { _ = v.Close() })
	return v, signaler
}

// hostOffer builds a real offer the way the broadcaster does, so the
// viewer's answer path runs against a valid remote description.
func hostOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()

	pc, err := newPeerConnection(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "host",
	)
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return offer
}

func TestViewerJoin(t *testing.T) {
	v, signaler := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	assert.Equal(t, ViewerConnecting, v.State())
	assert.Equal(t, []domain.StreamID{"demo"}, signaler.joined)

	assert.Error(t, v.Join(context.Background(), "demo"))
}

func TestViewerStreamAvailablePreparesLink(t *testing.T) {
	v, _ := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	require.NoError(t, v.HandleStreamAvailable("demo", "host-1"))
	assert.Equal(t, ViewerAwaitingOffer, v.State())
}

func TestViewerStreamAvailableForWrongStream(t *testing.T) {
	v, _ := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	assert.Error(t, v.HandleStreamAvailable("other", "host-1"))
}

func TestViewerAnswersOffer(t *testing.T) {
	v, signaler := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	require.NoError(t, v.HandleStreamAvailable("demo", "host-1"))

	require.NoError(t, v.HandleOffer("host-1", hostOffer(t)))

	require.Equal(t, []domain.ConnID{"host-1"}, signaler.answers)
	assert.Equal(t, webrtc.SDPTypeAnswer, signaler.lastDesc.Type)
	assert.NotEmpty(t, signaler.lastDesc.SDP)
}

func TestViewerRejectsOfferBeforeAvailable(t *testing.T) {
	v, _ := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	assert.Error(t, v.HandleOffer("host-1", hostOffer(t)))
}

func TestViewerRejectsOfferFromUnexpectedPeer(t *testing.T) {
	v, _ := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	require.NoError(t, v.HandleStreamAvailable("demo", "host-1"))

	assert.Error(t, v.HandleOffer("imposter", hostOffer(t)))
}

func TestViewerStreamNotFoundIsTerminal(t *testing.T) {
	v, _ := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "ghost"))
	v.HandleStreamNotFound("ghost")
	assert.Equal(t, ViewerFailed, v.State())

	// Terminal states stick, even through a later ended event.
	v.HandleStreamEnded("ghost")
	assert.Equal(t, ViewerFailed, v.State())
}

func TestViewerStreamEndedIsTerminal(t *testing.T) {
	v, _ := newTestViewer(t)

	require.NoError(t, v.Join(context.Background(), "demo"))
	require.NoError(t, v.HandleStreamAvailable("demo", "host-1"))

	v.HandleStreamEnded("demo")
	assert.Equal(t, ViewerEnded, v.State())

	// A late offer is ignored without error.
	assert.NoError(t, v.HandleOffer("host-1", hostOffer(t)))
	assert.Equal(t, ViewerEnded, v.State())
}

func TestViewerCandidateWithoutLink(t *testing.T) {
	v, _ := newTestViewer(t)
	err := v.HandleRemoteCandidate("host-1", webrtc.ICECandidateInit{})
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
}

func TestViewerCloseWithoutJoin(t *testing.T) {
	v, _ := newTestViewer(t)
	assert.NoError(t, v.Close())
	assert.Equal(t, ViewerEnded, v.State())
}

func TestViewerOnTerminalFiresOnce(t *testing.T) {
	v, _ := newTestViewer(t)

	fired := 0
	v.OnTerminal(func() { fired++ })

	require.NoError(t, v.Join(context.Background(), "demo"))
	v.HandleStreamNotFound("demo")
	assert.Equal(t, 1, fired)
	assert.Equal(t, ViewerFailed, v.State())

	// Later terminal events must not re-fire it.
	v.HandleStreamEnded("demo")
	require.NoError(t, v.Close())
	assert.Equal(t, 1, fired)
}

func TestViewerOnTerminalFiresOnStreamEnded(t *testing.T) {
	v, _ := newTestViewer(t)

	fired := 0
	v.OnTerminal(func() { fired++ })

	require.NoError(t, v.Join(context.Background(), "demo"))
	require.NoError(t, v.HandleStreamAvailable("demo", "host-1"))
	v.HandleStreamEnded("demo")

	assert.Equal(t, 1, fired)
	assert.Equal(t, ViewerEnded, v.State())
}

func TestViewerOnTerminalFiresOnClose(t *testing.T) {
	v, _ := newTestViewer(t)

	fired := 0
	v.OnTerminal(func() { fired++ })

	require.NoError(t, v.Close())
	assert.Equal(t, 1, fired)
}
