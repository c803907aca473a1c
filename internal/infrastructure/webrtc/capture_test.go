package webrtc

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSampleClockSourceVideoOnly(t *testing.T) {
	src := NewSampleClockSource(false, zap.NewNop().Sugar())
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	tracks := src.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.MimeTypeVP8, tracks[0].(*webrtc.TrackLocalStaticRTP).Codec().MimeType)
}

func TestSampleClockSourceWithAudio(t *testing.T) {
	src := NewSampleClockSource(true, zap.NewNop().Sugar())
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	tracks := src.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.MimeTypeOpus, tracks[1].(*webrtc.TrackLocalStaticRTP).Codec().MimeType)
}

func TestSampleClockSourceStartIsIdempotent(t *testing.T) {
	src := NewSampleClockSource(false, zap.NewNop().Sugar())
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	require.NoError(t, src.Start(context.Background()))
	assert.Len(t, src.Tracks(), 1)
}

func TestSampleClockSourceStopAndRestart(t *testing.T) {
	src := NewSampleClockSource(false, zap.NewNop().Sugar())

	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()
	assert.NotEmpty(t, src.Tracks())
}

func TestPeerLinkBuffersCandidatesUntilRemoteSet(t *testing.T) {
	pc, err := newPeerConnection(Config{})
	require.NoError(t, err)
	defer pc.Close()

	link := newPeerLink("host-1", pc)

	// Candidates before the remote description are buffered, not applied.
	require.NoError(t, link.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 UDP 2122252543 192.0.2.1 50000 typ host",
	}))

	require.NoError(t, link.SetRemoteDescription(hostOffer(t)))
	assert.Equal(t, webrtc.SDPTypeOffer, pc.RemoteDescription().Type)
}
