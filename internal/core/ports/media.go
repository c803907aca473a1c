package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// CaptureSource abstracts the local capture stream the broadcaster shares.
// Platform capture (display, system audio, microphone) lives behind this
// interface; the signaling and peer-link logic never touches it directly.
//
// The same track instances are attached to every peer link, so stopping the
// source ends outbound media on all links at once.
type CaptureSource interface {
	// Start begins producing media. Returns an error if the underlying
	// device/permission acquisition fails.
	Start(ctx context.Context) error

	// Stop ends capture and releases tracks. Idempotent.
	Stop() error

	// Tracks returns the local tracks to attach to peer connections. Only
	// valid after Start has returned successfully.
	Tracks() []webrtc.TrackLocal

	// OnEnded registers a callback fired when the platform ends the capture
	// out from under us (user revokes sharing). Fired at most once.
	OnEnded(fn func())

	// ForceKeyframe requests an immediate keyframe, used to answer PLI
	// feedback from viewers. Implementations may treat it as a hint.
	ForceKeyframe()
}

// MediaSink is where a viewer renders inbound media. Attach may fail while
// the playback surface is still mounting; callers retry briefly.
type MediaSink interface {
	Attach(track *webrtc.TrackRemote) error
}
