package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pdfcast/internal/core/ports"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
	frameInterval  = time.Second / 30
	audioInterval  = 20 * time.Millisecond
)

// SampleClockSource is a capture source that generates a timed test
// pattern: VP8-framed RTP on the video track and silent Opus on the audio
// track. It exists to exercise the full broadcast pipeline where real
// display capture is unavailable.
//
// Audio is best-effort: if the audio track cannot be created the source
// runs video-only rather than refusing to start.
type SampleClockSource struct {
	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	withAudio bool

	keyframe atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	onEnded func()

	logger *zap.SugaredLogger
}

func NewSampleClockSource(withAudio bool, logger *zap.SugaredLogger) *SampleClockSource {
	return &SampleClockSource{
		withAudio: withAudio,
		logger:    logger,
	}
}

func (s *SampleClockSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate},
		"video", "pdfcast-capture",
	)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	s.video = video

	if s.withAudio {
		audio, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2},
			"audio", "pdfcast-capture",
		)
		if err != nil {
			// Degrade to video-only, matching how a denied microphone
			// behaves on a real platform.
			s.logger.Warnw("audio track unavailable, continuing video-only", "error", err)
		} else {
			s.audio = audio
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	// The first frame of a stream must be independently decodable.
	s.keyframe.Store(true)

	go s.writeVideo(runCtx)
	if s.audio != nil {
		go s.writeAudio(runCtx)
	}
	return nil
}

func (s *SampleClockSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.started = false
	return nil
}

func (s *SampleClockSource) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := make([]webrtc.TrackLocal, 0, 2)
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

func (s *SampleClockSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *SampleClockSource) ForceKeyframe() {
	s.keyframe.Store(true)
}

func (s *SampleClockSource) ended() {
	s.mu.Lock()
	fn := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *SampleClockSource) writeVideo(ctx context.Context) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	seq := uint16(rand.Uint32())
	timestamp := rand.Uint32()
	ssrc := rand.Uint32()
	payload := make([]byte, 1200)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keyframe := s.keyframe.Swap(false)

			// One frame per packet. Byte 0 is the VP8 payload
			// descriptor (S bit set, start of partition); byte 1
			// carries the frame header P bit, 0 for keyframes.
			payload[0] = 0x10
			if keyframe {
				payload[1] = 0x00
			} else {
				payload[1] = 0x01
			}
			for i := 2; i < len(payload); i++ {
				payload[i] = byte(i + int(seq))
			}

			packet := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         true,
					PayloadType:    96,
					SequenceNumber: seq,
					Timestamp:      timestamp,
					SSRC:           ssrc,
				},
				Payload: payload,
			}
			if err := s.video.WriteRTP(packet); err != nil {
				s.logger.Warnw("video write failed, ending capture", "error", err)
				s.Stop()
				s.ended()
				return
			}
			seq++
			timestamp += videoClockRate / 30
		}
	}
}

func (s *SampleClockSource) writeAudio(ctx context.Context) {
	ticker := time.NewTicker(audioInterval)
	defer ticker.Stop()

	seq := uint16(rand.Uint32())
	timestamp := rand.Uint32()
	ssrc := rand.Uint32()
	// Opus silence frame.
	silence := []byte{0xf8, 0xff, 0xfe}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			packet := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    111,
					SequenceNumber: seq,
					Timestamp:      timestamp,
					SSRC:           ssrc,
				},
				Payload: silence,
			}
			if err := s.audio.WriteRTP(packet); err != nil {
				s.logger.Warnw("audio write failed, dropping audio", "error", err)
				return
			}
			seq++
			timestamp += uint32(audioClockRate / 50)
		}
	}
}

var _ ports.CaptureSource = (*SampleClockSource)(nil)
