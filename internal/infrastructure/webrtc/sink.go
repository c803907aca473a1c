package webrtc

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pdfcast/internal/core/ports"
)

// PacketLogSink consumes inbound tracks and logs throughput. It stands in
// for a real playback surface; the read loop it runs is the same one a
// renderer would need to keep RTCP feedback flowing.
type PacketLogSink struct {
	logger *zap.SugaredLogger
}

func NewPacketLogSink(logger *zap.SugaredLogger) *PacketLogSink {
	return &PacketLogSink{logger: logger}
}

func (s *PacketLogSink) Attach(track *webrtc.TrackRemote) error {
	go s.consume(track)
	return nil
}

func (s *PacketLogSink) consume(track *webrtc.TrackRemote) {
	packets := 0
	for {
		_, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debugw("track read ended", "track_id", track.ID(), "error", err)
			}
			return
		}
		packets++
		if packets%300 == 0 {
			s.logger.Debugw("receiving media",
				"track_id", track.ID(), "codec", track.Codec().MimeType, "packets", packets)
		}
	}
}

var _ ports.MediaSink = (*PacketLogSink)(nil)
