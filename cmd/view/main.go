package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	pionwebrtc "github.com/pion/webrtc/v3"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/infrastructure/signal"
	webrtcinfra "pdfcast/internal/infrastructure/webrtc"
	"pdfcast/pkg/config"
	"pdfcast/pkg/logger"
	"pdfcast/pkg/retry"
)

func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:3001/ws", "signaling server URL")
		streamID   = flag.String("stream", "", "stream id to watch (required)")
		name       = flag.String("name", "viewer", "display name for chat")
		configPath = flag.String("config", "configs/config.yaml", "config file path")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *streamID == "" {
		log.Fatal("a stream id is required, pass -stream")
	}
	id := domain.StreamID(*streamID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := signal.Dial(ctx, *serverURL, log)
	cancel()
	if err != nil {
		log.Fatalw("failed to connect to signaling server", "url", *serverURL, "error", err)
	}
	defer client.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	connID, err := client.WaitConnected(connectCtx)
	connectCancel()
	if err != nil {
		log.Fatalw("no connected event from server", "error", err)
	}
	log.Infow("connected", "conn_id", connID)

	sink := webrtcinfra.NewPacketLogSink(log)
	sinkRetry := retry.Config{
		MaxAttempts:  cfg.Viewer.SinkAttachAttempts,
		InitialDelay: cfg.Viewer.SinkAttachDelay,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	viewer := webrtcinfra.NewViewer(webrtcConfigFrom(cfg), client, sink, sinkRetry, log)

	// terminated closes when the session reaches a terminal state, whether
	// that is stream-not-found, stream-ended or a failed peer link.
	terminated := make(chan struct{})
	endSession := func() {
		select {
		case <-terminated:
		default:
			close(terminated)
		}
	}
	viewer.OnTerminal(endSession)

	client.On(signal.TypeStreamAvailable, func(raw json.RawMessage) {
		var payload signal.StreamAvailablePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed stream-available payload", "error", err)
			return
		}
		if err := viewer.HandleStreamAvailable(payload.StreamID, payload.HostSocketID); err != nil {
			log.Errorw("failed to prepare peer connection", "error", err)
			endSession()
		}
	})

	client.On(signal.TypeStreamNotFound, func(raw json.RawMessage) {
		var payload signal.StreamNotFoundPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		viewer.HandleStreamNotFound(payload.StreamID)
	})

	client.On(signal.TypeOffer, func(raw json.RawMessage) {
		var payload signal.SDPPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed offer payload", "error", err)
			return
		}
		var desc pionwebrtc.SessionDescription
		if err := json.Unmarshal(payload.SDP, &desc); err != nil {
			log.Warnw("malformed offer sdp", "error", err)
			return
		}
		if err := viewer.HandleOffer(payload.FromSocketID, desc); err != nil {
			log.Errorw("failed to answer offer", "error", err)
		}
	})

	client.On(signal.TypeICECandidate, func(raw json.RawMessage) {
		var payload signal.ICECandidatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed ice-candidate payload", "error", err)
			return
		}
		var candidate pionwebrtc.ICECandidateInit
		if err := json.Unmarshal(payload.Candidate, &candidate); err != nil {
			log.Warnw("malformed ice candidate", "error", err)
			return
		}
		if err := viewer.HandleRemoteCandidate(payload.FromSocketID, candidate); err != nil {
			log.Warnw("failed to apply candidate", "error", err)
		}
	})

	client.On(signal.TypeStreamEnded, func(raw json.RawMessage) {
		var payload signal.StreamEndedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		viewer.HandleStreamEnded(payload.StreamID)
	})

	client.On(signal.TypeChatMessage, func(raw json.RawMessage) {
		var payload signal.ChatBroadcastPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		log.Infow("chat", "sender", payload.SenderName, "message", payload.Message)
	})

	if err := viewer.Join(context.Background(), id); err != nil {
		log.Fatalw("failed to join stream", "stream_id", id, "error", err)
	}
	log.Infow("joining stream", "stream_id", id, "name", *name)

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-client.Done():
		log.Warn("signaling connection lost")
	case <-terminated:
		log.Infow("session over", "state", viewer.State())
	}

	if err := viewer.Close(); err != nil {
		log.Warnw("close failed", "error", err)
	}
}

func webrtcConfigFrom(cfg *config.Config) webrtcinfra.Config {
	var out webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, pionwebrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(out.ICEServers) == 0 {
		out.ICEServers = []pionwebrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}
