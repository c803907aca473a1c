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
	"pdfcast/pkg/utils"
)

func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:3001/ws", "signaling server URL")
		streamID   = flag.String("stream", "", "stream id to register (generated when empty)")
		configPath = flag.String("config", "configs/config.yaml", "config file path")
		withAudio  = flag.Bool("audio", true, "include an audio track")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	id := domain.StreamID(*streamID)
	if id == "" {
		id = domain.StreamID(utils.NewStreamID())
	}

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

	capture := webrtcinfra.NewSampleClockSource(*withAudio, log)
	broadcaster := webrtcinfra.NewBroadcaster(
		webrtcConfigFrom(cfg),
		client,
		capture,
		cfg.Broadcast.RestartGracePeriod,
		log,
	)

	client.On(signal.TypeStreamStarted, func(raw json.RawMessage) {
		var payload signal.StreamStartedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed stream-started payload", "error", err)
			return
		}
		broadcaster.HandleStreamStarted(payload.StreamID, payload.HostToken)
	})

	client.On(signal.TypeStreamError, func(raw json.RawMessage) {
		var payload signal.StreamErrorPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed stream-error payload", "error", err)
			return
		}
		broadcaster.HandleStreamError(payload.Message)
	})

	client.On(signal.TypeViewerJoined, func(raw json.RawMessage) {
		var payload signal.ViewerJoinedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed viewer-joined payload", "error", err)
			return
		}
		log.Infow("viewer joined", "viewer", payload.ViewerID, "viewer_count", payload.ViewerCount)
		broadcaster.HandleViewerJoined(payload.ViewerID)
	})

	client.On(signal.TypeViewerLeft, func(raw json.RawMessage) {
		var payload signal.ViewerLeftPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed viewer-left payload", "error", err)
			return
		}
		log.Infow("viewer left", "viewer", payload.ViewerID, "viewer_count", payload.ViewerCount)
		if payload.ViewerID != "" {
			broadcaster.RemoveViewer(payload.ViewerID)
		}
	})

	client.On(signal.TypeAnswer, func(raw json.RawMessage) {
		var payload signal.SDPPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Warnw("malformed answer payload", "error", err)
			return
		}
		var desc pionwebrtc.SessionDescription
		if err := json.Unmarshal(payload.SDP, &desc); err != nil {
			log.Warnw("malformed answer sdp", "error", err)
			return
		}
		if err := broadcaster.HandleAnswer(payload.FromSocketID, desc); err != nil {
			log.Warnw("failed to apply answer", "from", payload.FromSocketID, "error", err)
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
		if err := broadcaster.HandleRemoteCandidate(payload.FromSocketID, candidate); err != nil {
			log.Warnw("failed to apply candidate", "from", payload.FromSocketID, "error", err)
		}
	})

	client.On(signal.TypeChatMessage, func(raw json.RawMessage) {
		var payload signal.ChatBroadcastPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		log.Infow("chat", "sender", payload.SenderName, "message", payload.Message)
	})

	if err := broadcaster.Start(context.Background(), id); err != nil {
		log.Fatalw("failed to start broadcast", "stream_id", id, "error", err)
	}
	log.Infow("broadcasting", "stream_id", id, "server", *serverURL)

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-client.Done():
		log.Warn("signaling connection lost")
	}

	if err := broadcaster.Stop(context.Background()); err != nil {
		log.Warnw("stop failed", "error", err)
	}
	log.Info("broadcast stopped")
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
