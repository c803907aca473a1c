package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/core/ports"
	"pdfcast/pkg/tracing"
	"pdfcast/pkg/utils"
	"pdfcast/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // restrict origins when deploying behind a real frontend
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Metrics is what the server reports about itself. A nil Metrics disables
// reporting; see monitoring.PrometheusCollector for the real one.
type Metrics interface {
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordStreamStarted(streamID domain.StreamID)
	RecordStreamEnded(streamID domain.StreamID)
	RecordViewerCount(streamID domain.StreamID, count int)
	RecordChatMessage()
	RecordRelay(kind string)
	RecordRejected(reason string)
	RecordHandshakeDuration(d time.Duration)
}

// Options carries the transport tunables, populated from config by the
// caller.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RateLimitEnabled:  true,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageBytes:   64 * 1024,
	}
}

// connection pairs a websocket with a write mutex. Relays write to other
// connections from the handler goroutine of the sender, so writes must be
// serialized per connection.
type connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) writeJSON(timeout time.Duration, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

func (c *connection) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Server routes signaling between one broadcaster and its viewers. It keeps
// registry bookkeeping, relays SDP and ICE verbatim between named peers,
// fans chat out to a session, and cascades disconnects.
type Server struct {
	registry ports.SessionRegistry
	tokens   *HostTokenIssuer

	connections map[domain.ConnID]*connection
	mu          sync.RWMutex

	// joinedAt feeds the handshake duration histogram.
	joinedAt   map[domain.ConnID]time.Time
	joinedAtMu sync.Mutex

	// remote forwards messages for connections owned by other signaling
	// nodes. Nil in single-node deployments.
	remote RemoteSender

	opts    Options
	metrics Metrics
	logger  *zap.SugaredLogger
}

// RemoteSender carries messages to connections on other nodes when the
// registry is shared. distributed.MessageBus satisfies it.
type RemoteSender interface {
	Forward(ctx context.Context, targets []domain.ConnID, msg Message) error
}

// SetRemoteSender enables cross-node delivery. Call before serving.
func (s *Server) SetRemoteSender(remote RemoteSender) {
	s.remote = remote
}

// DeliverLocal writes a forwarded message to a connection if this node owns
// it, and silently drops it otherwise. Used as the message bus sink.
func (s *Server) DeliverLocal(connID domain.ConnID, msg Message) {
	s.mu.RLock()
	conn, exists := s.connections[connID]
	s.mu.RUnlock()
	if !exists {
		return
	}
	if err := conn.writeJSON(s.opts.WriteTimeout, msg); err != nil {
		s.logger.Warnw("failed to deliver forwarded message",
			"conn_id", connID, "type", msg.Type, "error", err)
	}
}

func NewServer(registry ports.SessionRegistry, tokens *HostTokenIssuer, opts Options, metrics Metrics, logger *zap.SugaredLogger) *Server {
	return &Server{
		registry:    registry,
		tokens:      tokens,
		connections: make(map[domain.ConnID]*connection),
		joinedAt:    make(map[domain.ConnID]time.Time),
		opts:        opts,
		metrics:     metrics,
		logger:      logger,
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	connID := domain.ConnID(uuid.NewString())
	conn := &connection{conn: ws}

	s.mu.Lock()
	s.connections[connID] = conn
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}
	s.logger.Infow("client connected", "conn_id", connID, "remote", r.RemoteAddr)

	// The client learns its own id from this event; every relay names
	// peers by these ids.
	if err := conn.writeJSON(s.opts.WriteTimeout, NewMessage(TypeConnected, ConnectedPayload{SocketID: connID})); err != nil {
		s.logger.Warnw("failed to send connected event", "conn_id", connID, "error", err)
		s.cleanup(connID)
		return
	}

	if s.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.opts.MaxMessageBytes)
	}
	ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.opts.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				if s.metrics != nil {
					s.metrics.RecordRejected("rate_limit")
				}
				s.sendError(connID, "", "message rate limit exceeded")
				continue
			}
			if err := s.handleMessage(context.Background(), connID, msg); err != nil {
				s.logger.Infow("error handling message", "conn_id", connID, "type", msg.Type, "error", err)
				s.sendError(connID, "", err.Error())
			}

		case <-pingTicker.C:
			if err := conn.ping(s.opts.WriteTimeout); err != nil {
				s.logger.Infow("ping failed", "conn_id", connID, "error", err)
				s.cleanup(connID)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "conn_id", connID, "error", err)
			}
			s.cleanup(connID)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, connID domain.ConnID, msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	ctx, span := tracing.StartSpan(ctx, "signal."+msg.Type,
		attribute.String("conn.id", string(connID)),
	)
	defer span.End()

	switch msg.Type {
	case TypeStartStream:
		return s.handleStartStream(ctx, connID, msg)
	case TypeJoinStream:
		return s.handleJoinStream(ctx, connID, msg)
	case TypeStopStream:
		return s.handleStopStream(ctx, connID, msg)
	case TypeOffer, TypeAnswer:
		return s.handleSDP(ctx, connID, msg)
	case TypeICECandidate:
		return s.handleICECandidate(ctx, connID, msg)
	case TypeChatMessage:
		return s.handleChatMessage(ctx, connID, msg)
	default:
		if s.metrics != nil {
			s.metrics.RecordRejected("unknown_type")
		}
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *Server) handleStartStream(ctx context.Context, connID domain.ConnID, msg Message) error {
	var payload StartStreamPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid start-stream payload: %w", err)
	}
	if err := validation.ValidateStreamID(string(payload.StreamID)); err != nil {
		return fmt.Errorf("invalid streamId: %w", err)
	}

	existing, err := s.registry.Get(ctx, payload.StreamID)
	switch {
	case err == nil:
		// Active id. Only the original host, proving itself with its
		// token, may reclaim it.
		if payload.HostToken == "" {
			if s.metrics != nil {
				s.metrics.RecordRejected("duplicate_stream")
			}
			s.send(connID, NewMessage(TypeStreamError, StreamErrorPayload{
				StreamID: payload.StreamID,
				Message:  "stream id is already active",
			}))
			return nil
		}
		if err := s.tokens.Verify(payload.HostToken, payload.StreamID); err != nil {
			if s.metrics != nil {
				s.metrics.RecordRejected("bad_host_token")
			}
			s.send(connID, NewMessage(TypeStreamError, StreamErrorPayload{
				StreamID: payload.StreamID,
				Message:  "invalid host token",
			}))
			return nil
		}
		oldHost := existing.Host
		if err := s.registry.ReplaceHost(ctx, payload.StreamID, connID); err != nil {
			return fmt.Errorf("failed to replace host: %w", err)
		}
		s.logger.Infow("host re-registered",
			"stream_id", payload.StreamID, "old_host", oldHost, "new_host", connID)

	case errors.Is(err, domain.ErrStreamNotFound):
		session := &domain.StreamSession{
			ID:        payload.StreamID,
			Host:      connID,
			StartedAt: time.Now(),
		}
		if err := s.registry.Create(ctx, session); err != nil {
			if errors.Is(err, domain.ErrStreamExists) {
				// Lost a create race with another connection.
				s.send(connID, NewMessage(TypeStreamError, StreamErrorPayload{
					StreamID: payload.StreamID,
					Message:  "stream id is already active",
				}))
				return nil
			}
			return fmt.Errorf("failed to register stream: %w", err)
		}
		if s.metrics != nil {
			s.metrics.RecordStreamStarted(payload.StreamID)
		}
		s.logger.Infow("stream started", "stream_id", payload.StreamID, "host", connID)

	default:
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	token, err := s.tokens.Issue(payload.StreamID)
	if err != nil {
		return err
	}
	return s.send(connID, NewMessage(TypeStreamStarted, StreamStartedPayload{
		StreamID:  payload.StreamID,
		HostToken: token,
	}))
}

func (s *Server) handleJoinStream(ctx context.Context, connID domain.ConnID, msg Message) error {
	var payload JoinStreamPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid join-stream payload: %w", err)
	}
	if err := validation.ValidateStreamID(string(payload.StreamID)); err != nil {
		return fmt.Errorf("invalid streamId: %w", err)
	}

	session, err := s.registry.Get(ctx, payload.StreamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return s.send(connID, NewMessage(TypeStreamNotFound, StreamNotFoundPayload{
			StreamID: payload.StreamID,
		}))
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	count, err := s.registry.AddViewer(ctx, payload.StreamID, connID)
	if err != nil {
		return fmt.Errorf("failed to add viewer: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordViewerCount(payload.StreamID, count)
	}

	s.joinedAtMu.Lock()
	s.joinedAt[connID] = time.Now()
	s.joinedAtMu.Unlock()

	s.logger.Infow("viewer joined",
		"stream_id", payload.StreamID, "viewer", connID, "viewer_count", count)

	// The host gets the membership event and starts the offer; the viewer
	// gets the host id so it can address answers and candidates.
	s.send(session.Host, NewMessage(TypeViewerJoined, ViewerJoinedPayload{
		ViewerID:    connID,
		ViewerCount: count,
	}))
	return s.send(connID, NewMessage(TypeStreamAvailable, StreamAvailablePayload{
		StreamID:     payload.StreamID,
		HostSocketID: session.Host,
	}))
}

func (s *Server) handleStopStream(ctx context.Context, connID domain.ConnID, msg Message) error {
	var payload StopStreamPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid stop-stream payload: %w", err)
	}
	if payload.StreamID == "" {
		return fmt.Errorf("streamId is required")
	}

	session, err := s.registry.Get(ctx, payload.StreamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		// Stopping an already-gone stream is not an error.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}
	if session.Host != connID {
		if s.metrics != nil {
			s.metrics.RecordRejected("not_host")
		}
		return fmt.Errorf("only the host may stop stream %s", payload.StreamID)
	}

	return s.endStream(ctx, session)
}

// endStream removes the session and tells every viewer it is over.
func (s *Server) endStream(ctx context.Context, session *domain.StreamSession) error {
	if err := s.registry.Remove(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to remove stream: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordStreamEnded(session.ID)
	}
	s.logger.Infow("stream ended", "stream_id", session.ID, "viewer_count", len(session.Viewers))

	ended := NewMessage(TypeStreamEnded, StreamEndedPayload{StreamID: session.ID})
	for _, viewer := range session.Viewers {
		s.send(viewer, ended)
	}
	return nil
}

func (s *Server) handleSDP(ctx context.Context, connID domain.ConnID, msg Message) error {
	var payload SDPPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	if len(payload.SDP) == 0 {
		return fmt.Errorf("%s requires an sdp", msg.Type)
	}
	if payload.TargetSocketID == "" {
		return fmt.Errorf("%s requires a targetSocketId", msg.Type)
	}

	if msg.Type == TypeAnswer && s.metrics != nil {
		s.joinedAtMu.Lock()
		if joined, ok := s.joinedAt[connID]; ok {
			s.metrics.RecordHandshakeDuration(time.Since(joined))
			delete(s.joinedAt, connID)
		}
		s.joinedAtMu.Unlock()
	}

	payload.FromSocketID = connID
	if s.metrics != nil {
		s.metrics.RecordRelay(msg.Type)
	}
	s.logger.Debugw("relaying "+msg.Type,
		"from", connID, "to", payload.TargetSocketID, "stream_id", payload.StreamID)

	// Relays to vanished targets are dropped; the disconnect cascade
	// already told the sender what it needs to know.
	s.send(payload.TargetSocketID, NewMessage(msg.Type, payload))
	return nil
}

func (s *Server) handleICECandidate(ctx context.Context, connID domain.ConnID, msg Message) error {
	var payload ICECandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid ice-candidate payload: %w", err)
	}
	if len(payload.Candidate) == 0 {
		return fmt.Errorf("ice-candidate requires a candidate")
	}
	if payload.TargetSocketID == "" {
		return fmt.Errorf("ice-candidate requires a targetSocketId")
	}

	payload.FromSocketID = connID
	if s.metrics != nil {
		s.metrics.RecordRelay(TypeICECandidate)
	}
	s.send(payload.TargetSocketID, NewMessage(TypeICECandidate, payload))
	return nil
}

func (s *Server) handleChatMessage(ctx context.Context, connID domain.ConnID, msg Message) error {
	var payload ChatMessagePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid chat-message payload: %w", err)
	}
	if payload.StreamID == "" {
		return fmt.Errorf("streamId is required")
	}

	senderName := utils.SanitizeName(payload.SenderName)
	if err := validation.ValidateSenderName(senderName); err != nil {
		if s.metrics != nil {
			s.metrics.RecordRejected("invalid_chat")
		}
		return err
	}

	session, err := s.registry.Get(ctx, payload.StreamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return s.send(connID, NewMessage(TypeStreamNotFound, StreamNotFoundPayload{
			StreamID: payload.StreamID,
		}))
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	chat := domain.NewChatMessage(senderName, payload.Message, payload.IsStreamer)
	if err := chat.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.RecordRejected("invalid_chat")
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordChatMessage()
	}

	broadcast := NewMessage(TypeChatMessage, ChatBroadcastPayload{
		ID:         chat.ID,
		SenderName: chat.SenderName,
		Message:    chat.Text,
		IsStreamer: chat.IsStreamer,
		Timestamp:  chat.SentAt.UnixMilli(),
	})

	// The sender renders its own message locally and is skipped here.
	if session.Host != connID {
		s.send(session.Host, broadcast)
	}
	for _, viewer := range session.Viewers {
		if viewer == connID {
			continue
		}
		s.send(viewer, broadcast)
	}
	return nil
}

// cleanup runs the disconnect cascade: hosted streams end, viewed streams
// lose a viewer and the host is told.
func (s *Server) cleanup(connID domain.ConnID) {
	s.mu.Lock()
	delete(s.connections, connID)
	s.mu.Unlock()

	s.joinedAtMu.Lock()
	delete(s.joinedAt, connID)
	s.joinedAtMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed()
	}

	ctx := context.Background()

	if session, err := s.registry.FindByHost(ctx, connID); err == nil {
		if err := s.endStream(ctx, session); err != nil {
			s.logger.Warnw("failed to end stream on host disconnect",
				"stream_id", session.ID, "error", err)
		}
	}

	sessions, err := s.registry.FindByViewer(ctx, connID)
	if err != nil {
		s.logger.Warnw("failed to find viewed streams on disconnect",
			"conn_id", connID, "error", err)
	}
	for _, session := range sessions {
		count, err := s.registry.RemoveViewer(ctx, session.ID, connID)
		if err != nil {
			s.logger.Warnw("failed to remove viewer on disconnect",
				"stream_id", session.ID, "viewer", connID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordViewerCount(session.ID, count)
		}
		s.send(session.Host, NewMessage(TypeViewerLeft, ViewerLeftPayload{
			ViewerID:    connID,
			ViewerCount: count,
		}))
	}

	s.logger.Infow("client disconnected", "conn_id", connID)
}

// send writes to a connection by id. Connections owned by another node go
// through the remote forwarder; missing or failed targets are not the
// sender's problem and surface only in logs.
func (s *Server) send(connID domain.ConnID, msg Message) error {
	s.mu.RLock()
	conn, exists := s.connections[connID]
	s.mu.RUnlock()

	if !exists {
		if s.remote != nil {
			if err := s.remote.Forward(context.Background(), []domain.ConnID{connID}, msg); err != nil {
				s.logger.Warnw("failed to forward message",
					"conn_id", connID, "type", msg.Type, "error", err)
			}
			return nil
		}
		s.logger.Debugw("dropping message to vanished connection",
			"conn_id", connID, "type", msg.Type)
		return nil
	}
	if err := conn.writeJSON(s.opts.WriteTimeout, msg); err != nil {
		s.logger.Warnw("failed to write message",
			"conn_id", connID, "type", msg.Type, "error", err)
		return nil
	}
	return nil
}

func (s *Server) sendError(connID domain.ConnID, streamID domain.StreamID, text string) {
	s.send(connID, NewMessage(TypeStreamError, StreamErrorPayload{
		StreamID: streamID,
		Message:  text,
	}))
}

// ConnectionCount reports open websockets for readiness checks.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// StreamSummary is the public shape of an active stream.
type StreamSummary struct {
	StreamID    domain.StreamID `json:"streamId"`
	ViewerCount int             `json:"viewerCount"`
	StartedAt   time.Time       `json:"startedAt"`
}

// ActiveStreams lists registered sessions for the HTTP listing endpoint.
func (s *Server) ActiveStreams(ctx context.Context) ([]StreamSummary, error) {
	sessions, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]StreamSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, StreamSummary{
			StreamID:    session.ID,
			ViewerCount: len(session.Viewers),
			StartedAt:   session.StartedAt,
		})
	}
	return summaries, nil
}

// Healthy reports whether the registry backend is reachable.
func (s *Server) Healthy(ctx context.Context) error {
	return s.registry.HealthCheck(ctx)
}
