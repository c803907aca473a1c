package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pdfcast/internal/core/domain"
)

// Client is the connection both session controllers speak through: typed
// send helpers outbound, per-kind callbacks inbound. One reader goroutine,
// close-once semantics.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlers   map[string]func(json.RawMessage)
	handlersMu sync.RWMutex

	socketID    domain.ConnID
	connectedCh chan struct{}

	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.SugaredLogger
}

// Dial connects to a signaling server and starts the read loop. Handlers
// registered with On fire on the reader goroutine, so they must not block.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling server: %w", err)
	}

	c := &Client{
		conn:         conn,
		handlers:     make(map[string]func(json.RawMessage)),
		connectedCh:  make(chan struct{}),
		writeTimeout: 10 * time.Second,
		done:         make(chan struct{}),
		logger:       logger,
	}

	go c.readLoop()
	return c, nil
}

// On registers the handler for a message kind, replacing any previous one.
func (c *Client) On(kind string, fn func(payload json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[kind] = fn
	c.handlersMu.Unlock()
}

// WaitConnected blocks until the server has assigned this client an id.
func (c *Client) WaitConnected(ctx context.Context) (domain.ConnID, error) {
	select {
	case <-c.connectedCh:
		return c.socketID, nil
	case <-c.done:
		return "", fmt.Errorf("connection closed before connected event")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SocketID returns the server-assigned id, empty until connected.
func (c *Client) SocketID() domain.ConnID {
	select {
	case <-c.connectedCh:
		return c.socketID
	default:
		return ""
	}
}

// Done closes when the read loop exits, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("signaling read error", "error", err)
			}
			return
		}

		if msg.Type == TypeConnected {
			var payload ConnectedPayload
			if err := json.Unmarshal(msg.Payload, &payload); err == nil {
				c.socketID = payload.SocketID
				close(c.connectedCh)
			}
			// Fall through so a handler can observe it too.
		}

		c.handlersMu.RLock()
		fn := c.handlers[msg.Type]
		c.handlersMu.RUnlock()

		if fn == nil {
			c.logger.Debugw("unhandled signaling message", "type", msg.Type)
			continue
		}
		fn(msg.Payload)
	}
}

// Send marshals and writes a message of the given kind.
func (c *Client) Send(kind string, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(NewMessage(kind, payload))
}

func (c *Client) StartStream(streamID domain.StreamID, hostToken string) error {
	return c.Send(TypeStartStream, StartStreamPayload{StreamID: streamID, HostToken: hostToken})
}

func (c *Client) JoinStream(streamID domain.StreamID) error {
	return c.Send(TypeJoinStream, JoinStreamPayload{StreamID: streamID})
}

func (c *Client) StopStream(streamID domain.StreamID) error {
	return c.Send(TypeStopStream, StopStreamPayload{StreamID: streamID})
}

func (c *Client) SendOffer(target domain.ConnID, streamID domain.StreamID, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	return c.Send(TypeOffer, SDPPayload{SDP: raw, TargetSocketID: target, StreamID: streamID})
}

func (c *Client) SendAnswer(target domain.ConnID, streamID domain.StreamID, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	return c.Send(TypeAnswer, SDPPayload{SDP: raw, TargetSocketID: target, StreamID: streamID})
}

func (c *Client) SendICECandidate(target domain.ConnID, streamID domain.StreamID, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal ICE candidate: %w", err)
	}
	return c.Send(TypeICECandidate, ICECandidatePayload{Candidate: raw, TargetSocketID: target, StreamID: streamID})
}

func (c *Client) SendChat(streamID domain.StreamID, senderName, text string, isStreamer bool) error {
	return c.Send(TypeChatMessage, ChatMessagePayload{
		StreamID:   streamID,
		SenderName: senderName,
		Message:    text,
		IsStreamer: isStreamer,
	})
}
