package signal

import (
	"encoding/json"

	"pdfcast/internal/core/domain"
)

// Message is the wire envelope. One typed payload struct per kind; the
// payload stays raw until the kind is known.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server kinds.
const (
	TypeStartStream  = "start-stream"
	TypeJoinStream   = "join-stream"
	TypeStopStream   = "stop-stream"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat-message"
)

// Server to client kinds.
const (
	TypeConnected       = "connected"
	TypeStreamStarted   = "stream-started"
	TypeStreamAvailable = "stream-available"
	TypeStreamNotFound  = "stream-not-found"
	TypeStreamEnded     = "stream-ended"
	TypeStreamError     = "stream-error"
	TypeViewerJoined    = "viewer-joined"
	TypeViewerLeft      = "viewer-left"
)

type ConnectedPayload struct {
	SocketID domain.ConnID `json:"socketId"`
}

type StartStreamPayload struct {
	StreamID  domain.StreamID `json:"streamId"`
	HostToken string          `json:"hostToken,omitempty"`
}

type JoinStreamPayload struct {
	StreamID domain.StreamID `json:"streamId"`
}

type StopStreamPayload struct {
	StreamID domain.StreamID `json:"streamId"`
}

// SDPPayload carries both offers and answers. SDP stays an opaque blob;
// only routing fields are inspected server-side.
type SDPPayload struct {
	SDP            json.RawMessage `json:"sdp"`
	TargetSocketID domain.ConnID   `json:"targetSocketId"`
	FromSocketID   domain.ConnID   `json:"fromSocketId,omitempty"`
	StreamID       domain.StreamID `json:"streamId,omitempty"`
}

type ICECandidatePayload struct {
	Candidate      json.RawMessage `json:"candidate"`
	TargetSocketID domain.ConnID   `json:"targetSocketId"`
	FromSocketID   domain.ConnID   `json:"fromSocketId,omitempty"`
	StreamID       domain.StreamID `json:"streamId,omitempty"`
}

type ChatMessagePayload struct {
	StreamID   domain.StreamID `json:"streamId"`
	SenderName string          `json:"senderName"`
	Message    string          `json:"message"`
	IsStreamer bool            `json:"isStreamer"`
}

type ChatBroadcastPayload struct {
	ID         string `json:"id"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	IsStreamer bool   `json:"isStreamer"`
	Timestamp  int64  `json:"timestamp"`
}

type StreamStartedPayload struct {
	StreamID  domain.StreamID `json:"streamId"`
	HostToken string          `json:"hostToken"`
}

type StreamAvailablePayload struct {
	StreamID     domain.StreamID `json:"streamId"`
	HostSocketID domain.ConnID   `json:"hostSocketId"`
}

type StreamNotFoundPayload struct {
	StreamID domain.StreamID `json:"streamId"`
}

type StreamEndedPayload struct {
	StreamID domain.StreamID `json:"streamId"`
}

type StreamErrorPayload struct {
	StreamID domain.StreamID `json:"streamId,omitempty"`
	Message  string          `json:"message"`
}

type ViewerJoinedPayload struct {
	ViewerID    domain.ConnID `json:"viewerId"`
	ViewerCount int           `json:"viewerCount"`
}

type ViewerLeftPayload struct {
	ViewerID    domain.ConnID `json:"viewerId,omitempty"`
	ViewerCount int           `json:"viewerCount"`
}

// NewMessage marshals payload into an envelope. Marshal errors are
// programmer errors on these closed types, so they panic.
func NewMessage(kind string, payload interface{}) Message {
	if payload == nil {
		return Message{Type: kind}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("signal: unmarshalable payload: " + err.Error())
	}
	return Message{Type: kind, Payload: raw}
}
