package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/infrastructure/repositories/memory"
)

const testReadTimeout = 2 * time.Second

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	opts := DefaultOptions()
	opts.PingInterval = 10 * time.Second
	opts.RateLimitEnabled = false

	srv := NewServer(
		memory.NewMemorySessionRegistry(),
		NewHostTokenIssuer("test-secret", time.Hour),
		opts,
		nil,
		zap.NewNop().Sugar(),
	)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return srv, ts
}

// dial connects and consumes the connected event, returning the socket id
// the server assigned.
func dial(t *testing.T, ts *httptest.Server) (*websocket.Conn, domain.ConnID) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readKind(t, conn, TypeConnected)
	var payload ConnectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.NotEmpty(t, payload.SocketID)
	return conn, payload.SocketID
}

// readKind reads messages until one of the wanted kind arrives, failing the
// test on timeout or close.
func readKind(t *testing.T, conn *websocket.Conn, kind string) Message {
	t.Helper()

	deadline := time.Now().Add(testReadTimeout)
	for {
		conn.SetReadDeadline(deadline)
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", kind)
		if msg.Type == kind {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, kind string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(NewMessage(kind, payload)))
}

func startStream(t *testing.T, conn *websocket.Conn, streamID domain.StreamID) StreamStartedPayload {
	t.Helper()
	send(t, conn, TypeStartStream, StartStreamPayload{StreamID: streamID})
	msg := readKind(t, conn, TypeStreamStarted)
	var started StreamStartedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &started))
	return started
}

func TestStartStreamIssuesHostToken(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)

	started := startStream(t, host, "demo")
	assert.Equal(t, domain.StreamID("demo"), started.StreamID)
	assert.NotEmpty(t, started.HostToken)
}

func TestStartStreamDuplicateIDRejected(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	imposter, _ := dial(t, ts)
	send(t, imposter, TypeStartStream, StartStreamPayload{StreamID: "demo"})

	msg := readKind(t, imposter, TypeStreamError)
	var errPayload StreamErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &errPayload))
	assert.Equal(t, domain.StreamID("demo"), errPayload.StreamID)
}

func TestStartStreamInvalidIDRejected(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)

	send(t, host, TypeStartStream, StartStreamPayload{StreamID: "has space"})
	readKind(t, host, TypeStreamError)
}

func TestHostReRegistrationWithToken(t *testing.T) {
	srv, ts := newTestServer(t)
	host, _ := dial(t, ts)
	started := startStream(t, host, "demo")

	reconnected, newID := dial(t, ts)
	send(t, reconnected, TypeStartStream, StartStreamPayload{
		StreamID:  "demo",
		HostToken: started.HostToken,
	})
	readKind(t, reconnected, TypeStreamStarted)

	streams, err := srv.ActiveStreams(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 1)

	session, err := srv.registry.Get(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, newID, session.Host)
}

func TestHostReRegistrationBadTokenRejected(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	imposter, _ := dial(t, ts)
	send(t, imposter, TypeStartStream, StartStreamPayload{
		StreamID:  "demo",
		HostToken: "forged",
	})
	readKind(t, imposter, TypeStreamError)
}

func TestJoinStreamExchangesIdentities(t *testing.T) {
	_, ts := newTestServer(t)
	host, hostID := dial(t, ts)
	startStream(t, host, "demo")

	viewer, viewerID := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})

	availMsg := readKind(t, viewer, TypeStreamAvailable)
	var avail StreamAvailablePayload
	require.NoError(t, json.Unmarshal(availMsg.Payload, &avail))
	assert.Equal(t, hostID, avail.HostSocketID)

	joinedMsg := readKind(t, host, TypeViewerJoined)
	var joined ViewerJoinedPayload
	require.NoError(t, json.Unmarshal(joinedMsg.Payload, &joined))
	assert.Equal(t, viewerID, joined.ViewerID)
	assert.Equal(t, 1, joined.ViewerCount)
}

func TestJoinUnknownStream(t *testing.T) {
	_, ts := newTestServer(t)
	viewer, _ := dial(t, ts)

	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "ghost"})
	msg := readKind(t, viewer, TypeStreamNotFound)

	var payload StreamNotFoundPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, domain.StreamID("ghost"), payload.StreamID)
}

func TestOfferRelayAnnotatesSender(t *testing.T) {
	_, ts := newTestServer(t)
	host, hostID := dial(t, ts)
	startStream(t, host, "demo")

	viewer, viewerID := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	send(t, host, TypeOffer, SDPPayload{
		SDP:            sdp,
		TargetSocketID: viewerID,
		StreamID:       "demo",
	})

	msg := readKind(t, viewer, TypeOffer)
	var relayed SDPPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &relayed))
	assert.Equal(t, hostID, relayed.FromSocketID)
	assert.JSONEq(t, string(sdp), string(relayed.SDP))
}

func TestAnswerAndCandidateRelay(t *testing.T) {
	_, ts := newTestServer(t)
	host, hostID := dial(t, ts)
	startStream(t, host, "demo")

	viewer, viewerID := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	send(t, viewer, TypeAnswer, SDPPayload{
		SDP:            json.RawMessage(`{"type":"answer","sdp":"v=0..."}`),
		TargetSocketID: hostID,
		StreamID:       "demo",
	})
	msg := readKind(t, host, TypeAnswer)
	var answer SDPPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &answer))
	assert.Equal(t, viewerID, answer.FromSocketID)

	send(t, host, TypeICECandidate, ICECandidatePayload{
		Candidate:      json.RawMessage(`{"candidate":"candidate:1 1 UDP 123 10.0.0.1 5000 typ host"}`),
		TargetSocketID: viewerID,
	})
	msg = readKind(t, viewer, TypeICECandidate)
	var cand ICECandidatePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &cand))
	assert.Equal(t, hostID, cand.FromSocketID)
}

func TestRelayWithoutTargetRejected(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	send(t, host, TypeOffer, SDPPayload{SDP: json.RawMessage(`{}`)})
	readKind(t, host, TypeStreamError)
}

func TestChatFanOutSkipsSender(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	viewerA, _ := dial(t, ts)
	send(t, viewerA, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewerA, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	viewerB, _ := dial(t, ts)
	send(t, viewerB, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewerB, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	send(t, viewerA, TypeChatMessage, ChatMessagePayload{
		StreamID:   "demo",
		SenderName: "  alice  ",
		Message:    "hello everyone",
	})

	for _, conn := range []*websocket.Conn{host, viewerB} {
		msg := readKind(t, conn, TypeChatMessage)
		var chat ChatBroadcastPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &chat))
		assert.NotEmpty(t, chat.ID)
		assert.Equal(t, "alice", chat.SenderName)
		assert.Equal(t, "hello everyone", chat.Message)
		assert.False(t, chat.IsStreamer)
		assert.NotZero(t, chat.Timestamp)
	}

	// The sender renders its own message locally. The first chat message
	// viewerA sees must be bob's, not an echo of its own.
	send(t, viewerB, TypeChatMessage, ChatMessagePayload{
		StreamID:   "demo",
		SenderName: "bob",
		Message:    "hi alice",
	})
	msg := readKind(t, viewerA, TypeChatMessage)
	var chat ChatBroadcastPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &chat))
	assert.Equal(t, "bob", chat.SenderName)
	assert.Equal(t, "hi alice", chat.Message)
}

func TestChatFromHostSkipsHost(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	viewer, _ := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	send(t, host, TypeChatMessage, ChatMessagePayload{
		StreamID:   "demo",
		SenderName: "presenter",
		Message:    "welcome",
		IsStreamer: true,
	})

	msg := readKind(t, viewer, TypeChatMessage)
	var chat ChatBroadcastPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &chat))
	assert.Equal(t, "presenter", chat.SenderName)
	assert.True(t, chat.IsStreamer)

	// The host must not hear its own message back. Send a viewer message
	// and check it is the next chat the host reads.
	send(t, viewer, TypeChatMessage, ChatMessagePayload{
		StreamID:   "demo",
		SenderName: "carol",
		Message:    "thanks",
	})
	msg = readKind(t, host, TypeChatMessage)
	require.NoError(t, json.Unmarshal(msg.Payload, &chat))
	assert.Equal(t, "carol", chat.SenderName)
}

func TestChatTooLongRejected(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	send(t, host, TypeChatMessage, ChatMessagePayload{
		StreamID:   "demo",
		SenderName: "host",
		Message:    strings.Repeat("x", domain.MaxChatMessageChars+1),
		IsStreamer: true,
	})
	readKind(t, host, TypeStreamError)
}

func TestStopStreamNotifiesViewers(t *testing.T) {
	srv, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	viewer, _ := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	send(t, host, TypeStopStream, StopStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamEnded)

	streams, err := srv.ActiveStreams(context.Background())
	require.NoError(t, err)
	assert.Empty(t, streams)

	// A second stop for the same id is silently accepted.
	send(t, host, TypeStopStream, StopStreamPayload{StreamID: "demo"})
	send(t, host, TypeStartStream, StartStreamPayload{StreamID: "demo"})
	readKind(t, host, TypeStreamStarted)
}

func TestStopStreamByNonHostRejected(t *testing.T) {
	srv, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	viewer, _ := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)

	send(t, viewer, TypeStopStream, StopStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamError)

	streams, err := srv.ActiveStreams(context.Background())
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}

func TestHostDisconnectEndsStream(t *testing.T) {
	srv, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	viewer, _ := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	host.Close()
	readKind(t, viewer, TypeStreamEnded)

	require.Eventually(t, func() bool {
		streams, err := srv.ActiveStreams(context.Background())
		return err == nil && len(streams) == 0
	}, testReadTimeout, 10*time.Millisecond)
}

func TestViewerDisconnectNotifiesHost(t *testing.T) {
	_, ts := newTestServer(t)
	host, _ := dial(t, ts)
	startStream(t, host, "demo")

	viewer, viewerID := dial(t, ts)
	send(t, viewer, TypeJoinStream, JoinStreamPayload{StreamID: "demo"})
	readKind(t, viewer, TypeStreamAvailable)
	readKind(t, host, TypeViewerJoined)

	viewer.Close()

	msg := readKind(t, host, TypeViewerLeft)
	var left ViewerLeftPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &left))
	assert.Equal(t, viewerID, left.ViewerID)
	assert.Equal(t, 0, left.ViewerCount)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	_, ts := newTestServer(t)
	conn, _ := dial(t, ts)

	send(t, conn, "subscribe", nil)
	readKind(t, conn, TypeStreamError)
}

func TestConnectionCount(t *testing.T) {
	srv, ts := newTestServer(t)
	require.Equal(t, 0, srv.ConnectionCount())

	dial(t, ts)
	dial(t, ts)

	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 2
	}, testReadTimeout, 10*time.Millisecond)
}
