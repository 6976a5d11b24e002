package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/rtc"
	"livecast/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	t      *testing.T
	auth   *services.AuthService
	relay  *ChannelRelay
	server *httptest.Server
	url    string
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	auth := services.NewAuthService("relay-secret", time.Hour, time.Hour)
	relay, err := NewChannelRelay(RelayConfig{}, auth, logger.NewNop())
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})
	return &relayFixture{
		t:      t,
		auth:   auth,
		relay:  relay,
		server: server,
		url:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *relayFixture) token(channel string, id domain.ParticipantID, role domain.ClientRole) string {
	token, err := f.auth.RTCToken(context.Background(), channel, id, role)
	require.NoError(f.t, err)
	return token
}

// dial connects and sends the join message.
func (f *relayFixture) dial(channel string, id domain.ParticipantID, role domain.ClientRole) *websocket.Conn {
	f.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(channel, id, role))
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })

	require.NoError(f.t, conn.WriteJSON(rtc.SignalMessage{Type: rtc.MsgJoin, Channel: channel, UID: id.UID(), Role: role}))
	return conn
}

func read(t *testing.T, conn *websocket.Conn) rtc.SignalMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg rtc.SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestChannelRelay_RejectsMissingToken(t *testing.T) {
	f := newRelayFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChannelRelay_RejectsForeignToken(t *testing.T) {
	f := newRelayFixture(t)
	other := services.NewAuthService("other-secret", time.Hour, time.Hour)
	token, err := other.RTCToken(context.Background(), "s1", "h1", domain.RoleHost)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)

	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChannelRelay_JoinMustMatchToken(t *testing.T) {
	f := newRelayFixture(t)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token("s1", "u1", domain.RoleAudience))
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(rtc.SignalMessage{Type: rtc.MsgJoin, Channel: "s2", UID: domain.ParticipantID("u1").UID()}))

	msg := read(t, conn)
	assert.Equal(t, rtc.MsgError, msg.Type)
	assert.Contains(t, msg.Message, "s2")
	assert.Equal(t, 0, f.relay.Stats().Peers)
}

func TestChannelRelay_FirstMessageMustBeJoin(t *testing.T) {
	f := newRelayFixture(t)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token("s1", "u1", domain.RoleAudience))
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(rtc.SignalMessage{Type: rtc.MsgOffer, SDP: "v=0"}))

	msg := read(t, conn)
	assert.Equal(t, rtc.MsgError, msg.Type)
}

func TestChannelRelay_MembershipBroadcasts(t *testing.T) {
	f := newRelayFixture(t)
	hostUID := domain.ParticipantID("h1").UID()
	viewerUID := domain.ParticipantID("u1").UID()

	host := f.dial("s1", "h1", domain.RoleHost)
	joined := read(t, host)
	assert.Equal(t, rtc.MsgJoined, joined.Type)
	assert.Equal(t, []uint32{hostUID}, joined.UIDs)

	viewer := f.dial("s1", "u1", domain.RoleAudience)
	joined = read(t, viewer)
	assert.Equal(t, rtc.MsgJoined, joined.Type)
	assert.ElementsMatch(t, []uint32{hostUID, viewerUID}, joined.UIDs)

	announced := read(t, host)
	assert.Equal(t, rtc.MsgUserJoined, announced.Type)
	assert.Equal(t, viewerUID, announced.UID)

	assert.Equal(t, RelayStats{Channels: 1, Peers: 2}, f.relay.Stats())

	require.NoError(t, viewer.WriteJSON(rtc.SignalMessage{Type: rtc.MsgLeave, Channel: "s1", UID: viewerUID}))

	left := read(t, host)
	assert.Equal(t, rtc.MsgUserLeft, left.Type)
	assert.Equal(t, viewerUID, left.UID)
	assert.Eventually(t, func() bool { return f.relay.Stats().Peers == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannelRelay_ChannelsAreIsolated(t *testing.T) {
	f := newRelayFixture(t)

	a := f.dial("s1", "h1", domain.RoleHost)
	read(t, a)
	b := f.dial("s2", "h2", domain.RoleHost)
	joined := read(t, b)

	assert.Equal(t, []uint32{domain.ParticipantID("h2").UID()}, joined.UIDs)
	assert.Equal(t, 2, f.relay.Stats().Channels)
}

func TestChannelRelay_ReconnectReplacesConnection(t *testing.T) {
	f := newRelayFixture(t)
	host := f.dial("s1", "h1", domain.RoleHost)
	read(t, host)

	first := f.dial("s1", "u1", domain.RoleAudience)
	read(t, first)
	read(t, host) // user-joined

	second := f.dial("s1", "u1", domain.RoleAudience)
	read(t, second)

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the replaced connection is closed")

	assert.Equal(t, 2, f.relay.Stats().Peers)

	// The replaced connection going away is not a departure.
	host.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg rtc.SignalMessage
	assert.Error(t, host.ReadJSON(&msg))
}

func TestChannelRelay_EmptyChannelIsRemoved(t *testing.T) {
	f := newRelayFixture(t)
	conn := f.dial("s1", "h1", domain.RoleHost)
	read(t, conn)

	conn.Close()

	assert.Eventually(t, func() bool { return f.relay.Stats() == RelayStats{} }, 2*time.Second, 10*time.Millisecond)
}

func TestChannelRelay_NegotiatesWithPionEngine(t *testing.T) {
	f := newRelayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := rtc.NewPionEngine(rtc.PionConfig{SignalingURL: f.url}, logger.NewNop())
	require.NoError(t, host.Initialize(ctx))
	defer host.Release()
	hostID := domain.ParticipantID("h1")
	require.NoError(t, host.JoinChannel(ctx, f.token("s1", hostID, domain.RoleHost), "s1", hostID.UID(), domain.RoleHost))

	viewer := rtc.NewPionEngine(rtc.PionConfig{SignalingURL: f.url}, logger.NewNop())
	require.NoError(t, viewer.Initialize(ctx))
	defer viewer.Release()
	viewerID := domain.ParticipantID("u1")
	require.NoError(t, viewer.JoinChannel(ctx, f.token("s1", viewerID, domain.RoleAudience), "s1", viewerID.UID(), domain.RoleAudience))

	assert.Equal(t, 2, f.relay.Stats().Peers)

	require.NoError(t, viewer.LeaveChannel(ctx))
	assert.Eventually(t, func() bool { return f.relay.Stats().Peers == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannelRelay_CheckOrigin(t *testing.T) {
	relay, err := NewChannelRelay(RelayConfig{AllowedOrigins: []string{"https://app.example.com"}}, nil, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rtc/ws", nil)
	assert.True(t, relay.checkOrigin(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, relay.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, relay.checkOrigin(req))
}
