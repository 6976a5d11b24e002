package signal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/rtc"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

var (
	errLeave           = errors.New("peer left")
	errAlreadyOffered  = errors.New("peer connection already negotiated")
	errUnexpectedFirst = errors.New("first message must be join")
)

// TokenValidator verifies the channel credential presented on connect.
type TokenValidator interface {
	ValidateRTCToken(token string) (*services.RTCClaims, error)
}

// RelayConfig configures the channel relay.
type RelayConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	AllowedOrigins []string
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// RelayStats is a point-in-time view of the relay.
type RelayStats struct {
	Channels   int `json:"channels"`
	Peers      int `json:"peers"`
	Publishing int `json:"publishing"`
}

// ChannelRelay is the signalling and media server the pion engine joins.
// Each channel forwards the media of one publishing host to every audience
// member.
type ChannelRelay struct {
	config   RelayConfig
	tokens   TokenValidator
	api      *webrtc.API
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]*relayChannel
}

type relayChannel struct {
	id    string
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP
	// publisher is the uid whose media is forwarded, 0 when nobody publishes.
	publisher atomic.Uint32
	peers     map[uint32]*relayPeer
}

type relayPeer struct {
	uid          uint32
	role         domain.ClientRole
	channel      *relayChannel
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	closeOnce sync.Once
}

// NewChannelRelay builds the media API up front so configuration errors
// surface at startup. A nil validator admits anonymous joins.
func NewChannelRelay(config RelayConfig, tokens TokenValidator, logger *zap.SugaredLogger) (*ChannelRelay, error) {
	defaults := DefaultRelayConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	r := &ChannelRelay{
		config:   config,
		tokens:   tokens,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		logger:   logger,
		channels: make(map[string]*relayChannel),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin:     r.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return r, nil
}

func (r *ChannelRelay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range r.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (r *ChannelRelay) authenticate(req *http.Request) (*services.RTCClaims, error) {
	if r.tokens == nil {
		return nil, nil
	}
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = req.URL.Query().Get("token")
	}
	if token == "" {
		return nil, fmt.Errorf("missing channel token")
	}
	return r.tokens.ValidateRTCToken(token)
}

// HandleWebSocket serves one participant connection.
func (r *ChannelRelay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	claims, err := r.authenticate(req)
	if err != nil {
		r.logger.Warnw("rejected relay connection", "remote_addr", req.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
		return nil
	})

	var join rtc.SignalMessage
	if err := conn.ReadJSON(&join); err != nil {
		r.logger.Debugw("connection closed before join", "error", err)
		return
	}
	peer, err := r.admit(conn, join, claims)
	if err != nil {
		r.logger.Infow("join rejected", "channel_id", join.Channel, "uid", join.UID, "error", err)
		r.writeError(conn, err.Error())
		return
	}
	defer r.remove(peer)

	pingTicker := time.NewTicker(r.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan rtc.SignalMessage, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg rtc.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := r.handleMessage(peer, msg); err != nil {
				if errors.Is(err, errLeave) {
					return
				}
				r.logger.Infow("error handling relay message",
					"channel_id", peer.channel.id,
					"uid", peer.uid,
					"type", msg.Type,
					"error", err,
				)
				peer.send(rtc.SignalMessage{Type: rtc.MsgError, Message: err.Error()})
			}

		case <-pingTicker.C:
			peer.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			peer.writeMu.Unlock()
			if err != nil {
				r.logger.Infow("error sending ping", "uid", peer.uid, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading from peer", "uid", peer.uid, "error", err)
			}
			return
		}
	}
}

// admit registers the peer in its channel. A reconnecting uid replaces its
// previous connection.
func (r *ChannelRelay) admit(conn *websocket.Conn, join rtc.SignalMessage, claims *services.RTCClaims) (*relayPeer, error) {
	if join.Type != rtc.MsgJoin {
		return nil, errUnexpectedFirst
	}
	if join.Channel == "" || join.UID == 0 {
		return nil, fmt.Errorf("channel and uid are required")
	}
	role := join.Role
	if claims != nil {
		if claims.Channel != join.Channel || claims.UID != join.UID {
			return nil, fmt.Errorf("token does not grant channel %s to uid %d", join.Channel, join.UID)
		}
		role = claims.Role
	}
	if role != domain.RoleHost {
		role = domain.RoleAudience
	}

	peer := &relayPeer{
		uid:          join.UID,
		role:         role,
		conn:         conn,
		writeTimeout: r.config.WriteTimeout,
	}

	r.mu.Lock()
	ch, ok := r.channels[join.Channel]
	if !ok {
		ch = &relayChannel{id: join.Channel, peers: make(map[uint32]*relayPeer)}
		r.channels[join.Channel] = ch
	}
	if role == domain.RoleHost && ch.audio == nil {
		if err := ch.createTracks(join.UID); err != nil {
			if len(ch.peers) == 0 {
				delete(r.channels, ch.id)
			}
			r.mu.Unlock()
			return nil, err
		}
	}
	previous := ch.peers[join.UID]
	ch.peers[join.UID] = peer
	peer.channel = ch
	uids := ch.uids()
	others := ch.others(join.UID)
	r.mu.Unlock()

	if previous != nil {
		r.logger.Infow("closing old connection for reconnecting peer", "channel_id", ch.id, "uid", join.UID)
		previous.close()
	}

	r.logger.Infow("peer joined channel",
		"channel_id", ch.id,
		"uid", join.UID,
		"role", role,
		"reconnect", previous != nil,
	)

	if err := peer.send(rtc.SignalMessage{Type: rtc.MsgJoined, Channel: ch.id, UID: join.UID, UIDs: uids}); err != nil {
		return peer, nil
	}
	if previous == nil {
		broadcast(others, rtc.SignalMessage{Type: rtc.MsgUserJoined, Channel: ch.id, UID: join.UID})
	}
	return peer, nil
}

// createTracks names the channel streams after the first host so receivers
// can attribute audio levels.
func (ch *relayChannel) createTracks(hostUID uint32) error {
	streamID := strconv.FormatUint(uint64(hostUID), 10)
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	ch.audio, ch.video = audio, video
	return nil
}

func (ch *relayChannel) uids() []uint32 {
	uids := make([]uint32, 0, len(ch.peers))
	for uid := range ch.peers {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (ch *relayChannel) others(uid uint32) []*relayPeer {
	peers := make([]*relayPeer, 0, len(ch.peers))
	for id, p := range ch.peers {
		if id != uid {
			peers = append(peers, p)
		}
	}
	return peers
}

func (r *ChannelRelay) handleMessage(peer *relayPeer, msg rtc.SignalMessage) error {
	switch msg.Type {
	case rtc.MsgOffer:
		if msg.SDP == "" {
			return fmt.Errorf("offer sdp is required")
		}
		return r.answer(peer, msg.SDP)
	case rtc.MsgCandidate:
		if msg.Candidate == nil {
			return nil
		}
		return peer.addCandidate(*msg.Candidate)
	case rtc.MsgLeave:
		return errLeave
	case rtc.MsgJoin:
		return fmt.Errorf("already joined channel %s", peer.channel.id)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// answer negotiates the peer connection. Hosts publish into the channel,
// audience members receive the channel tracks.
func (r *ChannelRelay) answer(peer *relayPeer, sdp string) error {
	peer.mu.Lock()
	if peer.pc != nil {
		peer.mu.Unlock()
		return errAlreadyOffered
	}
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   r.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		peer.mu.Unlock()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer.pc = pc
	peer.mu.Unlock()

	if peer.role == domain.RoleHost {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
		pc.OnTrack(r.forwardTrack(peer))
	} else {
		r.mu.RLock()
		tracks := []*webrtc.TrackLocalStaticRTP{peer.channel.audio, peer.channel.video}
		r.mu.RUnlock()
		for _, track := range tracks {
			if track == nil {
				continue
			}
			sender, err := pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
			}
			go drainRTCP(func() error {
				_, _, err := sender.ReadRTCP()
				return err
			})
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := peer.send(rtc.SignalMessage{Type: rtc.MsgCandidate, Channel: peer.channel.id, Candidate: &init}); err != nil {
			r.logger.Debugw("failed to send ice candidate", "uid", peer.uid, "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Infow("relay peer connection state changed",
			"channel_id", peer.channel.id,
			"uid", peer.uid,
			"connection_state", state,
		)
		if state == webrtc.PeerConnectionStateFailed {
			peer.conn.Close()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	peer.flushCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return peer.send(rtc.SignalMessage{Type: rtc.MsgAnswer, Channel: peer.channel.id, SDP: answer.SDP})
}

// forwardTrack copies a host's RTP into the channel tracks while that host
// is the publisher. When the publisher leaves, the next host to deliver a
// packet takes over.
func (r *ChannelRelay) forwardTrack(peer *relayPeer) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go drainRTCP(func() error {
			_, _, err := receiver.ReadRTCP()
			return err
		})

		ch := peer.channel
		r.mu.RLock()
		local := ch.audio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			local = ch.video
		}
		r.mu.RUnlock()
		if local == nil {
			return
		}

		r.logger.Infow("host started publishing track",
			"channel_id", ch.id,
			"uid", peer.uid,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		buf := make([]byte, 1500)
		packet := &rtp.Packet{}
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			if current := ch.publisher.Load(); current != peer.uid {
				if current != 0 || !ch.publisher.CompareAndSwap(0, peer.uid) {
					continue
				}
				r.logger.Infow("publisher assigned", "channel_id", ch.id, "uid", peer.uid)
			}
			if err := packet.Unmarshal(buf[:n]); err != nil {
				continue
			}
			if err := local.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				r.logger.Debugw("error forwarding rtp packet", "channel_id", ch.id, "error", err)
			}
		}
	}
}

// drainRTCP keeps the interceptors running until the reader fails.
func drainRTCP(read func() error) {
	for read() == nil {
	}
}

// remove unregisters the peer and tells the rest of the channel.
func (r *ChannelRelay) remove(peer *relayPeer) {
	ch := peer.channel

	r.mu.Lock()
	current := ch.peers[peer.uid] == peer
	if current {
		delete(ch.peers, peer.uid)
	}
	ch.publisher.CompareAndSwap(peer.uid, 0)
	others := ch.others(peer.uid)
	if len(ch.peers) == 0 && r.channels[ch.id] == ch {
		delete(r.channels, ch.id)
	}
	r.mu.Unlock()

	peer.close()
	if !current {
		return
	}

	r.logger.Infow("peer left channel", "channel_id", ch.id, "uid", peer.uid)
	broadcast(others, rtc.SignalMessage{Type: rtc.MsgUserLeft, Channel: ch.id, UID: peer.uid})
}

// Stats reports channel, peer and publisher counts.
func (r *ChannelRelay) Stats() RelayStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RelayStats{Channels: len(r.channels)}
	for _, ch := range r.channels {
		stats.Peers += len(ch.peers)
		if ch.publisher.Load() != 0 {
			stats.Publishing++
		}
	}
	return stats
}

// Close disconnects every peer.
func (r *ChannelRelay) Close() {
	r.mu.RLock()
	var peers []*relayPeer
	for _, ch := range r.channels {
		for _, p := range ch.peers {
			peers = append(peers, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range peers {
		p.close()
	}
}

func (r *ChannelRelay) writeError(conn *websocket.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	conn.WriteJSON(rtc.SignalMessage{Type: rtc.MsgError, Message: message})
}

func broadcast(peers []*relayPeer, msg rtc.SignalMessage) {
	for _, p := range peers {
		p.send(msg)
	}
}

func (p *relayPeer) send(msg rtc.SignalMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(msg)
}

// addCandidate applies a remote candidate, or holds it until the offer has
// been applied.
func (p *relayPeer) addCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc == nil || !p.remoteSet {
		p.pending = append(p.pending, candidate)
		return nil
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *relayPeer) flushCandidates() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.remoteSet = true
	for _, c := range p.pending {
		p.pc.AddICECandidate(c)
	}
	p.pending = nil
}

func (p *relayPeer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		pc := p.pc
		p.mu.Unlock()
		if pc != nil {
			pc.Close()
		}
		p.conn.Close()
	})
}
