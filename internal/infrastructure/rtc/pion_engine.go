package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

var errNotJoined = errors.New("not joined to a channel")

// PionConfig configures the pion engine.
type PionConfig struct {
	SignalingURL string
	ICEServers   []webrtc.ICEServer
	PortRange    struct {
		Min uint16
		Max uint16
	}
	VolumeInterval    time.Duration
	PacketLossWarning float64
}

// Signalling message types.
const (
	MsgJoin       = "join"
	MsgJoined     = "joined"
	MsgLeave      = "leave"
	MsgOffer      = "offer"
	MsgAnswer     = "answer"
	MsgCandidate  = "candidate"
	MsgUserJoined = "user-joined"
	MsgUserLeft   = "user-left"
	MsgError      = "error"
)

// SignalMessage is the JSON envelope exchanged with the signalling server.
type SignalMessage struct {
	Type      string                   `json:"type"`
	Channel   string                   `json:"channel,omitempty"`
	UID       uint32                   `json:"uid,omitempty"`
	Role      domain.ClientRole        `json:"role,omitempty"`
	Token     string                   `json:"token,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UIDs      []uint32                 `json:"uids,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// PionEngine implements ports.RTCEngine on pion/webrtc with websocket signalling.
type PionEngine struct {
	config PionConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu         sync.Mutex
	api        *webrtc.API
	handler    ports.EngineEventHandler
	session    *pionSession
	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP
	released   bool
}

// pionSession is one joined channel.
type pionSession struct {
	channel string
	uid     uint32
	pc      *webrtc.PeerConnection
	ws      *websocket.Conn
	writeMu sync.Mutex

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	levelsMu sync.Mutex
	levels   map[uint32]int

	answer chan string
	done   chan struct{}
	once   sync.Once
}

// NewPionEngine creates an engine. Nothing is allocated until Initialize.
func NewPionEngine(config PionConfig, logger *zap.SugaredLogger) *PionEngine {
	if config.VolumeInterval <= 0 {
		config.VolumeInterval = 200 * time.Millisecond
	}
	return &PionEngine{
		config: config,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// PionEngineFactory returns a factory building a fresh engine per call.
func PionEngineFactory(config PionConfig, logger *zap.SugaredLogger) ports.EngineFactory {
	return func() (ports.RTCEngine, error) {
		return NewPionEngine(config, logger), nil
	}
}

var _ ports.RTCEngine = (*PionEngine)(nil)

func (e *PionEngine) SetEventHandler(handler ports.EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Initialize builds the media API and local tracks.
func (e *PionEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return fmt.Errorf("engine has been released")
	}
	if e.api != nil {
		return nil
	}
	if e.config.SignalingURL == "" {
		return fmt.Errorf("signaling url is not configured")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return fmt.Errorf("failed to register audio level extension: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if e.config.PortRange.Min > 0 && e.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.config.PortRange.Min, e.config.PortRange.Max); err != nil {
			return fmt.Errorf("invalid port range: %w", err)
		}
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"livecast-audio",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"livecast-video",
	)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}

	e.api = webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine))
	e.audioTrack = audioTrack
	e.videoTrack = videoTrack
	return nil
}

// LocalAudioTrack is where a media source writes Opus RTP packets.
func (e *PionEngine) LocalAudioTrack() *webrtc.TrackLocalStaticRTP {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioTrack
}

// LocalVideoTrack is where a media source writes VP8 RTP packets.
func (e *PionEngine) LocalVideoTrack() *webrtc.TrackLocalStaticRTP {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoTrack
}

// JoinChannel dials the signalling server, negotiates a peer connection and
// returns once the remote answer is applied.
func (e *PionEngine) JoinChannel(ctx context.Context, token, channel string, uid uint32, role domain.ClientRole) error {
	e.mu.Lock()
	if e.api == nil {
		e.mu.Unlock()
		return fmt.Errorf("engine is not initialized")
	}
	if e.session != nil {
		e.mu.Unlock()
		return fmt.Errorf("already joined channel %s", e.session.channel)
	}
	api := e.api
	audioTrack, videoTrack := e.audioTrack, e.videoTrack
	e.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := e.dialer.DialContext(ctx, e.config.SignalingURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		ws.Close()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &pionSession{
		channel: channel,
		uid:     uid,
		pc:      pc,
		ws:      ws,
		levels:  make(map[uint32]int),
		answer:  make(chan string, 1),
		done:    make(chan struct{}),
	}

	if err := e.setupMedia(s, role, audioTrack, videoTrack); err != nil {
		s.close()
		return err
	}

	e.mu.Lock()
	e.session = s
	e.mu.Unlock()

	go e.readLoop(s)
	go e.volumeLoop(s)

	if err := s.send(SignalMessage{Type: MsgJoin, Channel: channel, UID: uid, Role: role, Token: token}); err != nil {
		e.dropSession(s)
		return fmt.Errorf("failed to send join: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.dropSession(s)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.dropSession(s)
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := s.send(SignalMessage{Type: MsgOffer, Channel: channel, SDP: offer.SDP}); err != nil {
		e.dropSession(s)
		return fmt.Errorf("failed to send offer: %w", err)
	}

	select {
	case sdp := <-s.answer:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
			e.dropSession(s)
			return fmt.Errorf("failed to set remote description: %w", err)
		}
	case <-s.done:
		e.dropSession(s)
		return fmt.Errorf("signaling connection closed during join")
	case <-ctx.Done():
		e.dropSession(s)
		return ctx.Err()
	}

	e.emit(func(h ports.EngineEventHandler) { h.OnJoinChannelSuccess(channel, uid) })
	return nil
}

func (e *PionEngine) setupMedia(s *pionSession, role domain.ClientRole, audioTrack, videoTrack *webrtc.TrackLocalStaticRTP) error {
	pc := s.pc

	if role == domain.RoleHost {
		audioSender, err := pc.AddTrack(audioTrack)
		if err != nil {
			return fmt.Errorf("failed to add audio track: %w", err)
		}
		videoSender, err := pc.AddTrack(videoTrack)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		s.audioSender = audioSender
		s.videoSender = videoSender

		go e.processRTCP(s, func() ([]rtcp.Packet, error) {
			packets, _, err := audioSender.ReadRTCP()
			return packets, err
		})
		go e.processRTCP(s, func() ([]rtcp.Packet, error) {
			packets, _, err := videoSender.ReadRTCP()
			return packets, err
		})
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.logger.Debugw("remote track started",
			"channel_id", s.channel,
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)
		go e.processRTCP(s, func() ([]rtcp.Packet, error) {
			packets, _, err := receiver.ReadRTCP()
			return packets, err
		})
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go e.readAudioLevels(s, track, receiver)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := s.send(SignalMessage{Type: MsgCandidate, Channel: s.channel, Candidate: &init}); err != nil {
			e.logger.Debugw("failed to send ice candidate", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("peer connection state changed",
			"channel_id", s.channel,
			"connection_state", state,
		)
		e.emit(func(h ports.EngineEventHandler) { h.OnConnectionStateChanged(mapPeerConnectionState(state)) })
	})

	return nil
}

// readLoop dispatches signalling messages until the socket closes.
func (e *PionEngine) readLoop(s *pionSession) {
	defer s.close()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				e.logger.Warnw("signaling connection lost", "channel_id", s.channel, "error", err)
				e.emit(func(h ports.EngineEventHandler) { h.OnError(fmt.Errorf("signaling connection lost: %w", err)) })
			}
			return
		}

		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Warnw("invalid signaling message", "error", err)
			continue
		}
		e.handleSignal(s, msg)
	}
}

func (e *PionEngine) handleSignal(s *pionSession, msg SignalMessage) {
	switch msg.Type {
	case MsgAnswer:
		select {
		case s.answer <- msg.SDP:
		default:
		}
	case MsgCandidate:
		if msg.Candidate == nil {
			return
		}
		if err := s.pc.AddICECandidate(*msg.Candidate); err != nil {
			e.logger.Debugw("failed to add ice candidate", "error", err)
		}
	case MsgJoined:
		for _, uid := range msg.UIDs {
			if uid != s.uid {
				uid := uid
				e.emit(func(h ports.EngineEventHandler) { h.OnUserJoined(uid) })
			}
		}
	case MsgUserJoined:
		e.emit(func(h ports.EngineEventHandler) { h.OnUserJoined(msg.UID) })
	case MsgUserLeft:
		e.emit(func(h ports.EngineEventHandler) { h.OnUserOffline(msg.UID) })
	case MsgError:
		err := fmt.Errorf("signaling error: %s", msg.Message)
		e.emit(func(h ports.EngineEventHandler) { h.OnError(err) })
		s.close()
	default:
		e.logger.Debugw("unknown signaling message", "type", msg.Type)
	}
}

// readAudioLevels reads the audio level header extension from remote audio.
func (e *PionEngine) readAudioLevels(s *pionSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	extID := uint8(0)
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			extID = uint8(ext.ID)
		}
	}
	uid := uidFromStreamID(track.StreamID(), uint32(track.SSRC()))

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if extID == 0 {
			continue
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		level, ok := audioLevel(packet, extID)
		if !ok {
			continue
		}

		s.levelsMu.Lock()
		if level > s.levels[uid] {
			s.levels[uid] = level
		}
		s.levelsMu.Unlock()
	}
}

// volumeLoop reports the loudest level per uid once per interval.
func (e *PionEngine) volumeLoop(s *pionSession) {
	ticker := time.NewTicker(e.config.VolumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.levelsMu.Lock()
			if len(s.levels) == 0 {
				s.levelsMu.Unlock()
				continue
			}
			levels := s.levels
			s.levels = make(map[uint32]int)
			s.levelsMu.Unlock()

			e.emit(func(h ports.EngineEventHandler) { h.OnAudioVolumeIndication(levels) })
		}
	}
}

// processRTCP turns receiver reports with high loss into warnings.
func (e *PionEngine) processRTCP(s *pionSession, read func() ([]rtcp.Packet, error)) {
	for {
		packets, err := read()
		if err != nil {
			return
		}
		if loss, ok := maxFractionLost(packets); ok && loss > e.config.PacketLossWarning && e.config.PacketLossWarning > 0 {
			warning := domain.EngineWarning{
				Code:    WarningPacketLoss,
				Message: fmt.Sprintf("packet loss %.1f%% in channel %s", loss*100, s.channel),
			}
			e.emit(func(h ports.EngineEventHandler) { h.OnWarning(warning) })
		}
	}
}

// WarningPacketLoss is reported when a receiver report exceeds the loss threshold.
const WarningPacketLoss = 1001

func (e *PionEngine) MuteLocalAudioStream(muted bool) error {
	e.mu.Lock()
	s, track := e.session, e.audioTrack
	e.mu.Unlock()

	if s == nil || s.audioSender == nil {
		return nil
	}
	if muted {
		return s.audioSender.ReplaceTrack(nil)
	}
	return s.audioSender.ReplaceTrack(track)
}

func (e *PionEngine) EnableLocalVideo(enabled bool) error {
	e.mu.Lock()
	s, track := e.session, e.videoTrack
	e.mu.Unlock()

	if s == nil || s.videoSender == nil {
		return nil
	}
	if enabled {
		return s.videoSender.ReplaceTrack(track)
	}
	return s.videoSender.ReplaceTrack(nil)
}

func (e *PionEngine) LeaveChannel(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()

	if s == nil {
		return errNotJoined
	}

	if err := s.send(SignalMessage{Type: MsgLeave, Channel: s.channel, UID: s.uid}); err != nil {
		e.logger.Debugw("failed to send leave", "error", err)
	}
	s.close()

	e.emit(func(h ports.EngineEventHandler) { h.OnLeaveChannel() })
	return nil
}

// Release tears down the current session. The engine cannot be reused.
func (e *PionEngine) Release() error {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.released = true
	e.api = nil
	e.mu.Unlock()

	if s != nil {
		s.close()
	}
	return nil
}

func (e *PionEngine) dropSession(s *pionSession) {
	e.mu.Lock()
	if e.session == s {
		e.session = nil
	}
	e.mu.Unlock()
	s.close()
}

func (e *PionEngine) emit(fn func(h ports.EngineEventHandler)) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

func (s *pionSession) send(msg SignalMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteJSON(msg)
}

func (s *pionSession) close() {
	s.once.Do(func() {
		close(s.done)
		if s.pc != nil {
			s.pc.Close()
		}
		s.ws.Close()
	})
}

// mapPeerConnectionState converts pion connection states to adapter states.
func mapPeerConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	default:
		return domain.ConnectionDisconnected
	}
}

// audioLevel reads the RFC 6464 extension and rescales it to 0-255, where
// 0 is silence.
func audioLevel(packet *rtp.Packet, extID uint8) (int, bool) {
	raw := packet.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	dBov := int(ext.Level)
	if dBov > 127 {
		dBov = 127
	}
	return (127 - dBov) * 255 / 127, true
}

// maxFractionLost returns the worst loss fraction among receiver reports.
func maxFractionLost(packets []rtcp.Packet) (float64, bool) {
	found := false
	var worst uint8
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			found = true
			if report.FractionLost > worst {
				worst = report.FractionLost
			}
		}
	}
	return float64(worst) / 256.0, found
}

// uidFromStreamID parses the publisher uid the signalling server puts in the
// media stream id, falling back to the SSRC.
func uidFromStreamID(streamID string, ssrc uint32) uint32 {
	if uid, err := strconv.ParseUint(streamID, 10, 32); err == nil && uid > 0 {
		return uint32(uid)
	}
	return ssrc
}
