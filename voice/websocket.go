package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Opcode 0 - CLIENT
type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Video     bool   `json:"video"`
}

// Opcode 1 - CLIENT
type selectProtocolData struct {
	Protocol string          `json:"protocol"` // Always "udp"
	Data     udpProtocolData `json:"data"`
	Codecs   []codecData     `json:"codecs"`
}

type udpProtocolData struct {
	Address string `json:"address"` // Public IP of machine running this code
	Port    int    `json:"port"`    // UDP Port of machine running this code
	Mode    string `json:"mode"`
}

type codecData struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	PayloadType int    `json:"payload_type"`
}

// Opcode 2 - SERVER
type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// Opcode 4 - SERVER
type sessionDescriptionData struct {
	Mode           string   `json:"mode"`
	AudioCodec     string   `json:"audio_codec"`
	VideoCodec     string   `json:"video_codec"`
	MediaSessionID string   `json:"media_session_id"`
	SecretKey      [32]byte `json:"secret_key"`
}

// Opcode 5 - CLIENT/SERVER
type speakingData struct {
	UserID   string `json:"user_id,omitempty"`
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// Opcode 7 - CLIENT
type resumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Opcode 8 - SERVER
type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // in milliseconds (ms)
}

// Opcode 12 - CLIENT
type clientConnectData struct {
	AudioSSRC uint32 `json:"audio_ssrc"`
	VideoSSRC uint32 `json:"video_ssrc"`
	RTXSSRC   uint32 `json:"rtx_ssrc"`
}

// Opcode 12 - SERVER
type clientConnectEvent struct {
	UserID    string `json:"user_id"`
	AudioSSRC uint32 `json:"audio_ssrc"`
	VideoSSRC uint32 `json:"video_ssrc"`
}

// Opcode 13 - SERVER
type clientDisconnectEvent struct {
	UserID string `json:"user_id"`
}

// AudioCodecs is the codec announcement order sent in SELECT_PROTOCOL.
var AudioCodecs = []string{"opus"}

// RTPPayloadTypes maps codec names to their RTP payload type.
var RTPPayloadTypes = map[string]uint8{
	"opus": 120,
}

// codecAnnouncement lists AudioCodecs with descending preference.
func codecAnnouncement() []codecData {
	codecs := make([]codecData, 0, len(AudioCodecs))
	for idx, name := range AudioCodecs {
		codecs = append(codecs, codecData{
			Name:        name,
			Type:        "audio",
			Priority:    (idx + 1) * 1000,
			PayloadType: int(RTPPayloadTypes[name]),
		})
	}
	return codecs
}

// selectMode returns the first of our modes the server supports.
func selectMode(supported, advertised []string) (string, bool) {
	for _, mode := range supported {
		for _, m := range advertised {
			if m == mode {
				return mode, true
			}
		}
	}
	return "", false
}

func (s *Session) onOpen(t Transport) {
	s.mu.RLock()
	current := s.ws == t
	identified := s.identified
	resume := resumeData{s.serverID, s.sessionID, s.token}
	identify := identifyData{s.serverID, s.m.gw.UserID(), s.sessionID, s.token, s.cfg.Video}
	s.mu.RUnlock()
	if !current {
		return
	}

	s.changeState(StateAuthenticating, func() bool { return s.ws == t })

	if identified {
		s.log.Info("sending RESUME")
		s.sendTo(t, Resume, resume)
	} else {
		s.log.Info("sending IDENTIFY")
		s.sendTo(t, Identify, identify)
	}
}

func (s *Session) onError(t Transport, err error) {
	s.log.Errorf("voice websocket received error, %s", err)
}

// onMessage handles any voice websocket events, in the order the transport
// delivered them.
func (s *Session) onMessage(t Transport, message []byte) {
	if !s.current(t) {
		return
	}

	var e Event
	if err := s.cfg.Encoder.Decode(message, &e); err != nil {
		s.log.Errorf("failed to parse voice gateway message, %s", err)
		return
	}

	var err error
	switch e.Opcode {
	case Hello:
		err = s.onHello(t, e.RawData)
	case Ready:
		err = s.onReady(t, e.RawData)
	case SessionDescription:
		err = s.onSessionDescription(t, e.RawData)
	case Resumed:
		s.onResumed(t)
	case Heartbeat:
		s.onHeartbeatRequest(t, e.RawData)
	case HeartbeatACK:
		s.onHeartbeatACK(t)
	case Speaking:
		err = s.onSpeaking(e.RawData)
	case ClientConnect:
		err = s.onClientConnect(e.RawData)
	case ClientDisconnect:
		err = s.onClientDisconnect(e.RawData)
	default:
		s.log.Debugf("unknown voice operation, opcode: %d, %s", e.Opcode, string(e.RawData))
	}

	if err != nil {
		s.log.Errorf("%s unmarshal error, %s, %s", e.Opcode, err, string(e.RawData))
	}
}

func (s *Session) decode(raw json.RawMessage, v interface{}) error {
	return s.cfg.Encoder.Decode(raw, v)
}

func (s *Session) onHello(t Transport, raw json.RawMessage) error {
	var h helloData
	if err := s.decode(raw, &h); err != nil {
		return err
	}
	if h.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %v", h.HeartbeatInterval)
	}

	interval := time.Duration(h.HeartbeatInterval * float64(time.Millisecond))
	s.log.Infof("received HELLO, heartbeating every %s", interval)

	s.startHeartbeat(t, interval)
	// A HELLO on an established session only restarts the heartbeat.
	s.changeState(StateAuthenticated, func() bool {
		return s.ws == t && s.state == StateAuthenticating
	})
	return nil
}

func (s *Session) onReady(t Transport, raw json.RawMessage) error {
	var r readyData
	if err := s.decode(raw, &r); err != nil {
		return err
	}

	s.log.Info("received READY, RTC connecting")

	var oldMedia MediaTransport
	mode, supported := selectMode(s.cfg.Modes, r.Modes)
	ok := s.changeState(StateConnecting, func() bool {
		if s.ws != t {
			return false
		}
		s.ssrc = r.SSRC
		s.ip = r.IP
		s.port = r.Port
		s.identified = true
		s.mode = mode
		oldMedia, s.media = s.media, nil
		return true
	})
	if !ok {
		return nil
	}
	if oldMedia != nil {
		oldMedia.Disconnect()
	}

	if !supported {
		s.fail(fmt.Errorf("%w in %v", ErrNoSupportedMode, r.Modes))
		return nil
	}
	s.log.Debugf("selected mode %s", mode)

	s.log.Debugf("attempting IP discovery over UDP to %s:%d", r.IP, r.Port)
	media := s.cfg.NewMedia(r.SSRC)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DiscoveryTimeout)
	ip, port, err := media.Discover(ctx, r.IP, r.Port)
	cancel()
	if err != nil {
		media.Disconnect()
		s.log.Error("failed to discover bot IP, perhaps a network configuration error is present")
		s.fail(fmt.Errorf("%w: %v", ErrIPDiscovery, err))
		return nil
	}

	s.mu.Lock()
	if s.ws != t {
		s.mu.Unlock()
		media.Disconnect()
		return nil
	}
	s.media = media
	s.mu.Unlock()

	s.log.Debugf("IP discovery completed (%s:%d), sending SELECT_PROTOCOL", ip, port)
	s.sendTo(t, SelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: udpProtocolData{
			Address: ip,
			Port:    port,
			Mode:    mode,
		},
		Codecs: codecAnnouncement(),
	})
	s.sendTo(t, ClientConnect, clientConnectData{AudioSSRC: r.SSRC})
	return nil
}

func (s *Session) onSessionDescription(t Transport, raw json.RawMessage) error {
	var sd sessionDescriptionData
	if err := s.decode(raw, &sd); err != nil {
		return err
	}

	s.mu.Lock()
	if s.ws != t {
		s.mu.Unlock()
		return nil
	}
	s.mode = sd.Mode
	s.audioCodec = sd.AudioCodec
	s.videoCodec = sd.VideoCodec
	s.mediaSessionID = sd.MediaSessionID
	media := s.media
	s.mu.Unlock()

	if media == nil {
		return fmt.Errorf("session description without media transport")
	}

	if err := media.SetAudioCodec(sd.AudioCodec); err != nil {
		s.log.Warnf("error setting audio codec %q, %s", sd.AudioCodec, err)
	}
	if err := media.SetupEncryption(sd.Mode, sd.SecretKey[:]); err != nil {
		s.log.Errorf("error setting up encryption, %s", err)
	}

	s.log.Info("received session description, connected")
	s.markConnected(t)
	return nil
}

func (s *Session) onResumed(t Transport) {
	s.log.Info("voice websocket resumed")
	s.markConnected(t)
}

func (s *Session) markConnected(t Transport) {
	s.changeState(StateConnected, func() bool {
		if s.ws != t {
			return false
		}
		s.reconnects = 0
		return true
	})
}

func (s *Session) onSpeaking(raw json.RawMessage) error {
	var sp speakingData
	if err := s.decode(raw, &sp); err != nil {
		return err
	}

	s.ssrcs.Set(sp.SSRC, sp.UserID)

	voice, soundshare, priority := DecodeSpeaking(sp.Speaking)
	s.m.emitSpeaking(&SpeakingUpdate{
		Session:    s,
		UserID:     sp.UserID,
		SSRC:       sp.SSRC,
		Voice:      voice,
		Soundshare: soundshare,
		Priority:   priority,
	})
	return nil
}

func (s *Session) onClientConnect(raw json.RawMessage) error {
	var cc clientConnectEvent
	if err := s.decode(raw, &cc); err != nil {
		return err
	}
	// VideoSSRC is not tracked.
	s.ssrcs.Set(cc.AudioSSRC, cc.UserID)
	return nil
}

func (s *Session) onClientDisconnect(raw json.RawMessage) error {
	var cd clientDisconnectEvent
	if err := s.decode(raw, &cd); err != nil {
		return err
	}
	s.ssrcs.RemoveUser(cd.UserID)
	return nil
}
