package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/EJH2/BetterDisco/endpoint"
)

// Stopper is anything producing outbound audio that must be stopped when the
// session goes away.
type Stopper interface {
	Stop() error
}

// ConnectOptions are the voice state flags sent when joining a channel.
type ConnectOptions struct {
	// Timeout bounds the wait for StateConnected. Zero uses Config.ConnectTimeout.
	Timeout time.Duration
	Mute    bool
	Deaf    bool
	Video   bool
}

// A Session holds all the data and functions related to one voice
// connection, either to a guild or to a DM call.
type Session struct {
	mu sync.RWMutex

	m   *Manager
	cfg Config
	log *log.Entry

	serverID  string
	channelID string
	isDM      bool

	token      string
	endpoint   string
	sessionID  string
	identified bool // a READY was received; the next handshake may RESUME

	ssrc           uint32
	ip             string
	port           int
	mode           string
	audioCodec     string
	videoCodec     string
	mediaSessionID string

	heartbeatAcknowledged bool
	lastHeartbeat         time.Time
	latency               time.Duration
	stopHeartbeat         context.CancelFunc

	reconnects int

	state         State
	stateHandlers []stateHandlerEntry
	handlerSeq    uint64

	ws       Transport
	media    MediaTransport
	playback Stopper
	ssrcs    *SSRCRegistry

	// closed is closed on Disconnect to interrupt reconnect backoff.
	closed chan struct{}
	err    *Error
}

func newSession(m *Manager, serverID string, isDM bool) *Session {
	return &Session{
		m:                     m,
		cfg:                   m.cfg,
		log:                   log.WithField("server_id", serverID),
		serverID:              serverID,
		isDM:                  isDM,
		sessionID:             m.gw.SessionID(),
		heartbeatAcknowledged: true,
		latency:               -1,
		state:                 StateDisconnected,
		ssrcs:                 NewSSRCRegistry(),
		closed:                make(chan struct{}),
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("<Session server_id=%s>", s.serverID)
}

// ServerID returns the guild id, or the DM channel id for DM calls.
func (s *Session) ServerID() string { return s.serverID }

// IsDM reports whether the session belongs to a DM call.
func (s *Session) IsDM() bool { return s.isDM }

// UserID returns the local user id.
func (s *Session) UserID() string { return s.m.gw.UserID() }

func (s *Session) ChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Identified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identified
}

// Latency is the round trip of the last acknowledged heartbeat, or -1.
func (s *Session) Latency() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency
}

func (s *Session) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Session) AudioCodec() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioCodec
}

func (s *Session) VideoCodec() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoCodec
}

func (s *Session) MediaSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mediaSessionID
}

// SSRCs returns the registry of remote participants.
func (s *Session) SSRCs() *SSRCRegistry { return s.ssrcs }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// SSRCAudio and friends derive the stream SSRCs from the base one.
func (s *Session) SSRCAudio() uint32 { return s.baseSSRC() }
func (s *Session) SSRCVideo() uint32 { return s.baseSSRC() + 1 }
func (s *Session) SSRCRTX() uint32   { return s.baseSSRC() + 2 }
func (s *Session) SSRCRTCP() uint32  { return s.baseSSRC() + 3 }

func (s *Session) baseSSRC() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssrc
}

// SetSessionID updates the main gateway session id used by IDENTIFY/RESUME.
func (s *Session) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// SetPlayback registers the outbound audio producer stopped on Disconnect.
func (s *Session) SetPlayback(p Stopper) {
	s.mu.Lock()
	s.playback = p
	s.mu.Unlock()
}

// Connect joins channelID and blocks until the voice connection is ready.
// If the session is already connected to another channel it is moved there
// and Connect returns right away; the new voice server, if any, is picked up
// through SetEndpoint/SetToken.
func (s *Session) Connect(ctx context.Context, channelID string, opts ConnectOptions) error {
	if s.isDM {
		channelID = s.serverID
	}
	if channelID == "" {
		return s.fail(ErrEmptyChannel)
	}

	s.mu.Lock()
	state := s.state
	if state == StateConnected && s.channelID == channelID {
		s.mu.Unlock()
		s.log.Debugf("already connected to %s, returning", channelID)
		return nil
	}
	awaiting := state == StateDisconnected || s.channelID != channelID
	s.channelID = channelID
	if state == StateDisconnected {
		s.closed = make(chan struct{})
		s.err = nil
	}
	s.mu.Unlock()

	if state == StateConnected {
		s.log.Debugf("moving to channel %s", channelID)
		return s.setVoiceState(channelID, opts)
	}

	s.log.Debugf("attempting connection to channel id %s", channelID)
	if state == StateDisconnected {
		s.m.register(s)
	}

	ready, remove := s.connectedWaiter()
	defer remove()

	// The handshake may have completed between reading the state and
	// registering the waiter.
	if !awaiting && s.State() == StateConnected {
		return nil
	}

	if awaiting {
		s.setState(StateAwaitingEndpoint)
	}

	if err := s.setVoiceState(channelID, opts); err != nil {
		s.Disconnect()
		return fmt.Errorf("sending voice state update: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.cfg.ConnectTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := waitForConnected(wctx, ready)
	if err != nil {
		s.log.Warnf("failed to connect to voice, %s", err)
		s.Disconnect()
		return &Error{Session: s, Err: fmt.Errorf("%w: %w", ErrConnectTimeout, err)}
	}
	if !ok {
		if err := s.Err(); err != nil {
			return err
		}
		return &Error{Session: s, Err: ErrSessionClosed}
	}
	return nil
}

// Disconnect leaves voice and tears the session down. It is safe to call
// more than once.
func (s *Session) Disconnect() {
	var (
		t        Transport
		media    MediaTransport
		playback Stopper
	)
	ok := s.changeState(StateDisconnected, func() bool {
		if s.state == StateDisconnected {
			return false
		}
		t = s.detachLocked()
		// Leaving ends the voice session; a later Connect waits for new
		// server credentials.
		s.identified = false
		s.token, s.endpoint = "", ""
		media, s.media = s.media, nil
		playback, s.playback = s.playback, nil
		close(s.closed)
		return true
	})
	if !ok {
		return
	}

	s.closeTransport(t, websocket.CloseNormalClosure)

	if err := s.setVoiceState("", ConnectOptions{}); err != nil {
		s.log.Debugf("error leaving voice channel, %s", err)
	}

	if media != nil {
		media.Disconnect()
	}

	if playback != nil {
		if err := playback.Stop(); err != nil {
			s.log.Debugf("error stopping playback, %s", err)
		}
	}

	s.m.remove(s)
	s.m.emitDisconnect(s)
}

// SetEndpoint stores the voice server host. A new endpoint drops the current
// transport and forces a fresh IDENTIFY.
func (s *Session) SetEndpoint(ep string) {
	s.updateServer(nil, &ep)
}

// SetToken stores the voice token and, unless a session can be resumed,
// starts the handshake.
func (s *Session) SetToken(token string) {
	s.updateServer(&token, nil)
}

// UpdateServer applies a voice server update carrying both the token and the
// endpoint. At most one transport is opened for the pair.
func (s *Session) UpdateServer(token, ep string) {
	s.updateServer(&token, &ep)
}

func (s *Session) updateServer(token, ep *string) {
	var (
		old             Transport
		endpointChanged bool
		tokenChanged    bool
	)

	s.mu.Lock()
	if ep != nil {
		if host := endpoint.VoiceHost(*ep); host != s.endpoint {
			s.log.Infof("%s (%s)", s.state, host)
			s.endpoint = host
			old = s.detachLocked()
			s.identified = false
			endpointChanged = true
		}
	}
	if token != nil && *token != s.token {
		s.token = *token
		tokenChanged = true
	}
	reopen := (endpointChanged && s.token != "") || (tokenChanged && !s.identified)
	s.mu.Unlock()

	s.closeTransport(old, websocket.CloseNormalClosure)
	if reopen {
		s.connectAndRun()
	}
}

// SetSpeaking sends our outbound speaking state.
func (s *Session) SetSpeaking(voice, soundshare, priority bool, delay int) {
	s.send(Speaking, speakingData{
		Speaking: SpeakingFlags(voice, soundshare, priority),
		Delay:    delay,
		SSRC:     s.baseSSRC(),
	})
}

// SendFrame sends one encoded audio frame over the media transport.
func (s *Session) SendFrame(frame []byte) error {
	s.mu.RLock()
	media := s.media
	s.mu.RUnlock()
	if media == nil {
		return ErrNotConnected
	}
	return media.SendFrame(frame)
}

// IncrementTimestamp advances the outbound RTP timestamp, e.g. over silence.
func (s *Session) IncrementTimestamp(n uint32) {
	s.mu.RLock()
	media := s.media
	s.mu.RUnlock()
	if media != nil {
		media.IncrementTimestamp(n)
	}
}

func (s *Session) setVoiceState(channelID string, opts ConnectOptions) error {
	u := VoiceStateUpdate{
		SelfMute:  opts.Mute,
		SelfDeaf:  opts.Deaf,
		SelfVideo: opts.Video,
	}
	if !s.isDM {
		guildID := s.serverID
		u.GuildID = &guildID
	}
	if channelID != "" {
		u.ChannelID = &channelID
	}
	return s.m.gw.SendVoiceStateUpdate(u)
}

// connectAndRun opens a new transport to the current endpoint, replacing
// any previous one.
func (s *Session) connectAndRun() {
	s.mu.Lock()
	if s.endpoint == "" || s.token == "" || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	old := s.detachLocked()
	t := s.cfg.NewTransport()
	s.ws = t
	url := endpoint.VoiceGateway(s.endpoint, s.cfg.GatewayVersion)
	s.mu.Unlock()

	s.closeTransport(old, websocket.CloseNormalClosure)
	t.Open(url, &transportHandler{s: s, t: t})
}

// detachLocked forgets the current transport and stops its heartbeat.
func (s *Session) detachLocked() Transport {
	t := s.ws
	s.ws = nil
	if s.stopHeartbeat != nil {
		s.stopHeartbeat()
		s.stopHeartbeat = nil
	}
	return t
}

func (s *Session) closeTransport(t Transport, status int) {
	if t == nil {
		return
	}
	if err := t.Close(status); err != nil {
		s.log.Debugf("error closing voice websocket, %s", err)
	}
}

// claim detaches t if it is still the current transport. Only one caller
// can win for a given transport.
func (s *Session) claim(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil || s.ws != t {
		return false
	}
	s.detachLocked()
	return true
}

func (s *Session) current(t Transport) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return t != nil && s.ws == t
}

// send encodes and writes a frame to the current transport.
func (s *Session) send(op Opcode, data interface{}) {
	s.mu.RLock()
	t := s.ws
	s.mu.RUnlock()
	s.sendTo(t, op, data)
}

// sendTo writes to t. Frames for a closed transport are dropped.
func (s *Session) sendTo(t Transport, op Opcode, data interface{}) {
	if t == nil || !t.Connected() {
		s.log.Debugf("dropping %s because ws is closed", op)
		return
	}

	b, err := s.cfg.Encoder.Encode(outboundEvent{Opcode: op, Data: data})
	if err != nil {
		s.log.Errorf("error encoding %s, %s", op, err)
		return
	}

	s.log.Debugf("sending %s", op)
	if err := t.Send(b, s.cfg.Encoder.FrameKind()); err != nil {
		s.log.Debugf("error sending %s, %s", op, err)
	}
}

// fail ends the session with a fatal error. A session that never left
// StateDisconnected sends no leave but is still unregistered.
func (s *Session) fail(err error) *Error {
	verr := &Error{Session: s, Err: err}
	s.mu.Lock()
	s.err = verr
	s.mu.Unlock()

	s.log.Error(verr)
	s.Disconnect()
	s.m.remove(s)
	s.m.emitError(verr)
	return verr
}

// transportHandler binds the events of one transport to the session.
type transportHandler struct {
	s *Session
	t Transport
}

func (h *transportHandler) OnOpen()               { h.s.onOpen(h.t) }
func (h *transportHandler) OnMessage(data []byte) { h.s.onMessage(h.t, data) }
func (h *transportHandler) OnError(err error)     { h.s.onError(h.t, err) }
func (h *transportHandler) OnClose(code int, reason string) {
	h.s.onClose(h.t, code, reason)
}
