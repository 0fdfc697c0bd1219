package voice

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// VoiceStateUpdate asks the main gateway to move the local user. A nil
// GuildID targets a DM call; a nil ChannelID leaves voice.
type VoiceStateUpdate struct {
	GuildID   *string `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
	SelfVideo bool    `json:"self_video"`
}

// Gateway is the parent client a Manager signals through.
type Gateway interface {
	UserID() string
	SessionID() string
	SendVoiceStateUpdate(u VoiceStateUpdate) error
}

// SpeakingUpdateHandler handles SpeakingUpdate events.
type SpeakingUpdateHandler func(u *SpeakingUpdate)

// DisconnectHandler handles sessions that were torn down.
type DisconnectHandler func(s *Session)

// ErrorHandler handles fatal session errors.
type ErrorHandler func(err *Error)

// Manager owns the voice sessions of one client, keyed by server id.
type Manager struct {
	sync.RWMutex

	gw       Gateway
	cfg      Config
	sessions map[string]*Session

	handlersMu         sync.RWMutex
	speakingHandlers   []SpeakingUpdateHandler
	disconnectHandlers []DisconnectHandler
	errorHandlers      []ErrorHandler
}

// NewManager returns a Manager creating sessions with cfg.
func NewManager(gw Gateway, cfg Config) *Manager {
	return &Manager{
		gw:       gw,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Join returns the session registered for serverID, creating and
// registering one if none exists.
func (m *Manager) Join(serverID string, isDM bool) *Session {
	m.Lock()
	defer m.Unlock()

	if s, ok := m.sessions[serverID]; ok {
		return s
	}

	log.Debugf("creating voice session %s", serverID)
	s := newSession(m, serverID, isDM)
	m.sessions[serverID] = s
	return s
}

// Get returns the session registered for serverID.
func (m *Manager) Get(serverID string) (*Session, bool) {
	m.RLock()
	defer m.RUnlock()
	s, ok := m.sessions[serverID]
	return s, ok
}

// Sessions returns a snapshot of every registered session.
func (m *Manager) Sessions() []*Session {
	m.RLock()
	defer m.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// DisconnectAll tears down every registered session.
func (m *Manager) DisconnectAll() {
	for _, s := range m.Sessions() {
		s.Disconnect()
	}
}

// register puts s back in the registry after it was torn down, unless
// another session took its server id meanwhile.
func (m *Manager) register(s *Session) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.sessions[s.serverID]; !ok {
		m.sessions[s.serverID] = s
	}
}

// remove unregisters s if it is still the session for its server.
func (m *Manager) remove(s *Session) {
	m.Lock()
	defer m.Unlock()
	if m.sessions[s.serverID] == s {
		log.Debugf("deleting voice session %s", s.serverID)
		delete(m.sessions, s.serverID)
	}
}

// AddSpeakingHandler adds a handler for SpeakingUpdate events.
func (m *Manager) AddSpeakingHandler(h SpeakingUpdateHandler) {
	m.handlersMu.Lock()
	m.speakingHandlers = append(m.speakingHandlers, h)
	m.handlersMu.Unlock()
}

// AddDisconnectHandler adds a handler called once per torn down session.
func (m *Manager) AddDisconnectHandler(h DisconnectHandler) {
	m.handlersMu.Lock()
	m.disconnectHandlers = append(m.disconnectHandlers, h)
	m.handlersMu.Unlock()
}

// AddErrorHandler adds a handler for fatal session errors.
func (m *Manager) AddErrorHandler(h ErrorHandler) {
	m.handlersMu.Lock()
	m.errorHandlers = append(m.errorHandlers, h)
	m.handlersMu.Unlock()
}

func (m *Manager) emitSpeaking(u *SpeakingUpdate) {
	m.handlersMu.RLock()
	handlers := m.speakingHandlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(u)
	}
}

func (m *Manager) emitDisconnect(s *Session) {
	m.handlersMu.RLock()
	handlers := m.disconnectHandlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (m *Manager) emitError(err *Error) {
	m.handlersMu.RLock()
	handlers := m.errorHandlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
