package voice

import "sync"

// Speaking flags carried by the SPEAKING opcode.
const (
	SpeakingNone       = 0
	SpeakingVoice      = 1 << 0
	SpeakingSoundshare = 1 << 1
	SpeakingPriority   = 1 << 2
)

// SpeakingFlags builds a SPEAKING bitmask.
func SpeakingFlags(voice, soundshare, priority bool) int {
	flags := SpeakingNone
	if voice {
		flags |= SpeakingVoice
	}
	if soundshare {
		flags |= SpeakingSoundshare
	}
	if priority {
		flags |= SpeakingPriority
	}
	return flags
}

// DecodeSpeaking splits a SPEAKING bitmask into its flags.
func DecodeSpeaking(flags int) (voice, soundshare, priority bool) {
	return flags&SpeakingVoice != 0, flags&SpeakingSoundshare != 0, flags&SpeakingPriority != 0
}

// SpeakingUpdate is published when a participant's speaking state changes.
type SpeakingUpdate struct {
	Session    *Session
	UserID     string
	SSRC       uint32
	Voice      bool
	Soundshare bool
	Priority   bool
}

// SSRCRegistry maps remote audio SSRCs to user ids.
type SSRCRegistry struct {
	mu    sync.RWMutex
	users map[uint32]string
}

// NewSSRCRegistry returns an empty registry.
func NewSSRCRegistry() *SSRCRegistry {
	return &SSRCRegistry{users: make(map[uint32]string)}
}

// Set maps ssrc to userID, replacing any previous owner of ssrc.
func (r *SSRCRegistry) Set(ssrc uint32, userID string) {
	r.mu.Lock()
	r.users[ssrc] = userID
	r.mu.Unlock()
}

// RemoveUser drops the mapping owned by userID. Mappings are one to one, so
// only the first match is removed.
func (r *SSRCRegistry) RemoveUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ssrc, u := range r.users {
		if u == userID {
			delete(r.users, ssrc)
			return true
		}
	}
	return false
}

// User returns the user owning ssrc.
func (r *SSRCRegistry) User(ssrc uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[ssrc]
	return u, ok
}

// SSRC returns the ssrc owned by userID.
func (r *SSRCRegistry) SSRC(userID string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ssrc, u := range r.users {
		if u == userID {
			return ssrc, true
		}
	}
	return 0, false
}

func (r *SSRCRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
