package voice

import "fmt"

// Opcode identifies the payload carried in a voice gateway envelope.
type Opcode int

const (
	// Name					  Code	  Sent by		Description
	Identify           Opcode = 0  // client		begin a voice websocket connection
	SelectProtocol     Opcode = 1  // client		select the voice protocol
	Ready              Opcode = 2  // server		complete the websocket handshake
	Heartbeat          Opcode = 3  // client/server	keep the websocket connection alive
	SessionDescription Opcode = 4  // server		describe the session
	Speaking           Opcode = 5  // client/server	indicate which users are speaking
	HeartbeatACK       Opcode = 6  // server		sent immediately following a received client heartbeat
	Resume             Opcode = 7  // client		resume a connection
	Hello              Opcode = 8  // server		the interval in milliseconds after which the client should send a heartbeat
	Resumed            Opcode = 9  // server		acknowledge Resume
	ClientConnect      Opcode = 12 // client/server	a client has connected to the voice channel
	ClientDisconnect   Opcode = 13 // server		a client has disconnected from the voice channel
)

var opcodeNames = map[Opcode]string{
	Identify:           "IDENTIFY",
	SelectProtocol:     "SELECT_PROTOCOL",
	Ready:              "READY",
	Heartbeat:          "HEARTBEAT",
	SessionDescription: "SESSION_DESCRIPTION",
	Speaking:           "SPEAKING",
	HeartbeatACK:       "HEARTBEAT_ACK",
	Resume:             "RESUME",
	Hello:              "HELLO",
	Resumed:            "RESUMED",
	ClientConnect:      "CLIENT_CONNECT",
	ClientDisconnect:   "CLIENT_DISCONNECT",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// Close codes sent by the voice gateway.
const (
	CloseGoingAway             = 1001
	CloseHeartbeatFailure      = 4000 // sent by us when a heartbeat went unacknowledged
	CloseUnknownOpcode         = 4001
	CloseFailedToDecode        = 4002
	CloseNotAuthenticated      = 4003
	CloseAuthenticationFailed  = 4004
	CloseAlreadyAuthenticated  = 4005
	CloseSessionNoLongerValid  = 4006
	CloseSessionTimeout        = 4009
	CloseServerNotFound        = 4011
	CloseUnknownProtocol       = 4012
	CloseDisconnected          = 4014
	CloseVoiceServerCrashed    = 4015
	CloseUnknownEncryptionMode = 4016
)

// IsHardClose reports whether a close code invalidates the voice session,
// in which case the next handshake must IDENTIFY instead of RESUME.
func IsHardClose(code int) bool {
	return (code > 4000 && code <= 4016) || code == CloseGoingAway
}
