package voice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectMode(t *testing.T) {
	supported := DefaultConfig().Modes

	tests := []struct {
		name       string
		advertised []string
		want       string
		ok         bool
	}{
		{"only plain", []string{"xsalsa20_poly1305"}, ModeXSalsa20Poly1305, true},
		{"prefers lite", []string{"xsalsa20_poly1305", "xsalsa20_poly1305_suffix", "xsalsa20_poly1305_lite"}, ModeXSalsa20Poly1305Lite, true},
		{"suffix", []string{"aead_aes256_gcm", "xsalsa20_poly1305_suffix"}, ModeXSalsa20Poly1305Suffix, true},
		{"disjoint", []string{"aead_aes256_gcm_rtpsize"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectMode(supported, tt.advertised)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodecAnnouncement(t *testing.T) {
	defer func(old []string) { AudioCodecs = old }(AudioCodecs)
	defer func() { delete(RTPPayloadTypes, "pcm") }()

	RTPPayloadTypes["pcm"] = 11
	AudioCodecs = []string{"opus", "pcm"}

	assert.Equal(t, []codecData{
		{Name: "opus", Type: "audio", Priority: 1000, PayloadType: 120},
		{Name: "pcm", Type: "audio", Priority: 2000, PayloadType: 11},
	}, codecAnnouncement())
}

func TestReadySelectsProtocol(t *testing.T) {
	h := newHarness(t, nil)
	_, ft := h.connect(t, time.Minute)

	raw, ok := ft.last(SelectProtocol)
	require.True(t, ok)
	var sp selectProtocolData
	require.NoError(t, json.Unmarshal(raw, &sp))
	assert.Equal(t, selectProtocolData{
		Protocol: "udp",
		Data: udpProtocolData{
			Address: "203.0.113.7",
			Port:    50000,
			Mode:    ModeXSalsa20Poly1305,
		},
		Codecs: []codecData{{Name: "opus", Type: "audio", Priority: 1000, PayloadType: 120}},
	}, sp)

	raw, ok = ft.last(ClientConnect)
	require.True(t, ok)
	var cc clientConnectData
	require.NoError(t, json.Unmarshal(raw, &cc))
	assert.Equal(t, clientConnectData{AudioSSRC: 100}, cc)

	ops := ft.ops()
	assert.Equal(t, Identify, ops[0])
	assert.Contains(t, ops, Heartbeat)
}

func TestReadyWithoutSupportedModeIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	s := h.m.Join("guild-1", false)

	var fatal *Error
	h.m.AddErrorHandler(func(err *Error) { fatal = err })

	errCh := h.startConnect(t, s, "channel-1")
	s.SetToken("voice-token")
	s.SetEndpoint("voice.example")
	ft := h.transport(t, 1)
	ft.serverOpen()
	ft.deliver(t, Hello, helloData{HeartbeatInterval: 60000})
	ft.deliver(t, Ready, testReady("aead_aes256_gcm_rtpsize"))

	err := <-errCh
	require.ErrorIs(t, err, ErrNoSupportedMode)
	require.NotNil(t, fatal)
	assert.ErrorIs(t, fatal, ErrNoSupportedMode)
	assert.Same(t, s, fatal.Session)
	assert.Equal(t, fatal, s.Err())

	assert.Equal(t, StateDisconnected, s.State())
	assert.Nil(t, h.lastMedia())
	_, sent := ft.last(SelectProtocol)
	assert.False(t, sent)
}

func TestReadyDiscoveryFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.discoverErr = errors.New("no route")
	s := h.m.Join("guild-1", false)

	errCh := h.startConnect(t, s, "channel-1")
	s.SetToken("voice-token")
	s.SetEndpoint("voice.example")
	ft := h.transport(t, 1)
	ft.serverOpen()
	ft.deliver(t, Ready, testReady())

	err := <-errCh
	require.ErrorIs(t, err, ErrIPDiscovery)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, h.lastMedia().disconnects())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	s, ft := h.connect(t, time.Minute)

	ft.h.OnMessage([]byte("{not json"))
	ft.deliver(t, Ready, "not an object")
	ft.deliver(t, Opcode(99), map[string]int{"x": 1})

	assert.Equal(t, StateConnected, s.State())
	assert.Nil(t, s.Err())
}

func TestHelloWithoutIntervalIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	s := h.m.Join("guild-1", false)

	h.startConnect(t, s, "channel-1")
	s.SetToken("voice-token")
	s.SetEndpoint("voice.example")
	ft := h.transport(t, 1)
	ft.serverOpen()
	ft.deliver(t, Hello, helloData{})

	assert.Equal(t, StateAuthenticating, s.State())
	assert.NotContains(t, ft.ops(), Heartbeat)
}

func TestHelloOnEstablishedSessionKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	s, ft := h.connect(t, time.Minute)
	waitHeartbeat(t, ft)

	var changes []State
	s.AddStateHandler(func(_ *Session, state, _ State) { changes = append(changes, state) })

	ft.deliver(t, Hello, helloData{HeartbeatInterval: float64(time.Minute / time.Millisecond)})

	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, changes)

	// The restarted heartbeat beats right away.
	beats := func() (n int) {
		for _, op := range ft.ops() {
			if op == Heartbeat {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return beats() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.transportCount())
}

func TestResumeAfterSoftClose(t *testing.T) {
	h := newHarness(t, nil)
	s, ft := h.connect(t, time.Minute)
	fm := h.lastMedia()

	ft.serverClose(CloseHeartbeatFailure)
	next := h.transport(t, 2)
	assert.True(t, s.Identified())

	next.serverOpen()
	raw, ok := next.last(Resume)
	require.True(t, ok)
	var r resumeData
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, resumeData{ServerID: "guild-1", SessionID: "gw-session", Token: "voice-token"}, r)
	_, identified := next.last(Identify)
	assert.False(t, identified)

	next.deliver(t, Hello, helloData{HeartbeatInterval: 60000})
	next.deliver(t, Resumed, nil)

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 0, fm.disconnects(), "media survives a resume")
	require.NoError(t, s.SendFrame([]byte{1}))

	s.mu.RLock()
	assert.Zero(t, s.reconnects)
	s.mu.RUnlock()
}

func TestSessionIDFollowsGateway(t *testing.T) {
	h := newHarness(t, nil)
	s, ft := h.connect(t, time.Minute)

	s.SetSessionID("gw-session-2")
	ft.serverClose(1000)
	next := h.transport(t, 2)
	next.serverOpen()

	raw, ok := next.last(Resume)
	require.True(t, ok)
	var r resumeData
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "gw-session-2", r.SessionID)
}

func TestSpeakingUpdates(t *testing.T) {
	h := newHarness(t, nil)

	var got []*SpeakingUpdate
	h.m.AddSpeakingHandler(func(u *SpeakingUpdate) { got = append(got, u) })

	s, ft := h.connect(t, time.Minute)
	ft.deliver(t, Speaking, speakingData{UserID: "user-2", SSRC: 200, Speaking: 0b101})

	require.Len(t, got, 1)
	assert.Equal(t, &SpeakingUpdate{
		Session:  s,
		UserID:   "user-2",
		SSRC:     200,
		Voice:    true,
		Priority: true,
	}, got[0])

	user, ok := s.SSRCs().User(200)
	require.True(t, ok)
	assert.Equal(t, "user-2", user)
}

func TestClientConnectAndDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	s, ft := h.connect(t, time.Minute)

	ft.deliver(t, ClientConnect, clientConnectEvent{UserID: "user-3", AudioSSRC: 300, VideoSSRC: 301})

	user, ok := s.SSRCs().User(300)
	require.True(t, ok)
	assert.Equal(t, "user-3", user)
	_, ok = s.SSRCs().User(301)
	assert.False(t, ok)

	ft.deliver(t, ClientDisconnect, clientDisconnectEvent{UserID: "user-3"})

	_, ok = s.SSRCs().SSRC("user-3")
	assert.False(t, ok)
	assert.Zero(t, s.SSRCs().Len())
}

func TestStaleTransportFramesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	s, ft := h.connect(t, time.Minute)

	s.SetEndpoint("other.example")
	next := h.transport(t, 2)

	// A late frame from the replaced transport.
	ft.h.OnMessage(mustEncode(t, Speaking, speakingData{UserID: "ghost", SSRC: 9, Speaking: 1}))
	ft.h.OnOpen()

	assert.Zero(t, s.SSRCs().Len())
	assert.Empty(t, next.ops())
	assert.Equal(t, StateConnected, s.State())
}

func mustEncode(t *testing.T, op Opcode, d interface{}) []byte {
	t.Helper()
	b, err := JSONEncoder{}.Encode(outboundEvent{Opcode: op, Data: d})
	require.NoError(t, err)
	return b
}

func TestConnectWaitsForSessionDescription(t *testing.T) {
	h := newHarness(t, nil)
	s := h.m.Join("guild-1", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(ctx, "channel-1", ConnectOptions{}) }()
	require.Eventually(t, func() bool { return h.gw.count() == 1 }, time.Second, time.Millisecond)

	s.SetToken("voice-token")
	s.SetEndpoint("voice.example")
	ft := h.transport(t, 1)
	ft.serverOpen()
	ft.deliver(t, Hello, helloData{HeartbeatInterval: 60000})
	ft.deliver(t, Ready, testReady())

	select {
	case err := <-errCh:
		t.Fatalf("Connect returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, StateConnecting, s.State())

	ft.deliver(t, SessionDescription, testSessionDescription())
	require.NoError(t, <-errCh)
}
