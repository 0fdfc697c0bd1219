package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeTransport records what the session sends and lets tests play the
// voice server.
type fakeTransport struct {
	mu          sync.Mutex
	url         string
	h           TransportHandler
	open        bool
	closed      bool
	closeStatus int
	sent        []Event
	failOpen    bool
	closeErr    error
}

func (f *fakeTransport) Open(url string, h TransportHandler) {
	f.mu.Lock()
	f.url = url
	f.h = h
	fail := f.failOpen
	f.mu.Unlock()

	if fail {
		go h.OnClose(1006, "dial failed")
	}
}

func (f *fakeTransport) Send(data []byte, kind FrameKind) error {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open || f.closed {
		return errors.New("not open")
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeTransport) Close(status int) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.closeStatus = status
	h := f.h
	err := f.closeErr
	f.mu.Unlock()

	// Like a real socket, closing reports back through OnClose.
	if h != nil {
		go h.OnClose(status, "closed by client")
	}
	return err
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && !f.closed
}

// serverOpen completes the connection.
func (f *fakeTransport) serverOpen() {
	f.mu.Lock()
	f.open = true
	h := f.h
	f.mu.Unlock()
	h.OnOpen()
}

// serverClose drops the connection from the server side.
func (f *fakeTransport) serverClose(code int) {
	f.mu.Lock()
	f.closed = true
	h := f.h
	f.mu.Unlock()
	go h.OnClose(code, "")
}

// deliver sends a server frame synchronously.
func (f *fakeTransport) deliver(t *testing.T, op Opcode, d interface{}) {
	t.Helper()
	b, err := json.Marshal(outboundEvent{Opcode: op, Data: d})
	require.NoError(t, err)
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnMessage(b)
}

func (f *fakeTransport) ops() []Opcode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Opcode, 0, len(f.sent))
	for _, e := range f.sent {
		out = append(out, e.Opcode)
	}
	return out
}

// last returns the payload of the last frame sent with op.
func (f *fakeTransport) last(op Opcode) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Opcode == op {
			return f.sent[i].RawData, true
		}
	}
	return nil, false
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeStatus
}

type fakeGateway struct {
	mu      sync.Mutex
	updates []VoiceStateUpdate
	err     error

	// onUpdate runs after an update is recorded, outside the lock.
	onUpdate func(u VoiceStateUpdate)
}

func (g *fakeGateway) UserID() string    { return "user-1" }
func (g *fakeGateway) SessionID() string { return "gw-session" }

func (g *fakeGateway) SendVoiceStateUpdate(u VoiceStateUpdate) error {
	g.mu.Lock()
	g.updates = append(g.updates, u)
	err, hook := g.err, g.onUpdate
	g.mu.Unlock()

	if hook != nil {
		hook(u)
	}
	return err
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.updates)
}

func (g *fakeGateway) lastUpdate() VoiceStateUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updates[len(g.updates)-1]
}

type fakeMedia struct {
	mu           sync.Mutex
	ssrc         uint32
	discoverErr  error
	codec        string
	mode         string
	key          []byte
	frames       [][]byte
	timestamp    uint32
	disconnected int
}

func (f *fakeMedia) Discover(ctx context.Context, ip string, port int) (string, int, error) {
	if f.discoverErr != nil {
		return "", 0, f.discoverErr
	}
	return "203.0.113.7", 50000, nil
}

func (f *fakeMedia) SetAudioCodec(name string) error {
	f.mu.Lock()
	f.codec = name
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) SetupEncryption(mode string, key []byte) error {
	f.mu.Lock()
	f.mode = mode
	f.key = append([]byte(nil), key...)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) SendFrame(frame []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) IncrementTimestamp(n uint32) {
	f.mu.Lock()
	f.timestamp += n
	f.mu.Unlock()
}

func (f *fakeMedia) Disconnect() {
	f.mu.Lock()
	f.disconnected++
	f.mu.Unlock()
}

func (f *fakeMedia) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// harness wires a Manager to fakes.
type harness struct {
	m  *Manager
	gw *fakeGateway

	mu          sync.Mutex
	transports  []*fakeTransport
	media       []*fakeMedia
	failOpen    bool
	discoverErr error
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{gw: &fakeGateway{}}

	cfg := DefaultConfig()
	cfg.SoftBackoff = 10 * time.Millisecond
	cfg.HardBackoff = 20 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	cfg.NewTransport = func() Transport {
		h.mu.Lock()
		defer h.mu.Unlock()
		ft := &fakeTransport{failOpen: h.failOpen}
		h.transports = append(h.transports, ft)
		return ft
	}
	cfg.NewMedia = func(ssrc uint32) MediaTransport {
		h.mu.Lock()
		defer h.mu.Unlock()
		fm := &fakeMedia{ssrc: ssrc, discoverErr: h.discoverErr}
		h.media = append(h.media, fm)
		return fm
	}
	if tweak != nil {
		tweak(&cfg)
	}

	h.m = NewManager(h.gw, cfg)
	t.Cleanup(h.m.DisconnectAll)
	return h
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

// transport waits for the n-th (1-based) transport to be opened.
func (h *harness) transport(t *testing.T, n int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.transports) < n {
			return false
		}
		ft := h.transports[n-1]
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.h != nil
	}, time.Second, time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[n-1]
}

func (h *harness) lastMedia() *fakeMedia {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.media) == 0 {
		return nil
	}
	return h.media[len(h.media)-1]
}

func testReady(modes ...string) readyData {
	if len(modes) == 0 {
		modes = []string{ModeXSalsa20Poly1305}
	}
	return readyData{SSRC: 100, IP: "192.0.2.10", Port: 5000, Modes: modes}
}

func testSessionDescription() sessionDescriptionData {
	sd := sessionDescriptionData{
		Mode:           ModeXSalsa20Poly1305,
		AudioCodec:     "opus",
		VideoCodec:     "H264",
		MediaSessionID: "media-1",
	}
	for i := range sd.SecretKey {
		sd.SecretKey[i] = byte(i)
	}
	return sd
}

// startConnect calls Connect in the background and waits for the voice
// state update it sends.
func (h *harness) startConnect(t *testing.T, s *Session, channelID string) <-chan error {
	t.Helper()
	before := h.gw.count()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background(), channelID, ConnectOptions{}) }()
	require.Eventually(t, func() bool { return h.gw.count() > before }, time.Second, time.Millisecond)
	return errCh
}

// handshake drives a session up to StateConnecting. The returned channel
// yields the result of the pending Connect.
func (h *harness) handshake(t *testing.T, heartbeat time.Duration) (*Session, *fakeTransport, <-chan error) {
	t.Helper()
	s := h.m.Join("guild-1", false)
	errCh := h.startConnect(t, s, "channel-1")

	n := h.transportCount() + 1
	s.SetToken("voice-token")
	s.SetEndpoint("voice.example:443")
	ft := h.transport(t, n)

	ft.serverOpen()
	ft.deliver(t, Hello, helloData{HeartbeatInterval: float64(heartbeat / time.Millisecond)})
	ft.deliver(t, Ready, testReady())
	require.Equal(t, StateConnecting, s.State())
	return s, ft, errCh
}

// connect drives a full handshake and returns the connected session and
// its transport.
func (h *harness) connect(t *testing.T, heartbeat time.Duration) (*Session, *fakeTransport) {
	t.Helper()
	s, ft, errCh := h.handshake(t, heartbeat)
	ft.deliver(t, SessionDescription, testSessionDescription())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}
	return s, ft
}

type logHook func(e *log.Entry)

func (h logHook) Levels() []log.Level     { return log.AllLevels }
func (h logHook) Fire(e *log.Entry) error { h(e); return nil }

// withLogHook passes every entry of the standard logger, debug included, to
// fire until the test ends.
func withLogHook(t *testing.T, fire func(e *log.Entry)) {
	t.Helper()
	std := log.StandardLogger()
	level := std.GetLevel()
	old := std.ReplaceHooks(make(log.LevelHooks))
	std.AddHook(logHook(fire))
	std.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		std.ReplaceHooks(old)
		std.SetLevel(level)
	})
}
