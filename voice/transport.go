package voice

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

// TransportHandler receives the events of one transport lifetime. All
// callbacks are delivered from the transport's own goroutine, in order.
type TransportHandler interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Transport is a persistent message connection to a voice server. A
// Transport is opened at most once.
type Transport interface {
	// Open connects asynchronously. Exactly one OnClose follows every Open.
	Open(url string, h TransportHandler)
	Send(data []byte, kind FrameKind) error
	Close(status int) error
	Connected() bool
}

var errTransportClosed = errors.New("transport is not connected")

// WebsocketTransport is a Transport over a gorilla websocket.
type WebsocketTransport struct {
	sync.RWMutex

	dialer  *websocket.Dialer
	wsConn  *websocket.Conn
	wsMutex sync.Mutex
	log     *log.Entry

	closing     bool
	closeStatus int
}

// NewWebsocketTransport returns a transport dialing with d, or with
// websocket.DefaultDialer when d is nil.
func NewWebsocketTransport(d *websocket.Dialer) *WebsocketTransport {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return &WebsocketTransport{
		dialer: d,
		log:    log.WithField("conn_id", uuid.NewString()),
	}
}

// Open implements Transport.
func (t *WebsocketTransport) Open(url string, h TransportHandler) {
	go t.run(url, h)
}

func (t *WebsocketTransport) run(url string, h TransportHandler) {
	t.log.Infof("connecting to voice endpoint %s", url)
	wsConn, _, err := t.dialer.Dial(url, nil)
	if err != nil {
		t.log.Warnf("error connecting to voice endpoint %s, %s", url, err)
		h.OnError(err)
		h.OnClose(0, err.Error())
		return
	}

	t.Lock()
	if t.closing {
		// Closed while dialing.
		status := t.closeStatus
		t.Unlock()
		wsConn.Close()
		h.OnClose(status, "closed by client")
		return
	}
	t.wsConn = wsConn
	t.Unlock()

	h.OnOpen()
	t.listen(wsConn, h)
}

// listen reads frames until the connection fails, then reports the close.
func (t *WebsocketTransport) listen(wsConn *websocket.Conn, h TransportHandler) {
	for {
		_, message, err := wsConn.ReadMessage()
		if err != nil {
			t.Lock()
			t.wsConn = nil
			closing, status := t.closing, t.closeStatus
			t.Unlock()
			wsConn.Close()

			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				t.log.Infof("voice websocket closed by server [%d] %s", ce.Code, ce.Text)
				h.OnClose(ce.Code, ce.Text)
			case closing:
				h.OnClose(status, "closed by client")
			default:
				t.log.Errorf("voice websocket closed unexpectedly, %s", err)
				h.OnError(err)
				h.OnClose(0, err.Error())
			}
			return
		}

		h.OnMessage(message)
	}
}

// Send implements Transport.
func (t *WebsocketTransport) Send(data []byte, kind FrameKind) error {
	t.RLock()
	wsConn := t.wsConn
	t.RUnlock()
	if wsConn == nil {
		return errTransportClosed
	}

	mt := websocket.TextMessage
	if kind == FrameBinary {
		mt = websocket.BinaryMessage
	}

	t.wsMutex.Lock()
	defer t.wsMutex.Unlock()
	return wsConn.WriteMessage(mt, data)
}

// Close sends a close frame with status and tears the connection down. The
// receive loop then reports OnClose with the same status.
func (t *WebsocketTransport) Close(status int) error {
	t.Lock()
	if t.closing {
		t.Unlock()
		return nil
	}
	t.closing = true
	t.closeStatus = status
	wsConn := t.wsConn
	t.Unlock()

	if wsConn == nil {
		return nil
	}

	t.log.Debugf("sending close frame %d", status)
	t.wsMutex.Lock()
	err := wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(status, ""), time.Now().Add(time.Second))
	t.wsMutex.Unlock()
	if err != nil {
		t.log.Debugf("error sending close frame, %s", err)
	}

	return wsConn.Close()
}

// Connected implements Transport.
func (t *WebsocketTransport) Connected() bool {
	t.RLock()
	defer t.RUnlock()
	return t.wsConn != nil && !t.closing
}
