package voice

import (
	"fmt"
	"time"
)

// onClose is called by the transport when the websocket is gone.
func (s *Session) onClose(t Transport, code int, reason string) {
	if !s.claim(t) {
		return
	}
	s.log.Infof("voice websocket closed [%d] %s", code, reason)
	s.reconnect(code)
}

// forceReconnect drops t as if the server had closed it.
func (s *Session) forceReconnect(t Transport) {
	if !s.claim(t) {
		return
	}
	s.closeTransport(t, CloseHeartbeatFailure)
	s.log.Info("voice websocket closed: heartbeat failure")
	s.reconnect(0)
}

// reconnect re-establishes a lost transport. Hard close codes invalidate the
// voice session so the next handshake identifies from scratch; anything else
// is resumed.
func (s *Session) reconnect(code int) {
	var (
		attempts  int
		exhausted bool
		closed    <-chan struct{}
	)
	ok := s.changeState(StateReconnecting, func() bool {
		// A Disconnect already happened, this close was ours.
		if s.state == StateDisconnected {
			return false
		}
		s.reconnects++
		attempts = s.reconnects
		exhausted = s.cfg.MaxReconnects > 0 && s.reconnects > s.cfg.MaxReconnects
		closed = s.closed
		return true
	})
	if !ok {
		return
	}

	if exhausted {
		s.fail(fmt.Errorf("%w after %d attempts", ErrReconnectsExhausted, s.cfg.MaxReconnects))
		return
	}

	wait := s.cfg.SoftBackoff
	if IsHardClose(code) {
		s.mu.Lock()
		s.identified = false
		media := s.media
		s.media = nil
		s.mu.Unlock()

		if media != nil {
			media.Disconnect()
		}
		wait = s.cfg.HardBackoff
	}

	what := "reconnection"
	if s.Identified() {
		what = "resumption"
	}
	s.log.Infof("will attempt %s after %s (attempt %d)", what, wait, attempts)

	timer := time.NewTimer(wait)
	select {
	case <-timer.C:
	case <-closed:
		timer.Stop()
		return
	}

	// A new endpoint may have opened a transport while we waited.
	s.mu.RLock()
	reopened := s.ws != nil
	s.mu.RUnlock()
	if reopened {
		return
	}

	s.connectAndRun()
}
