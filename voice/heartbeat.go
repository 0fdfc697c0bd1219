package voice

import (
	"context"
	"encoding/json"
	"time"
)

// startHeartbeat starts the heartbeat loop of transport t, replacing any
// loop already running for it.
func (s *Session) startHeartbeat(t Transport, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.ws != t {
		s.mu.Unlock()
		cancel()
		return
	}
	if s.stopHeartbeat != nil {
		s.stopHeartbeat()
	}
	s.stopHeartbeat = cancel
	s.heartbeatAcknowledged = true
	s.mu.Unlock()

	go s.heartbeat(ctx, t, interval)
}

// heartbeat sends regular heartbeats to the voice server so it knows the
// client is still connected. A heartbeat that is due while the previous one
// is still unacknowledged forces a reconnect.
func (s *Session) heartbeat(ctx context.Context, t Transport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if !s.heartbeatAcknowledged {
			s.heartbeatAcknowledged = true
			s.mu.Unlock()
			s.log.Warn("voice websocket sent HEARTBEAT without HEARTBEAT_ACK, reconnecting")
			s.forceReconnect(t)
			return
		}
		now := time.Now()
		s.lastHeartbeat = now
		s.heartbeatAcknowledged = false
		s.mu.Unlock()

		s.sendTo(t, Heartbeat, now.UnixMilli())

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// onHeartbeatRequest answers a server heartbeat without touching the
// heartbeat schedule.
func (s *Session) onHeartbeatRequest(t Transport, raw json.RawMessage) {
	var nonce interface{} = raw
	if len(raw) == 0 || string(raw) == "null" {
		nonce = time.Now().UnixMilli()
	}
	s.sendTo(t, Heartbeat, nonce)
}

func (s *Session) onHeartbeatACK(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != t {
		return
	}
	s.heartbeatAcknowledged = true
	s.latency = time.Since(s.lastHeartbeat)
	s.log.Debugf("received HEARTBEAT_ACK, latency %s", s.latency)
}
