// Discordgo - Discord bindings for Go
// Available at https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file contains the glue between the main gateway websocket and the
// voice sessions it signals for.

package betterdisco

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/EJH2/BetterDisco/voice"
)

// ErrWSNotFound is returned when signaling without a gateway connection.
var ErrWSNotFound = errors.New("no websocket connection exists")

// voiceStateUpdateOp is the gateway opcode asking to join, move or leave voice.
const voiceStateUpdateOp = 4

// GatewayConn is the main gateway websocket. *websocket.Conn satisfies it.
type GatewayConn interface {
	WriteJSON(v interface{}) error
}

type voiceStateUpdatePacket struct {
	Op   int                    `json:"op"`
	Data voice.VoiceStateUpdate `json:"d"`
}

// VoiceStateUpdate is the VOICE_STATE_UPDATE dispatch of the main gateway.
type VoiceStateUpdate struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// VoiceServerUpdate is the VOICE_SERVER_UPDATE dispatch of the main gateway.
type VoiceServerUpdate struct {
	Token     string `json:"token"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"` // set instead of GuildID for DM calls
	Endpoint  string `json:"endpoint"`
}

// Client owns the voice sessions of one logged in user.
type Client struct {
	sync.RWMutex

	wsMutex sync.Mutex
	wsConn  GatewayConn

	userID    string
	sessionID string

	// Voice holds the voice sessions keyed by guild id.
	Voice *voice.Manager
}

// NewClient returns a Client signaling over wsConn.
func NewClient(wsConn GatewayConn, userID, sessionID string, cfg voice.Config) *Client {
	c := &Client{
		wsConn:    wsConn,
		userID:    userID,
		sessionID: sessionID,
	}
	c.Voice = voice.NewManager(c, cfg)
	return c
}

// UserID implements voice.Gateway.
func (c *Client) UserID() string {
	c.RLock()
	defer c.RUnlock()
	return c.userID
}

// SessionID implements voice.Gateway.
func (c *Client) SessionID() string {
	c.RLock()
	defer c.RUnlock()
	return c.sessionID
}

// SetGatewayConn swaps the main gateway websocket, e.g. after it reconnected.
func (c *Client) SetGatewayConn(wsConn GatewayConn, sessionID string) {
	c.wsMutex.Lock()
	c.wsConn = wsConn
	c.wsMutex.Unlock()

	c.Lock()
	c.sessionID = sessionID
	c.Unlock()

	for _, s := range c.Voice.Sessions() {
		s.SetSessionID(sessionID)
	}
}

// SendVoiceStateUpdate implements voice.Gateway.
func (c *Client) SendVoiceStateUpdate(u voice.VoiceStateUpdate) error {
	c.wsMutex.Lock()
	defer c.wsMutex.Unlock()

	if c.wsConn == nil {
		return ErrWSNotFound
	}
	return c.wsConn.WriteJSON(voiceStateUpdatePacket{Op: voiceStateUpdateOp, Data: u})
}

// ChannelVoiceJoin joins the session user to a voice channel.
//
//	gID     : Guild ID of the channel to join.
//	cID     : Channel ID of the channel to join.
//	opts    : mute/deaf/video flags and the connect timeout.
func (c *Client) ChannelVoiceJoin(ctx context.Context, gID, cID string, opts voice.ConnectOptions) (*voice.Session, error) {
	log.Infof("joining voice channel %s in guild %s", cID, gID)

	s := c.Voice.Join(gID, false)
	if err := s.Connect(ctx, cID, opts); err != nil {
		log.Warnf("error waiting for voice to connect, %s", err)
		return nil, err
	}
	return s, nil
}

// CallJoin joins the DM call of a private channel.
func (c *Client) CallJoin(ctx context.Context, cID string, opts voice.ConnectOptions) (*voice.Session, error) {
	log.Infof("joining call in channel %s", cID)

	s := c.Voice.Join(cID, true)
	if err := s.Connect(ctx, cID, opts); err != nil {
		log.Warnf("error waiting for call to connect, %s", err)
		return nil, err
	}
	return s, nil
}

// ChannelVoiceLeave disconnects from voice in the given guild, if connected.
func (c *Client) ChannelVoiceLeave(gID string) {
	if s, ok := c.Voice.Get(gID); ok {
		s.Disconnect()
	}
}

// OnVoiceStateUpdate handles Voice State Update events on the data websocket.
func (c *Client) OnVoiceStateUpdate(st *VoiceStateUpdate) {
	// We only care about events that are about us.
	if st.UserID != c.UserID() {
		return
	}

	serverID := st.GuildID
	if serverID == "" {
		serverID = st.ChannelID
	}

	s, ok := c.Voice.Get(serverID)
	if !ok {
		return
	}

	// Store the SessionID for later use.
	s.SetSessionID(st.SessionID)
}

// OnVoiceServerUpdate handles the Voice Server Update data websocket event.
//
// This is also fired if the Guild's voice region changes while connected
// to a voice channel. Token and endpoint are applied together so a region
// move opens a single transport with the new credentials.
func (c *Client) OnVoiceServerUpdate(st *VoiceServerUpdate) {
	log.Debugf("voice server update for %s%s", st.GuildID, st.ChannelID)

	serverID := st.GuildID
	if serverID == "" {
		serverID = st.ChannelID
	}

	s, ok := c.Voice.Get(serverID)
	// If no voice session exists, just skip this
	if !ok {
		return
	}

	// A null endpoint means the voice server is being reallocated.
	if st.Endpoint == "" {
		s.SetToken(st.Token)
		return
	}
	s.UpdateServer(st.Token, st.Endpoint)
}

// Close tears down every voice session.
func (c *Client) Close() {
	c.Voice.DisconnectAll()
}
