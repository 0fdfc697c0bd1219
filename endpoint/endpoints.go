// Discordgo - Discord bindings for Go
// Available at https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file contains helpers for the voice gateway end points. The voice
// server address is handed out per guild by the main gateway, so unlike REST
// routes these are built at runtime.

package endpoint

import (
	"strconv"
	"strings"
)

// VoiceGatewayVersion is the voice gateway protocol version spoken by default.
var VoiceGatewayVersion = 4

// VoiceScheme is the scheme used to reach voice servers.
var VoiceScheme = "wss://"

// VoiceHost strips any port suffix from a voice server endpoint.
//
//	"eu-west123.discord.media:443" -> "eu-west123.discord.media"
func VoiceHost(endpoint string) string {
	if i := strings.IndexByte(endpoint, ':'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

// VoiceGateway returns the websocket url of a voice server. A version of
// zero selects VoiceGatewayVersion.
func VoiceGateway(host string, version int) string {
	if version == 0 {
		version = VoiceGatewayVersion
	}
	return VoiceScheme + VoiceHost(host) + "/?v=" + strconv.Itoa(version)
}
