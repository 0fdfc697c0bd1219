// Package config loads voice session settings from a file and the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/EJH2/BetterDisco/voice"
)

// EnvPrefix prefixes every environment override, e.g. VOICEGW_MAX_RECONNECTS.
const EnvPrefix = "VOICEGW"

// Load reads path (yaml, toml or json, by extension) on top of
// voice.DefaultConfig and applies environment overrides. An empty path
// only applies defaults and environment.
func Load(path string) (voice.Config, error) {
	v := viper.New()

	d := voice.DefaultConfig()
	v.SetDefault("gateway_version", d.GatewayVersion)
	v.SetDefault("max_reconnects", d.MaxReconnects)
	v.SetDefault("soft_backoff", d.SoftBackoff)
	v.SetDefault("hard_backoff", d.HardBackoff)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("discovery_timeout", d.DiscoveryTimeout)
	v.SetDefault("modes", d.Modes)
	v.SetDefault("video", d.Video)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return voice.Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg voice.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return voice.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
