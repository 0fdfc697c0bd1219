package voice

import "time"

// Encryption modes, in the order they are preferred.
const (
	ModeXSalsa20Poly1305Lite   = "xsalsa20_poly1305_lite"
	ModeXSalsa20Poly1305Suffix = "xsalsa20_poly1305_suffix"
	ModeXSalsa20Poly1305       = "xsalsa20_poly1305"
)

// Config holds the tunables of every session created by a Manager.
type Config struct {
	// GatewayVersion is appended to the voice websocket url as ?v=.
	GatewayVersion int `mapstructure:"gateway_version"`

	// MaxReconnects bounds consecutive reconnect attempts. Zero means unlimited.
	MaxReconnects int `mapstructure:"max_reconnects"`

	SoftBackoff      time.Duration `mapstructure:"soft_backoff"`
	HardBackoff      time.Duration `mapstructure:"hard_backoff"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`

	// Modes lists the encryption modes we can speak, most preferred first.
	Modes []string `mapstructure:"modes"`

	// Video is announced in IDENTIFY.
	Video bool `mapstructure:"video"`

	NewTransport func() Transport                 `mapstructure:"-"`
	NewMedia     func(ssrc uint32) MediaTransport `mapstructure:"-"`
	Encoder      Encoder                          `mapstructure:"-"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		GatewayVersion:   4,
		MaxReconnects:    5,
		SoftBackoff:      1 * time.Second,
		HardBackoff:      5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
		Modes: []string{
			ModeXSalsa20Poly1305Lite,
			ModeXSalsa20Poly1305Suffix,
			ModeXSalsa20Poly1305,
		},
	}
}

// withDefaults fills the zero fields of c from DefaultConfig. MaxReconnects
// is left alone since zero is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GatewayVersion == 0 {
		c.GatewayVersion = d.GatewayVersion
	}
	if c.SoftBackoff == 0 {
		c.SoftBackoff = d.SoftBackoff
	}
	if c.HardBackoff == 0 {
		c.HardBackoff = d.HardBackoff
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if len(c.Modes) == 0 {
		c.Modes = d.Modes
	}
	if c.NewTransport == nil {
		c.NewTransport = func() Transport { return NewWebsocketTransport(nil) }
	}
	if c.NewMedia == nil {
		timeout := c.DiscoveryTimeout
		c.NewMedia = func(ssrc uint32) MediaTransport { return NewUDPMedia(ssrc, timeout) }
	}
	if c.Encoder == nil {
		c.Encoder = JSONEncoder{}
	}
	return c
}
