package session

import (
	"strings"
	"time"

	"github.com/danmuck/u2fbridge/internal/bridge"
)

// Config defines discovery and handshake defaults.
type Config struct {
	ExtensionID         string
	ReadyTimeout        time.Duration
	ProbeTimeout        time.Duration
	ConnectTimeout      time.Duration
	IncludeTLSChannelID bool
}

func DefaultConfig() Config {
	return Config{
		ExtensionID:         bridge.DefaultExtensionID,
		ReadyTimeout:        200 * time.Millisecond,
		ProbeTimeout:        5 * time.Second,
		ConnectTimeout:      5 * time.Second,
		IncludeTLSChannelID: true,
	}
}

// WithDefaults fills zero fields. IncludeTLSChannelID is left as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ExtensionID) == "" {
		c.ExtensionID = def.ExtensionID
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	return c
}
