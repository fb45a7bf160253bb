package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/u2fbridge/internal/bridge"
	"github.com/danmuck/u2fbridge/internal/embed"
	"github.com/danmuck/u2fbridge/internal/session"
	"github.com/danmuck/u2fbridge/internal/u2f"
	"github.com/pelletier/go-toml/v2"
)

// BridgeConfig configures the u2fd daemon.
type BridgeConfig struct {
	Name                  string   `toml:"name"`
	Addr                  string   `toml:"addr"`
	CorsOrigins           []string `toml:"cors_origins"`
	ExtensionID           string   `toml:"extension_id"`
	NativeNetwork         string   `toml:"native_network"`
	NativeAddr            string   `toml:"native_addr"`
	FallbackURL           string   `toml:"fallback_url"`
	FallbackOrigin        string   `toml:"fallback_origin"`
	ReadyTimeout          string   `toml:"ready_timeout"`
	ProbeTimeout          string   `toml:"probe_timeout"`
	DefaultTimeoutSeconds int      `toml:"default_timeout_seconds"`
	AuthToken             string   `toml:"auth_token"`
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Name:                  "u2fd",
		Addr:                  ":7300",
		CorsOrigins:           []string{"http://localhost:3000"},
		ExtensionID:           bridge.DefaultExtensionID,
		NativeNetwork:         "unix",
		ReadyTimeout:          "200ms",
		ProbeTimeout:          "5s",
		DefaultTimeoutSeconds: u2f.DefaultTimeoutSeconds,
	}
}

func LoadBridgeConfig(path string) (BridgeConfig, error) {
	cfg := DefaultBridgeConfig()
	if err := loadToml(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := ValidateBridgeConfig(cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	def := DefaultBridgeConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if strings.TrimSpace(c.ExtensionID) == "" {
		c.ExtensionID = def.ExtensionID
	}
	if strings.TrimSpace(c.NativeNetwork) == "" {
		c.NativeNetwork = def.NativeNetwork
	}
	if strings.TrimSpace(c.ReadyTimeout) == "" {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if strings.TrimSpace(c.ProbeTimeout) == "" {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.DefaultTimeoutSeconds == 0 {
		c.DefaultTimeoutSeconds = def.DefaultTimeoutSeconds
	}
	return c
}

func ValidateBridgeConfig(cfg BridgeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("bridge config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("bridge config missing addr")
	}
	if strings.TrimSpace(cfg.ExtensionID) == "" {
		return fmt.Errorf("bridge config missing extension_id")
	}
	switch cfg.NativeNetwork {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("bridge config native_network must be unix or tcp, got %q", cfg.NativeNetwork)
	}
	if strings.TrimSpace(cfg.NativeAddr) == "" && strings.TrimSpace(cfg.FallbackURL) == "" {
		return fmt.Errorf("bridge config needs native_addr or fallback_url")
	}
	if _, err := parsePositive("ready_timeout", cfg.ReadyTimeout); err != nil {
		return err
	}
	if _, err := parsePositive("probe_timeout", cfg.ProbeTimeout); err != nil {
		return err
	}
	if cfg.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("bridge config default_timeout_seconds must not be negative")
	}
	return nil
}

func parsePositive(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("bridge config %s invalid: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("bridge config %s must be positive", field)
	}
	return d, nil
}

// ToSessionConfig converts the discovery settings. Invalid durations fall
// back to the session defaults.
func (c BridgeConfig) ToSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	if strings.TrimSpace(c.ExtensionID) != "" {
		cfg.ExtensionID = c.ExtensionID
	}
	if d, err := parsePositive("ready_timeout", c.ReadyTimeout); err == nil {
		cfg.ReadyTimeout = d
	}
	if d, err := parsePositive("probe_timeout", c.ProbeTimeout); err == nil {
		cfg.ProbeTimeout = d
	}
	return cfg
}

// ToClientConfig builds the full client wiring for u2fd.
func (c BridgeConfig) ToClientConfig() u2f.ClientConfig {
	cfg := u2f.DefaultClientConfig()
	cfg.Session = c.ToSessionConfig()
	if c.DefaultTimeoutSeconds > 0 {
		cfg.DefaultTimeoutSeconds = c.DefaultTimeoutSeconds
	}
	cfg.Native.Network = c.NativeNetwork
	cfg.Native.Addr = c.NativeAddr
	cfg.Native.ReplyTimeout = cfg.Session.ProbeTimeout
	cfg.Fallback = embed.DefaultWebsocketConfig()
	cfg.Fallback.BaseURL = c.FallbackURL
	if strings.TrimSpace(c.FallbackOrigin) != "" {
		cfg.Fallback.PageOrigin = c.FallbackOrigin
	}
	return cfg
}
