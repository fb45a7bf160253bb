package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/u2fbridge/internal/u2f"
)

type fileConfig struct {
	ExtensionID    string `toml:"extension_id"`
	NativeNetwork  string `toml:"native_network"`
	NativeAddr     string `toml:"native_addr"`
	FallbackURL    string `toml:"fallback_url"`
	FallbackOrigin string `toml:"fallback_origin"`
	ReadyTimeout   string `toml:"ready_timeout"`
	ProbeTimeout   string `toml:"probe_timeout"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Output         string `toml:"output"`
}

type cliConfig struct {
	Client u2f.ClientConfig
	Output string
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Client: u2f.DefaultClientConfig(),
		Output: "text",
	}
}

// loadCLIConfig overlays only the keys present in path onto the defaults.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load u2fctl config: %w", err)
	}

	if meta.IsDefined("extension_id") {
		if id := strings.TrimSpace(raw.ExtensionID); id != "" {
			cfg.Client.Session.ExtensionID = id
		}
	}
	if meta.IsDefined("native_network") {
		cfg.Client.Native.Network = strings.TrimSpace(raw.NativeNetwork)
	}
	if meta.IsDefined("native_addr") {
		cfg.Client.Native.Addr = strings.TrimSpace(raw.NativeAddr)
	}
	if meta.IsDefined("fallback_url") {
		cfg.Client.Fallback.BaseURL = strings.TrimSpace(raw.FallbackURL)
	}
	if meta.IsDefined("fallback_origin") {
		cfg.Client.Fallback.PageOrigin = strings.TrimSpace(raw.FallbackOrigin)
	}
	if meta.IsDefined("ready_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadyTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse ready_timeout: %w", err)
		}
		cfg.Client.Session.ReadyTimeout = d
	}
	if meta.IsDefined("probe_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ProbeTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse probe_timeout: %w", err)
		}
		cfg.Client.Session.ProbeTimeout = d
		cfg.Client.Native.ReplyTimeout = d
	}
	if meta.IsDefined("timeout_seconds") {
		if raw.TimeoutSeconds < 0 {
			return cliConfig{}, fmt.Errorf("timeout_seconds must not be negative")
		}
		cfg.Client.DefaultTimeoutSeconds = raw.TimeoutSeconds
	}
	if meta.IsDefined("output") {
		out, err := parseOutput(raw.Output)
		if err != nil {
			return cliConfig{}, err
		}
		cfg.Output = out
	}
	return cfg, nil
}

func parseOutput(raw string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "", "text":
		return "text", nil
	case "json", "yaml":
		return v, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: text, json, yaml)", raw)
	}
}
