package main

import (
	"flag"

	"github.com/danmuck/u2fbridge/internal/auth"
	"github.com/danmuck/u2fbridge/internal/config"
	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/server"
	"github.com/danmuck/u2fbridge/internal/u2f"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/u2fd/config.toml", "u2fd config path")
	flag.Parse()

	observability.InitLogger("u2fd")
	cfg, err := config.LoadBridgeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load u2fd config")
	}
	log.Info().Str("path", *configPath).Msg("loaded u2fd config")

	client := u2f.NewClient(cfg.ToClientConfig())
	srv := server.New(cfg.Name, cfg.Addr, cfg.CorsOrigins, client)
	srv.ReadyTimeout = cfg.ToSessionConfig().ProbeTimeout
	if cfg.AuthToken != "" {
		srv.Auth = auth.StaticToken{Token: cfg.AuthToken}
	}

	log.Info().
		Str("service", srv.Name).
		Str("extension_id", cfg.ExtensionID).
		Str("native_addr", cfg.NativeAddr).
		Str("fallback_url", cfg.FallbackURL).
		Msg("u2fd started")
	if err := srv.Serve(); err != nil {
		log.Fatal().Err(err).Msg("u2fd stopped")
	}
}
