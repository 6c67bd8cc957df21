package main

import (
	"flag"

	"github.com/danmuck/lockstep/internal/logging"
	"github.com/danmuck/lockstep/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	observability.InitLogger("lockstep")

	var configPath string
	var peerCount int
	flag.StringVar(&configPath, "config", "", "path to lockstepctl config.toml (defaults apply when empty)")
	flag.IntVar(&peerCount, "peers", 0, "peer count override")
	flag.Parse()

	cfg := defaultDemoConfig()
	if configPath != "" {
		loaded, err := loadDemoConfig(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load lockstepctl config")
		}
		log.Info().Str("path", configPath).Msg("loaded lockstepctl config")
		cfg = loaded
	}
	if peerCount > 0 {
		cfg.Peers = peerCount
	}

	if err := runDemo(cfg); err != nil {
		log.Fatal().Err(err).Msg("demo run failed")
	}
}
