package app

import (
	"log/slog"

	"quote_stream/internal/infra"
)

// DefaultConfigPath is read when no --config flag is given. A missing file is fine.
const DefaultConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the startup sequence shared by both binaries.
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration, applies command-line overrides and sets
// up logging and metrics.
func (b *Bootstrap) Initialize(configPath string, overrides ...func(*infra.Config)) error {
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Metrics
	b.Metrics = infra.NewMetrics()

	b.Logger.Info("Bootstrapped",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("config", configPath))
	return nil
}
