// Command gostt-bridge captures the microphone (ME) and the system
// loopback (OTHERS), cuts the audio into utterances and transcribes them
// with a local whisper model or the Groq API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-bridge/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "gostt-bridge",
	Short: "Bridge live audio capture to speech-to-text",
	Long: `gostt-bridge records your microphone and the system audio output,
splits both into utterances and transcribes them locally with whisper.cpp,
falling back to the Groq API when the local model fails.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/gostt-bridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, devicesCmd, modelsCmd, configCmd)
}

func main() {
	// A .env file may carry GROQ_API_KEY; its absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case configPath != "":
		c, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		defaultPath := config.DefaultConfigPath()
		if _, err := os.Stat(defaultPath); err == nil {
			c, err := config.Load(defaultPath)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
			}
			cfg = c
		} else {
			cfg = config.Default()
		}
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return logger
}
