package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Audio      AudioConfig      `yaml:"audio"`
	Capture    CaptureConfig    `yaml:"capture"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Notify     NotifyConfig     `yaml:"notify"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	LogLevel   string           `yaml:"log_level"`
}

// AudioConfig holds the stream format shared by both capture sources.
type AudioConfig struct {
	Backend         string `yaml:"backend"` // "malgo" or "portaudio"
	SampleRate      uint32 `yaml:"sample_rate"`
	Channels        uint32 `yaml:"channels"`
	ChunkFrames     int    `yaml:"chunk_frames"`
	DisableLoopback bool   `yaml:"disable_loopback"`
}

// CaptureConfig tunes the sound-activated recorder.
type CaptureConfig struct {
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SilenceDuration  time.Duration `yaml:"silence_duration"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	PreRollChunks    int           `yaml:"pre_roll_chunks"`
	DebounceChunks   int           `yaml:"debounce_chunks"`
	MinFrames        int           `yaml:"min_frames"`
	TransientLimit   int           `yaml:"transient_limit"`
	TransientDelay   time.Duration `yaml:"transient_delay"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

// ReconnectConfig controls device reconnection after a hardware fault.
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	DeviceTimeout time.Duration `yaml:"device_timeout"`
}

// TranscribeConfig selects and tunes the transcription strategies.
type TranscribeConfig struct {
	Primary         string         `yaml:"primary"`  // "local" or "remote"
	Fallback        string         `yaml:"fallback"` // "", "local" or "remote"
	SegmentAttempts int            `yaml:"segment_attempts"`
	Local           LocalConfig    `yaml:"local"`
	Remote          RemoteConfig   `yaml:"remote"`
	Policy          FallbackPolicy `yaml:"fallback_policy"`
}

// LocalConfig holds whisper.cpp settings.
type LocalConfig struct {
	ModelPath    string `yaml:"model_path"`
	Language     string `yaml:"language"`
	Accelerator  string `yaml:"accelerator"` // "auto", "gpu" or "cpu"; informational, the whisper.cpp build picks the backend
	Threads      int    `yaml:"threads"`
	BeamSize     int    `yaml:"beam_size"`
	AutoDownload bool   `yaml:"auto_download"`
}

// RemoteConfig holds settings for the OpenAI-compatible transcription API.
type RemoteConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Language      string        `yaml:"language"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Timeout       time.Duration `yaml:"timeout"`
	MinDuration   time.Duration `yaml:"min_duration"`
	MaxFileBytes  int           `yaml:"max_file_bytes"`
}

// FallbackPolicy limits how often the fallback strategy is used.
type FallbackPolicy struct {
	Enabled    bool          `yaml:"enabled"`
	RetryLimit int           `yaml:"retry_limit"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// NotifyConfig holds exception notifier settings.
type NotifyConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxHistory  int           `yaml:"max_history"`
	Desktop     bool          `yaml:"desktop"`
}

// HotkeyConfig holds the global listen/mute hotkey.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
	Mode    string   `yaml:"mode"` // "hold" or "toggle"
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the directory downloaded models are stored in.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".local", "share", "gostt-bridge", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:     "malgo",
			SampleRate:  44100,
			Channels:    1,
			ChunkFrames: 1024,
		},
		Capture: CaptureConfig{
			SilenceThreshold: 100,
			SilenceDuration:  time.Second,
			MaxDuration:      120 * time.Second,
			PreRollChunks:    3,
			DebounceChunks:   2,
			MinFrames:        5,
			TransientLimit:   5,
			TransientDelay:   100 * time.Millisecond,
			RetryInterval:    5 * time.Second,
			ReadTimeout:      2 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxRetries:    3,
			BaseDelay:     2 * time.Second,
			DeviceTimeout: 5 * time.Second,
		},
		Transcribe: TranscribeConfig{
			Primary:         "local",
			Fallback:        "remote",
			SegmentAttempts: 2,
			Local: LocalConfig{
				ModelPath:   filepath.Join(DefaultModelsDir(), "ggml-base.en.bin"),
				Language:    "en",
				Accelerator: "auto",
				BeamSize:    5,
			},
			Remote: RemoteConfig{
				BaseURL:       "https://api.groq.com/openai/v1",
				Model:         "whisper-large-v3-turbo",
				Language:      "en",
				MaxRetries:    3,
				BackoffFactor: 2,
				Timeout:       30 * time.Second,
				MinDuration:   100 * time.Millisecond,
				MaxFileBytes:  25 * 1024 * 1024,
			},
			Policy: FallbackPolicy{
				Enabled:    true,
				RetryLimit: 3,
				Cooldown:   60 * time.Second,
			},
		},
		Notify: NotifyConfig{
			DedupWindow: 30 * time.Second,
			Timeout:     5 * time.Minute,
			MaxHistory:  10,
			Desktop:     true,
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "l"},
			Mode: "toggle",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in the local model path is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Transcribe.Local.ModelPath = expandTilde(cfg.Transcribe.Local.ModelPath)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# gostt-bridge configuration\n# Durations use Go syntax (e.g. 500ms, 30s, 2m).\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case "malgo", "portaudio":
	default:
		return fmt.Errorf("audio.backend must be \"malgo\" or \"portaudio\", got %q", c.Audio.Backend)
	}
	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Audio.ChunkFrames <= 0 {
		return fmt.Errorf("audio.chunk_frames must be > 0")
	}

	if c.Capture.SilenceThreshold < 0 {
		return fmt.Errorf("capture.silence_threshold must be >= 0")
	}
	if c.Capture.SilenceDuration <= 0 {
		return fmt.Errorf("capture.silence_duration must be > 0")
	}
	if c.Capture.MaxDuration <= c.Capture.SilenceDuration {
		return fmt.Errorf("capture.max_duration must be greater than capture.silence_duration")
	}
	if c.Capture.DebounceChunks < 1 {
		return fmt.Errorf("capture.debounce_chunks must be >= 1")
	}
	if c.Capture.PreRollChunks < 0 || c.Capture.MinFrames < 0 {
		return fmt.Errorf("capture.pre_roll_chunks and capture.min_frames must be >= 0")
	}

	if c.Reconnect.MaxRetries < 1 {
		return fmt.Errorf("reconnect.max_retries must be >= 1")
	}

	if err := c.Transcribe.validate(); err != nil {
		return err
	}

	if c.Hotkey.Enabled {
		if len(c.Hotkey.Keys) == 0 {
			return fmt.Errorf("hotkey.keys must not be empty")
		}
		switch c.Hotkey.Mode {
		case "hold", "toggle":
		default:
			return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func (t *TranscribeConfig) validate() error {
	switch t.Primary {
	case "local", "remote":
	default:
		return fmt.Errorf("transcribe.primary must be \"local\" or \"remote\", got %q", t.Primary)
	}
	switch t.Fallback {
	case "", "local", "remote":
	default:
		return fmt.Errorf("transcribe.fallback must be empty, \"local\" or \"remote\", got %q", t.Fallback)
	}
	if t.Fallback == t.Primary {
		return fmt.Errorf("transcribe.fallback must differ from transcribe.primary")
	}
	if t.Uses("local") {
		if t.Local.ModelPath == "" {
			return fmt.Errorf("transcribe.local.model_path must not be empty")
		}
		switch t.Local.Accelerator {
		case "auto", "gpu", "cpu":
		default:
			return fmt.Errorf("transcribe.local.accelerator must be auto, gpu, or cpu, got %q", t.Local.Accelerator)
		}
	}
	if t.Uses("remote") && t.Remote.BaseURL == "" {
		return fmt.Errorf("transcribe.remote.base_url must not be empty")
	}
	if t.Policy.RetryLimit < 0 {
		return fmt.Errorf("transcribe.fallback_policy.retry_limit must be >= 0")
	}
	return nil
}

// Uses reports whether the named strategy is configured as primary or fallback.
func (t *TranscribeConfig) Uses(name string) bool {
	return t.Primary == name || t.Fallback == name
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
