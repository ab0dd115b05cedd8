package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/hotkey"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
	"github.com/chaz8081/gostt-bridge/internal/notify"
	"github.com/chaz8081/gostt-bridge/internal/pipeline"
	"github.com/chaz8081/gostt-bridge/internal/transcribe"
)

const statsInterval = 5 * time.Minute

var (
	muted       bool
	toClipboard bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture and transcribe until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg, logger)
	},
}

func init() {
	runCmd.Flags().BoolVar(&muted, "muted", false, "start with listening off")
	runCmd.Flags().BoolVar(&toClipboard, "clipboard", false, "copy each transcript to the clipboard")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	printBanner(cfg)

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New(prometheus.DefaultRegisterer)
		srv := serveMetrics(cfg.Metrics.Listen, logger)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	notifier := newNotifier(cfg, logger)
	defer notifier.Close()

	manager, err := newManager(ctx, cfg, notifier, m, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("closing strategies", "error", err)
		}
	}()

	host, err := openHost(cfg, logger)
	if err != nil {
		return fmt.Errorf("audio host: %w", err)
	}
	defer host.Close()

	p, err := pipeline.New(ctx, pipeline.Options{
		Config:      cfg,
		Host:        host,
		Transcriber: manager,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
		Listening:   !muted,
	})
	if err != nil {
		return fmt.Errorf("%w\n\nEnsure microphone access is granted and a default input device is set.", err)
	}

	if cfg.Hotkey.Enabled {
		mode, err := hotkey.ParseMode(cfg.Hotkey.Mode)
		if err != nil {
			return err
		}
		listener := hotkey.NewListener(cfg.Hotkey.Keys, mode, p, logger)
		go listener.Start()
		defer listener.Stop()
		logger.Info("press " + strings.Join(cfg.Hotkey.Keys, "+") + " to toggle listening")
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	results := p.Results()
	for results != nil {
		select {
		case t, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			printTranscript(t)
			if toClipboard {
				if err := clipboard.WriteAll(t.Text); err != nil {
					logger.Warn("clipboard write failed", "error", err)
				}
			}
		case <-ticker.C:
			logger.Info("transcription stats", "summary", manager.Summary(), "connection", p.ConnectionState())
		}
	}

	err = <-done
	logger.Info("shutting down", "summary", manager.Summary())
	return err
}

func printTranscript(t pipeline.Transcript) {
	tag := ""
	if t.FallbackUsed {
		tag = " (" + t.Strategy + ")"
	}
	fmt.Printf("%s [%s]%s %s\n", t.Timestamp.Format("15:04:05"), t.Source, tag, t.Text)
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return srv
}

func newNotifier(cfg *config.Config, logger *slog.Logger) *notify.Notifier {
	n := notify.New(notify.Options{
		DedupWindow: cfg.Notify.DedupWindow,
		Timeout:     cfg.Notify.Timeout,
		MaxHistory:  cfg.Notify.MaxHistory,
		Logger:      logger,
	})
	sinks := []notify.Sink{notify.LogSink(logger)}
	if cfg.Notify.Desktop {
		sinks = append(sinks, notify.DesktopSink("gostt-bridge"))
	}
	n.SetSink(notify.Tee(sinks...))
	return n
}

// newManager builds the configured strategies. A strategy that fails to
// initialize is reported and skipped so the other one can still serve.
func newManager(ctx context.Context, cfg *config.Config, n *notify.Notifier, m *metrics.Metrics, logger *slog.Logger) (*transcribe.Manager, error) {
	build := func(name string) transcribe.Strategy {
		if name == "" {
			return nil
		}
		s, err := newStrategy(ctx, name, cfg, m, logger)
		if err != nil {
			logger.Warn("strategy unavailable", "strategy", name, "error", err)
			n.Notify("transcription_"+name, err, notify.SeverityWarning, "")
			return nil
		}
		return s
	}

	mgr, err := transcribe.NewManager(build(cfg.Transcribe.Primary), build(cfg.Transcribe.Fallback), transcribe.ManagerOptions{
		Policy:   cfg.Transcribe.Policy,
		Notifier: n,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}
	return mgr, nil
}

func newStrategy(ctx context.Context, name string, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (transcribe.Strategy, error) {
	switch name {
	case string(transcribe.MethodLocal):
		start := time.Now()
		s, err := transcribe.NewWhisperStrategy(ctx, cfg.Transcribe.Local, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("whisper model ready", "elapsed", time.Since(start).Round(time.Millisecond))
		return s, nil
	case string(transcribe.MethodRemote):
		s := transcribe.NewRemoteStrategy(cfg.Transcribe.Remote, m, logger)
		if !s.Available() {
			return nil, fmt.Errorf("no API key (set %s or transcribe.remote.api_key)", transcribe.APIKeyEnv)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

func openHost(cfg *config.Config, logger *slog.Logger) (audio.Host, error) {
	switch cfg.Audio.Backend {
	case "portaudio":
		return audio.NewPortAudioHost()
	default:
		return audio.NewMalgoHost(logger, cfg.Capture.ReadTimeout)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gostt-bridge ===")
	fmt.Printf("  Audio:      %s, %dHz, %dch\n", cfg.Audio.Backend, cfg.Audio.SampleRate, cfg.Audio.Channels)
	fmt.Printf("  Loopback:   %v\n", !cfg.Audio.DisableLoopback)
	fmt.Printf("  Primary:    %s\n", cfg.Transcribe.Primary)
	fmt.Printf("  Fallback:   %s\n", orNone(cfg.Transcribe.Fallback))
	if cfg.Transcribe.Uses(string(transcribe.MethodLocal)) {
		fmt.Printf("  Model:      %s\n", cfg.Transcribe.Local.ModelPath)
	}
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Hotkey:     %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	}
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("====================")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
