package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/notify"
	"github.com/chaz8081/gostt-bridge/internal/transcribe"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type listHost struct {
	inputs []audio.Descriptor
	output *audio.Descriptor
}

func (h *listHost) DefaultInput() (*audio.Descriptor, error) {
	if len(h.inputs) == 0 {
		return nil, audio.ErrDeviceUnavailable
	}
	d := h.inputs[0]
	return &d, nil
}

func (h *listHost) DefaultOutput() (*audio.Descriptor, error) {
	if h.output == nil {
		return nil, audio.ErrDeviceUnavailable
	}
	return h.output, nil
}

func (h *listHost) InputDevices() ([]audio.Descriptor, error) { return h.inputs, nil }

func (h *listHost) LoopbackDevices() ([]audio.Descriptor, error) {
	if h.output == nil {
		return nil, nil
	}
	return []audio.Descriptor{*h.output}, nil
}

func (h *listHost) OpenStream(*audio.Descriptor, audio.Format, int) (audio.Stream, error) {
	return nil, audio.ErrDeviceUnavailable
}

func (h *listHost) Close() error { return nil }

func TestListDevices(t *testing.T) {
	host := &listHost{
		inputs: []audio.Descriptor{{Index: 0, Name: "Built-in Microphone", MaxInputChannels: 1, DefaultSampleRate: 48000}},
		output: &audio.Descriptor{Index: 1, Name: "Speakers (loopback)", MaxInputChannels: 2, DefaultSampleRate: 48000, Loopback: true},
	}
	var out bytes.Buffer
	if err := listDevices(&out, audio.NewDirectory(host, quietLogger())); err != nil {
		t.Fatalf("listDevices() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"Built-in Microphone", "loopback", "ME:     Built-in Microphone", "OTHERS: Speakers (loopback)"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestListDevicesWithoutLoopback(t *testing.T) {
	var out bytes.Buffer
	if err := listDevices(&out, audio.NewDirectory(&listHost{}, quietLogger())); err != nil {
		t.Fatalf("listDevices() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "no usable microphone") || !strings.Contains(got, "no loopback device") {
		t.Errorf("output = %q", got)
	}
}

func TestNewStrategyRemoteNeedsKey(t *testing.T) {
	t.Setenv(transcribe.APIKeyEnv, "")
	cfg := config.Default()
	cfg.Transcribe.Remote.APIKey = ""

	if _, err := newStrategy(context.Background(), "remote", cfg, nil, quietLogger()); err == nil {
		t.Fatal("newStrategy(remote) without key succeeded")
	}
	if _, err := newStrategy(context.Background(), "cloud", cfg, nil, quietLogger()); err == nil {
		t.Fatal("newStrategy(cloud) succeeded")
	}
}

func TestNewManagerSkipsBrokenStrategy(t *testing.T) {
	t.Setenv(transcribe.APIKeyEnv, "test-key")
	cfg := config.Default()
	cfg.Transcribe.Local.ModelPath = t.TempDir() + "/ggml-missing.bin"
	cfg.Transcribe.Local.AutoDownload = false
	n := notify.New(notify.Options{Logger: quietLogger()})

	mgr, err := newManager(context.Background(), cfg, n, nil, quietLogger())
	if err != nil {
		t.Fatalf("newManager() error = %v", err)
	}
	defer mgr.Close()

	if got := mgr.CurrentStrategy(); got != "remote" {
		t.Errorf("CurrentStrategy() = %q, want remote", got)
	}
	if !n.IsActive("transcription_local") {
		t.Error("local init failure was not reported")
	}
}
