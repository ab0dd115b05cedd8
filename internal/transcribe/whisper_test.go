package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSegment returns a mono 16 kHz segment of the given length in
// milliseconds, filled with a square wave.
func testSegment(ms int) *audio.Segment {
	samples := 16 * ms
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(3000)
		if (i/40)%2 == 1 {
			v = -3000
		}
		pcm[i*2] = byte(uint16(v))
		pcm[i*2+1] = byte(uint16(v) >> 8)
	}
	return audio.NewSegment(audio.SourceMe, audio.Format{SampleRate: 16000, Channels: 1, SampleWidth: 2}, [][]byte{pcm})
}

// whisperModelPath resolves the path to the whisper model relative to the project root.
func whisperModelPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join("..", "..", "models", "ggml-base.en.bin")
	if _, err := os.Stat(path); err != nil {
		t.Skipf("model not found at %s (run 'gostt-bridge models pull' first): %v", path, err)
	}
	return path
}

func TestCleanTranscript(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  hello   there,  how are you today  ", "hello there, how are you today"},
		{"Okay.", ""},
		{"exactly10!", ""},
		{"Thank you for watching!", ""},
		{"THANKS FOR WATCHING EVERYONE", ""},
		{"I wanted to thank the whole team for shipping the release on time.", "I wanted to thank the whole team for shipping the release on time."},
		{"", ""},
		{"привет мир", ""},
		{"こんにちは", ""},
		{"Привет, как у тебя дела сегодня?", "Привет, как у тебя дела сегодня?"},
	}
	for _, tt := range tests {
		if got := cleanTranscript(tt.in); got != tt.want {
			t.Errorf("cleanTranscript(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelectAccelerator(t *testing.T) {
	if got := selectAccelerator("cpu", quietLogger()); got != "cpu" {
		t.Errorf("selectAccelerator(cpu) = %q, want cpu", got)
	}
	gpu := detectGPU()
	want := gpu
	if want == "" {
		want = "cpu"
	}
	for _, pref := range []string{"auto", "gpu"} {
		if got := selectAccelerator(pref, quietLogger()); got != want {
			t.Errorf("selectAccelerator(%s) = %q, want %q", pref, got, want)
		}
	}
}

func TestWhisperHealthReportsAccelerator(t *testing.T) {
	s := &WhisperStrategy{
		device: selectAccelerator("cpu", quietLogger()),
		log:    quietLogger(),
		infer:  func(context.Context, []float32) (string, error) { return "", nil },
	}
	if got := s.Health().Device; got != "cpu" {
		t.Errorf("Health().Device = %q, want cpu", got)
	}
}

func TestNewWhisperStrategyMissingModel(t *testing.T) {
	cfg := config.LocalConfig{ModelPath: filepath.Join(t.TempDir(), "missing.bin")}
	_, err := NewWhisperStrategy(context.Background(), cfg, quietLogger())
	if !errors.Is(err, ErrModelInit) {
		t.Fatalf("NewWhisperStrategy() error = %v, want ErrModelInit", err)
	}
}

func TestWhisperStrategyTranscribe(t *testing.T) {
	var gotSamples int
	s := &WhisperStrategy{
		device: "cpu",
		log:    quietLogger(),
		infer: func(_ context.Context, samples []float32) (string, error) {
			gotSamples = len(samples)
			return "  the quick   brown fox jumps  ", nil
		},
	}

	seg := testSegment(500)
	res, err := s.Transcribe(context.Background(), seg)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "the quick brown fox jumps" {
		t.Errorf("Text = %q, want cleaned transcript", res.Text)
	}
	if gotSamples != 8000 {
		t.Errorf("model received %d samples, want 8000", gotSamples)
	}
	if res.Method != MethodLocal || res.Strategy != "local" || res.SegmentID != seg.ID().String() {
		t.Errorf("result metadata = %+v", res)
	}
	if h := s.Health(); h.Successes != 1 || h.Errors != 0 || !h.Available {
		t.Errorf("Health() = %+v, want one success", h)
	}
}

func TestWhisperStrategyModelError(t *testing.T) {
	s := &WhisperStrategy{
		log: quietLogger(),
		infer: func(context.Context, []float32) (string, error) {
			return "", errors.New("CUDA error: out of memory")
		},
	}
	_, err := s.Transcribe(context.Background(), testSegment(500))
	if KindOf(err) != KindModel {
		t.Fatalf("Transcribe() kind = %v, want model", KindOf(err))
	}
	if h := s.Health(); h.Errors != 1 || !strings.Contains(h.LastError, "CUDA") {
		t.Errorf("Health() = %+v, want recorded CUDA error", h)
	}
}

func TestWhisperQueriesDuringInference(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := &WhisperStrategy{
		device: "cpu",
		log:    quietLogger(),
		infer: func(context.Context, []float32) (string, error) {
			close(started)
			<-release
			return "finished after the queries returned", nil
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Transcribe(context.Background(), testSegment(500))
		done <- err
	}()
	<-started

	answered := make(chan Health, 1)
	go func() {
		if !s.Available() {
			t.Error("Available() = false during inference")
		}
		answered <- s.Health()
	}()
	select {
	case h := <-answered:
		if !h.Available || h.Device != "cpu" {
			t.Errorf("Health() = %+v during inference", h)
		}
	case <-time.After(time.Second):
		t.Fatal("Available()/Health() blocked behind inference")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
}

func TestWhisperStrategyClose(t *testing.T) {
	closed := 0
	s := &WhisperStrategy{
		log:   quietLogger(),
		infer: func(context.Context, []float32) (string, error) { return "", nil },
		close: func() error { closed++; return nil },
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if closed != 1 {
		t.Errorf("model closed %d times, want 1", closed)
	}
	if s.Available() {
		t.Error("Available() = true after Close")
	}
	if _, err := s.Transcribe(context.Background(), testSegment(500)); KindOf(err) != KindUnavailable {
		t.Errorf("Transcribe() after Close kind = %v, want unavailable", KindOf(err))
	}
}

func TestWhisperTranscribeJFK(t *testing.T) {
	path := whisperModelPath(t)
	wavPath := filepath.Join("..", "..", "third_party", "whisper.cpp", "samples", "jfk.wav")
	f, err := os.Open(wavPath)
	if err != nil {
		t.Skipf("WAV file not found at %s: %v", wavPath, err)
	}
	defer func() { _ = f.Close() }()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode WAV %s: %v", wavPath, err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		pcm[i*2] = byte(uint16(v))
		pcm[i*2+1] = byte(uint16(v) >> 8)
	}
	seg := audio.NewSegment(audio.SourceMe, audio.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels, SampleWidth: 2}, [][]byte{pcm})

	s, err := NewWhisperStrategy(context.Background(), config.LocalConfig{ModelPath: path, Language: "en", Accelerator: "auto"}, quietLogger())
	if err != nil {
		t.Fatalf("NewWhisperStrategy: %v", err)
	}
	defer func() { _ = s.Close() }()

	res, err := s.Transcribe(context.Background(), seg)
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if !strings.Contains(strings.ToLower(res.Text), "ask not what your country") {
		t.Errorf("expected transcript to contain 'ask not what your country', got: %q", res.Text)
	}
}
