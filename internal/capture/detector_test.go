package capture

import (
	"encoding/binary"
	"testing"
	"time"
)

// chunk returns a 4-sample chunk whose level is exactly amp.
func chunk(amp int16) []byte {
	b := make([]byte, 8)
	for i := 0; i < 4; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func levels(frames [][]byte) []int16 {
	out := make([]int16, len(frames))
	for i, f := range frames {
		out[i] = int16(binary.LittleEndian.Uint16(f))
	}
	return out
}

func equalLevels(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testConfig() DetectorConfig {
	return DetectorConfig{
		Threshold:      100,
		SilenceChunks:  3,
		PreRollChunks:  3,
		DebounceChunks: 2,
		MinFrames:      5,
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		d      time.Duration
		rate   int
		frames int
		want   int
	}{
		{time.Second, 44100, 1024, 43},
		{120 * time.Second, 16000, 1000, 1920},
		{time.Millisecond, 44100, 1024, 1},
		{0, 44100, 1024, 1},
		{time.Second, 0, 1024, 1},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.d, tt.rate, tt.frames); got != tt.want {
			t.Errorf("ChunkCount(%v, %d, %d) = %d, want %d", tt.d, tt.rate, tt.frames, got, tt.want)
		}
	}
}

func TestDetectorSingleUtterance(t *testing.T) {
	d := NewDetector(testConfig())
	input := []int16{50, 50, 150, 150, 50, 50, 50, 50, 50}

	var got [][][]byte
	for _, amp := range input {
		if frames := d.Push(chunk(amp)); frames != nil {
			got = append(got, frames)
		}
	}

	if len(got) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(got))
	}
	want := []int16{50, 50, 150, 150, 50, 50, 50}
	if l := levels(got[0]); !equalLevels(l, want) {
		t.Errorf("segment levels = %v, want %v", l, want)
	}
	if d.State() != Listening {
		t.Errorf("State() = %v, want listening", d.State())
	}
}

func TestDetectorDebounceIgnoresSingleSpike(t *testing.T) {
	d := NewDetector(testConfig())
	for _, amp := range []int16{50, 500, 50, 500, 50, 50} {
		if frames := d.Push(chunk(amp)); frames != nil {
			t.Fatalf("Push(%d) emitted %d frames, want none", amp, len(frames))
		}
		if d.State() != Listening {
			t.Fatalf("State() after %d = %v, want listening", amp, d.State())
		}
	}
}

func TestDetectorThresholdIsExclusive(t *testing.T) {
	d := NewDetector(testConfig())
	for range 10 {
		d.Push(chunk(100))
	}
	if d.State() != Listening {
		t.Errorf("State() = %v, want listening at exactly the threshold", d.State())
	}
}

func TestDetectorMaxDurationFragments(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunks = 6
	cfg.PreRollChunks = 0
	d := NewDetector(cfg)

	var segments [][][]byte
	for i := range 14 {
		if frames := d.Push(chunk(200)); frames != nil {
			segments = append(segments, frames)
			if d.State() != Recording {
				t.Fatalf("State() after cap at chunk %d = %v, want recording", i, d.State())
			}
		}
	}

	if len(segments) != 2 {
		t.Fatalf("emitted %d segments, want 2", len(segments))
	}
	for i, s := range segments {
		if len(s) != 6 {
			t.Errorf("segment %d has %d frames, want 6", i, len(s))
		}
	}
}

func TestDetectorMaxDurationOnQuietChunkReturnsToListening(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunks = 6
	cfg.SilenceChunks = 10
	cfg.PreRollChunks = 0
	d := NewDetector(cfg)

	var emitted [][]byte
	for _, amp := range []int16{200, 200, 200, 200, 200, 200, 50} {
		if frames := d.Push(chunk(amp)); frames != nil {
			emitted = frames
		}
	}
	if len(emitted) != 6 {
		t.Fatalf("emitted %d frames, want 6", len(emitted))
	}
	if d.State() != Listening {
		t.Errorf("State() = %v, want listening", d.State())
	}
}

func TestDetectorDiscardsShortRecordings(t *testing.T) {
	cfg := testConfig()
	cfg.PreRollChunks = 0
	cfg.SilenceChunks = 1
	d := NewDetector(cfg)

	// A two-chunk recording is below MinFrames.
	for _, amp := range []int16{200, 200, 50} {
		if frames := d.Push(chunk(amp)); frames != nil {
			t.Fatalf("Push(%d) emitted %d frames, want none", amp, len(frames))
		}
	}
	if d.State() != Listening {
		t.Errorf("State() = %v, want listening", d.State())
	}
}

func TestDetectorEmittedSegmentsMeetMinFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunks = 7
	d := NewDetector(cfg)

	pattern := []int16{50, 200, 200, 50, 200, 200, 200, 50, 50, 50, 200, 50, 200, 200, 200, 200, 200, 200, 200, 200, 200, 50, 50, 50}
	for round := range 5 {
		for _, amp := range pattern {
			if frames := d.Push(chunk(amp)); frames != nil && len(frames) < cfg.MinFrames {
				t.Fatalf("round %d: emitted %d frames, below minimum %d", round, len(frames), cfg.MinFrames)
			}
		}
	}
}

func TestDetectorFlush(t *testing.T) {
	d := NewDetector(testConfig())
	if frames := d.Flush(); frames != nil {
		t.Fatalf("Flush() while listening = %d frames, want nil", len(frames))
	}

	for _, amp := range []int16{50, 200, 200, 200, 200} {
		d.Push(chunk(amp))
	}
	frames := d.Flush()
	if len(frames) != 5 {
		t.Fatalf("Flush() = %d frames, want 5", len(frames))
	}
	if d.State() != Listening {
		t.Errorf("State() after Flush = %v, want listening", d.State())
	}
	if again := d.Flush(); again != nil {
		t.Errorf("second Flush() = %d frames, want nil", len(again))
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector(testConfig())
	for _, amp := range []int16{200, 200, 200} {
		d.Push(chunk(amp))
	}
	d.Reset()
	if d.State() != Listening {
		t.Fatalf("State() after Reset = %v, want listening", d.State())
	}
	if frames := d.Flush(); frames != nil {
		t.Errorf("Flush() after Reset = %d frames, want nil", len(frames))
	}
}
