// Package capture implements sound-activated recording for one audio
// source: a hardware-free Detector state machine and the Engine that
// drives it from a device stream.
package capture

import (
	"time"

	"github.com/chaz8081/gostt-bridge/internal/audio"
)

// DetectorConfig holds the detector thresholds expressed in chunks.
type DetectorConfig struct {
	Threshold      float64 // mean absolute amplitude separating sound from silence
	SilenceChunks  int     // consecutive quiet chunks that end a recording
	MaxChunks      int     // hard cap on a single recording
	PreRollChunks  int     // chunks kept from before onset
	DebounceChunks int     // consecutive loud chunks that start a recording
	MinFrames      int     // shorter recordings are discarded
}

// ChunkCount converts a duration into a number of chunks, at least 1.
func ChunkCount(d time.Duration, sampleRate, chunkFrames int) int {
	if sampleRate <= 0 || chunkFrames <= 0 {
		return 1
	}
	n := int(d.Seconds() * float64(sampleRate) / float64(chunkFrames))
	if n < 1 {
		return 1
	}
	return n
}

// State is the detector's recording state.
type State int

const (
	Listening State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "listening"
}

// Detector turns a stream of chunks into utterances. It is not safe for
// concurrent use; each Engine owns one.
type Detector struct {
	cfg    DetectorConfig
	state  State
	ring   [][]byte
	loud   int
	quiet  int
	frames [][]byte
}

// NewDetector returns a Detector in the Listening state.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.DebounceChunks < 1 {
		cfg.DebounceChunks = 1
	}
	if cfg.SilenceChunks < 1 {
		cfg.SilenceChunks = 1
	}
	return &Detector{cfg: cfg}
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// Push feeds one chunk and returns the frames of a finished utterance, or
// nil. The detector keeps a reference to chunk.
func (d *Detector) Push(chunk []byte) [][]byte {
	loud := audio.Level(chunk) > d.cfg.Threshold

	if d.state == Listening {
		if loud {
			d.loud++
		} else {
			d.loud = 0
		}
		if d.loud >= d.cfg.DebounceChunks {
			d.startRecording(append(d.ring, chunk))
			return nil
		}
		d.remember(chunk)
		return nil
	}

	d.frames = append(d.frames, chunk)
	if loud {
		d.quiet = 0
	} else {
		d.quiet++
	}

	if d.cfg.MaxChunks > 0 && len(d.frames) >= d.cfg.MaxChunks {
		out := d.frames
		if loud {
			// Sound is still present: keep recording into a fresh buffer.
			d.startRecording(nil)
		} else {
			d.toListening()
		}
		return d.accept(out)
	}

	if d.quiet >= d.cfg.SilenceChunks {
		out := d.frames
		d.toListening()
		return d.accept(out)
	}
	return nil
}

// Flush ends any in-progress recording and returns it if long enough.
func (d *Detector) Flush() [][]byte {
	if d.state != Recording {
		return nil
	}
	out := d.frames
	d.toListening()
	return d.accept(out)
}

// Reset drops buffered audio and returns to Listening.
func (d *Detector) Reset() {
	d.toListening()
}

func (d *Detector) startRecording(seed [][]byte) {
	d.frames = seed
	d.state = Recording
	d.ring = nil
	d.loud = 0
	d.quiet = 0
}

func (d *Detector) toListening() {
	d.state = Listening
	d.frames = nil
	d.ring = nil
	d.loud = 0
	d.quiet = 0
}

func (d *Detector) remember(chunk []byte) {
	if d.cfg.PreRollChunks <= 0 {
		return
	}
	d.ring = append(d.ring, chunk)
	if len(d.ring) > d.cfg.PreRollChunks {
		d.ring = append(d.ring[:0:0], d.ring[len(d.ring)-d.cfg.PreRollChunks:]...)
	}
}

func (d *Detector) accept(frames [][]byte) [][]byte {
	if len(frames) == 0 || len(frames) < d.cfg.MinFrames {
		return nil
	}
	return frames
}
