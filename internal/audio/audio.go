// Package audio provides the capture-side audio primitives: immutable
// segments of raw PCM, WAV encoding, device discovery and the host
// backends (malgo, portaudio) that open capture streams.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// Source tags where a segment was captured.
type Source string

const (
	// SourceMe is the default microphone.
	SourceMe Source = "ME"
	// SourceOthers is the loopback of the default output device.
	SourceOthers Source = "OTHERS"
)

// Format describes interleaved little-endian signed PCM.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample
}

// ChunkBytes returns the byte length of a chunk holding frames sample frames.
func (f Format) ChunkBytes(frames int) int {
	return frames * f.Channels * f.SampleWidth
}

// Hardware errors surfaced by streams. Everything but ErrReadTimeout marks
// the device itself as gone or broken.
var (
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
	ErrStreamClosed      = errors.New("audio: stream closed")
	ErrInvalidDevice     = errors.New("audio: invalid device")
	ErrHostError         = errors.New("audio: unanticipated host error")
	ErrReadTimeout       = errors.New("audio: read timed out")
)

// Level returns the mean absolute amplitude of a chunk of 16-bit PCM.
// An empty chunk has level 0.
func Level(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		sum += math.Abs(float64(s))
	}
	return sum / float64(n)
}
