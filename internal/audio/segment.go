package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/orcaman/writerseeker"
)

// Segment is a finished utterance captured from one source. It is
// immutable once built; ownership of the frame buffers passes to the
// segment and the producer must not touch them again.
type Segment struct {
	id        uuid.UUID
	frames    [][]byte
	format    Format
	source    Source
	createdAt time.Time
}

// NewSegment builds a segment from captured chunks.
func NewSegment(source Source, format Format, frames [][]byte) *Segment {
	return &Segment{
		id:        uuid.New(),
		frames:    frames,
		format:    format,
		source:    source,
		createdAt: time.Now(),
	}
}

func (s *Segment) ID() uuid.UUID { return s.id }
func (s *Segment) Source() Source { return s.source }
func (s *Segment) Format() Format { return s.format }
func (s *Segment) CreatedAt() time.Time { return s.createdAt }
func (s *Segment) FrameCount() int { return len(s.frames) }

// Frames returns the chunk list. The chunks are shared and must not be modified.
func (s *Segment) Frames() [][]byte {
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// PCM returns the concatenated raw audio.
func (s *Segment) PCM() []byte {
	n := 0
	for _, f := range s.frames {
		n += len(f)
	}
	pcm := make([]byte, 0, n)
	for _, f := range s.frames {
		pcm = append(pcm, f...)
	}
	return pcm
}

// Samples returns the total number of samples across all channels.
func (s *Segment) Samples() int {
	if s.format.SampleWidth == 0 {
		return 0
	}
	n := 0
	for _, f := range s.frames {
		n += len(f)
	}
	return n / s.format.SampleWidth
}

// Duration returns the playback length of the segment.
func (s *Segment) Duration() time.Duration {
	if s.format.SampleRate == 0 || s.format.Channels == 0 {
		return 0
	}
	perChannel := s.Samples() / s.format.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(s.format.SampleRate)
}

// WAV encodes the segment as an in-memory RIFF/WAVE file.
func (s *Segment) WAV() ([]byte, error) {
	return EncodeWAV(s.PCM(), s.format)
}

// MonoWAV encodes the segment as a single-channel 16-bit WAV at rate,
// downmixing and resampling when the capture format differs.
func (s *Segment) MonoWAV(rate int) ([]byte, error) {
	if s.format.Channels == 1 && s.format.SampleWidth == 2 && s.format.SampleRate == rate {
		return s.WAV()
	}
	native, err := s.WAV()
	if err != nil {
		return nil, err
	}
	samples, err := DecodeWAV(native, rate)
	if err != nil {
		return nil, err
	}
	pcm := make([]byte, 2*len(samples))
	for i, v := range samples {
		q := math.Round(float64(v) * math.MaxInt16)
		q = max(min(q, math.MaxInt16), math.MinInt16)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(q)))
	}
	return EncodeWAV(pcm, Format{SampleRate: rate, Channels: 1, SampleWidth: 2})
}

// EncodeWAV wraps raw PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleWidth != 2 && f.SampleWidth != 4 {
		return nil, fmt.Errorf("audio: unsupported sample width %d", f.SampleWidth)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid format %+v", f)
	}

	// The encoder seeks back to patch chunk sizes on Close.
	buf := &writerseeker.WriterSeeker{}
	bitDepth := f.SampleWidth * 8
	enc := wav.NewEncoder(buf, f.SampleRate, bitDepth, f.Channels, 1)

	data := make([]int, len(pcm)/f.SampleWidth)
	for i := range data {
		off := i * f.SampleWidth
		if f.SampleWidth == 2 {
			data[i] = int(int16(binary.LittleEndian.Uint16(pcm[off:])))
		} else {
			data[i] = int(int32(binary.LittleEndian.Uint32(pcm[off:])))
		}
	}

	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(ib); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalize wav: %w", err)
	}
	return io.ReadAll(buf.Reader())
}
