package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioHost implements Host on PortAudio blocking streams. Loopback
// devices are input devices whose names mark them as such, the way
// WASAPI loopback builds and PulseAudio monitors expose them.
type PortAudioHost struct{}

// NewPortAudioHost initializes PortAudio. Call Close() when done.
func NewPortAudioHost() (*PortAudioHost, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init failed: %w", err)
	}
	return &PortAudioHost{}, nil
}

func (h *PortAudioHost) Close() error {
	return portaudio.Terminate()
}

func (h *PortAudioHost) DefaultInput() (*Descriptor, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, mapPortAudioError(err)
	}
	d := describePortAudio(dev)
	return &d, nil
}

func (h *PortAudioHost) DefaultOutput() (*Descriptor, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, mapPortAudioError(err)
	}
	d := describePortAudio(dev)
	return &d, nil
}

func (h *PortAudioHost) InputDevices() ([]Descriptor, error) {
	return h.filter(func(d Descriptor) bool { return d.MaxInputChannels > 0 && !d.Loopback })
}

func (h *PortAudioHost) LoopbackDevices() ([]Descriptor, error) {
	return h.filter(func(d Descriptor) bool { return d.MaxInputChannels > 0 && d.Loopback })
}

func (h *PortAudioHost) filter(keep func(Descriptor) bool) ([]Descriptor, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, mapPortAudioError(err)
	}
	var out []Descriptor
	for _, dev := range devices {
		if d := describePortAudio(dev); keep(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func describePortAudio(dev *portaudio.DeviceInfo) Descriptor {
	return Descriptor{
		Index:             dev.Index,
		Name:              dev.Name,
		MaxInputChannels:  dev.MaxInputChannels,
		DefaultSampleRate: dev.DefaultSampleRate,
		Loopback:          isMonitorName(dev.Name),
		Handle:            dev,
	}
}

// OpenStream opens and starts a blocking 16-bit input stream on d.
func (h *PortAudioHost) OpenStream(d *Descriptor, f Format, framesPerChunk int) (Stream, error) {
	if !Validate(d) {
		return nil, ErrInvalidDevice
	}
	dev, ok := d.Handle.(*portaudio.DeviceInfo)
	if !ok {
		return nil, fmt.Errorf("%w: foreign device handle %T", ErrInvalidDevice, d.Handle)
	}
	if f.SampleWidth != 2 {
		return nil, fmt.Errorf("audio: portaudio streams are 16-bit, got width %d", f.SampleWidth)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = framesPerChunk

	buf := make([]int16, framesPerChunk*f.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open stream failed: %w", mapPortAudioError(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start stream failed: %w", mapPortAudioError(err))
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

type portAudioStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

func (s *portAudioStream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}

	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, mapPortAudioError(err)
	}

	chunk := make([]byte, len(s.buf)*2)
	for i, v := range s.buf {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(v))
	}
	return chunk, nil
}

func (s *portAudioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	return s.stream.Close()
}

// mapPortAudioError wraps PortAudio errors in the package sentinels so the
// connection monitor can classify them.
func mapPortAudioError(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	case errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	case errors.Is(err, portaudio.StreamIsStopped), errors.Is(err, portaudio.BadStreamPtr):
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	case errors.Is(err, portaudio.TimedOut):
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	case strings.Contains(strings.ToLower(err.Error()), "unanticipated host error"):
		return fmt.Errorf("%w: %v", ErrHostError, err)
	}
	return err
}
