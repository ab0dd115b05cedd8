package audio

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// chunkBacklog is how many undelivered chunks a malgo stream buffers
// before dropping the oldest.
const chunkBacklog = 64

// MalgoHost implements Host on miniaudio. On Windows loopback capture uses
// WASAPI loopback of playback devices; elsewhere loopback sources are the
// monitor capture devices exposed by the sound server.
type MalgoHost struct {
	ctx         *malgo.AllocatedContext
	log         *slog.Logger
	readTimeout time.Duration
}

// NewMalgoHost initializes a miniaudio context. Call Close() when done.
func NewMalgoHost(logger *slog.Logger, readTimeout time.Duration) (*MalgoHost, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "malgo")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug(strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &MalgoHost{ctx: ctx, log: logger, readTimeout: readTimeout}, nil
}

// Close releases the miniaudio context.
func (h *MalgoHost) Close() error {
	if h.ctx == nil {
		return nil
	}
	if err := h.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	h.ctx.Free()
	h.ctx = nil
	return nil
}

func (h *MalgoHost) DefaultInput() (*Descriptor, error) {
	devices, err := h.describe(malgo.Capture, false)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].isDefault {
			return &devices[i].Descriptor, nil
		}
	}
	return nil, ErrDeviceUnavailable
}

func (h *MalgoHost) DefaultOutput() (*Descriptor, error) {
	devices, err := h.describe(malgo.Playback, runtime.GOOS == "windows")
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].isDefault {
			return &devices[i].Descriptor, nil
		}
	}
	return nil, ErrDeviceUnavailable
}

func (h *MalgoHost) InputDevices() ([]Descriptor, error) {
	devices, err := h.describe(malgo.Capture, false)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(devices))
	for _, d := range devices {
		if !isMonitorName(d.Name) {
			out = append(out, d.Descriptor)
		}
	}
	return out, nil
}

func (h *MalgoHost) LoopbackDevices() ([]Descriptor, error) {
	if runtime.GOOS == "windows" {
		devices, err := h.describe(malgo.Playback, true)
		if err != nil {
			return nil, err
		}
		out := make([]Descriptor, len(devices))
		for i := range devices {
			out[i] = devices[i].Descriptor
		}
		return out, nil
	}

	devices, err := h.describe(malgo.Capture, false)
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, d := range devices {
		if isMonitorName(d.Name) {
			d.Loopback = true
			out = append(out, d.Descriptor)
		}
	}
	return out, nil
}

type malgoDevice struct {
	Descriptor
	isDefault bool
}

func (h *MalgoHost) describe(kind malgo.DeviceType, loopback bool) ([]malgoDevice, error) {
	if h.ctx == nil {
		return nil, ErrHostError
	}
	infos, err := h.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating devices: %v", ErrHostError, err)
	}

	devices := make([]malgoDevice, 0, len(infos))
	for i, info := range infos {
		d := malgoDevice{
			Descriptor: Descriptor{
				Index:    i,
				Name:     info.Name(),
				Loopback: loopback,
				Handle:   info.ID,
			},
			isDefault: info.IsDefault != 0,
		}

		full, err := h.ctx.DeviceInfo(kind, info.ID, malgo.Shared)
		if err == nil {
			for j := 0; j < int(full.FormatCount) && j < len(full.Formats); j++ {
				f := full.Formats[j]
				if int(f.Channels) > d.MaxInputChannels {
					d.MaxInputChannels = int(f.Channels)
				}
				if d.DefaultSampleRate == 0 && f.SampleRate > 0 {
					d.DefaultSampleRate = float64(f.SampleRate)
				}
			}
		} else {
			h.log.Debug("device info unavailable", "name", d.Name, "error", err)
		}
		// miniaudio reports 0 when any value is accepted.
		if d.MaxInputChannels == 0 {
			d.MaxInputChannels = 2
		}
		if d.DefaultSampleRate == 0 {
			d.DefaultSampleRate = 48000
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// OpenStream starts capture from d in 16-bit PCM.
func (h *MalgoHost) OpenStream(d *Descriptor, f Format, framesPerChunk int) (Stream, error) {
	if !Validate(d) {
		return nil, ErrInvalidDevice
	}
	id, ok := d.Handle.(malgo.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: foreign device handle %T", ErrInvalidDevice, d.Handle)
	}
	if f.SampleWidth != 2 {
		return nil, fmt.Errorf("audio: malgo streams are 16-bit, got width %d", f.SampleWidth)
	}

	kind := malgo.Capture
	if d.Loopback && runtime.GOOS == "windows" {
		kind = malgo.Loopback
	}
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.Capture.DeviceID = id.Pointer()
	cfg.SampleRate = uint32(f.SampleRate)

	s := &malgoStream{
		chunkBytes:  f.ChunkBytes(framesPerChunk),
		chunks:      make(chan []byte, chunkBacklog),
		stopped:     make(chan struct{}),
		readTimeout: h.readTimeout,
	}

	device, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: initializing capture device %q: %v", ErrDeviceUnavailable, d.Name, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: starting capture device %q: %v", ErrDeviceUnavailable, d.Name, err)
	}
	s.device = device
	return s, nil
}

type malgoStream struct {
	device      *malgo.Device
	chunkBytes  int
	chunks      chan []byte
	pending     []byte // touched only on the audio thread
	stopped     chan struct{}
	stopOnce    sync.Once
	closeOnce   sync.Once
	readTimeout time.Duration
}

// onData slices callback buffers into fixed-size chunks.
func (s *malgoStream) onData(_, pInput []byte, _ uint32) {
	s.pending = append(s.pending, pInput...)
	for len(s.pending) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.pending)
		s.pending = append(s.pending[:0], s.pending[s.chunkBytes:]...)

		select {
		case s.chunks <- chunk:
		default:
			// Reader fell behind: drop the oldest chunk.
			select {
			case <-s.chunks:
			default:
			}
			select {
			case s.chunks <- chunk:
			default:
			}
		}
	}
}

func (s *malgoStream) onStop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *malgoStream) Read(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.stopped:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		if s.device != nil {
			s.device.Uninit()
		}
		s.onStop()
	})
	return nil
}

func isMonitorName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"monitor of", "loopback", "stereo mix", "blackhole"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
