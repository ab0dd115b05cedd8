package audio

import (
	"context"
	"log/slog"
	"strings"
)

// Descriptor is a read-only snapshot of a capture-capable device.
type Descriptor struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Loopback          bool
	Handle            any // backend device id
}

// Validate reports whether a descriptor is usable for capture.
func Validate(d *Descriptor) bool {
	if d == nil {
		return false
	}
	return d.Name != "" && d.MaxInputChannels > 0 && d.DefaultSampleRate > 0
}

// Stream delivers fixed-size chunks of 16-bit PCM from one device.
type Stream interface {
	// Read blocks until the next chunk is available.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Host abstracts the operating system audio subsystem.
type Host interface {
	DefaultInput() (*Descriptor, error)
	DefaultOutput() (*Descriptor, error)
	InputDevices() ([]Descriptor, error)
	LoopbackDevices() ([]Descriptor, error)
	OpenStream(d *Descriptor, f Format, framesPerChunk int) (Stream, error)
	Close() error
}

// Directory resolves the default microphone and the loopback of the
// default output device.
type Directory struct {
	host Host
	log  *slog.Logger
}

// NewDirectory returns a Directory backed by host.
func NewDirectory(host Host, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{host: host, log: logger.With("component", "devices")}
}

// Host returns the backend the directory queries.
func (d *Directory) Host() Host {
	return d.host
}

// FindDefaultInput returns the default microphone, falling back to the
// first device with input channels.
func (d *Directory) FindDefaultInput() (*Descriptor, bool) {
	def, err := d.host.DefaultInput()
	if err == nil && Validate(def) {
		return def, true
	}
	if err != nil {
		d.log.Warn("default input unavailable, scanning devices", "error", err)
	}

	devices, err := d.host.InputDevices()
	if err != nil {
		d.log.Error("listing input devices", "error", err)
		return nil, false
	}
	for i := range devices {
		if devices[i].MaxInputChannels > 0 && Validate(&devices[i]) {
			found := devices[i]
			d.log.Info("using first available input", "name", found.Name)
			return &found, true
		}
	}
	return nil, false
}

// FindDefaultLoopback returns the loopback device capturing the default
// output. Absence is reported with ok=false and is not an error.
func (d *Directory) FindDefaultLoopback() (*Descriptor, bool) {
	out, err := d.host.DefaultOutput()
	if err != nil || out == nil {
		d.log.Debug("no default output device", "error", err)
		return nil, false
	}
	if out.Loopback && Validate(out) {
		return out, true
	}

	loopbacks, err := d.host.LoopbackDevices()
	if err != nil {
		d.log.Debug("listing loopback devices", "error", err)
		return nil, false
	}
	for i := range loopbacks {
		if strings.Contains(loopbacks[i].Name, out.Name) && Validate(&loopbacks[i]) {
			found := loopbacks[i]
			return &found, true
		}
	}
	return nil, false
}

// ListInputs returns every capture-capable device, loopbacks included.
func (d *Directory) ListInputs() ([]Descriptor, error) {
	inputs, err := d.host.InputDevices()
	if err != nil {
		return nil, err
	}
	loopbacks, err := d.host.LoopbackDevices()
	if err != nil {
		return inputs, nil
	}
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		seen[in.Name] = true
	}
	for _, lb := range loopbacks {
		if !seen[lb.Name] {
			inputs = append(inputs, lb)
		}
	}
	return inputs, nil
}
