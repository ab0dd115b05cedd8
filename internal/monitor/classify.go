// Package monitor classifies audio stream errors and runs the single
// reconnection state machine shared by every capture source.
package monitor

import (
	"context"
	"errors"
	"strings"

	"github.com/chaz8081/gostt-bridge/internal/audio"
)

// Class is the outcome of classifying a stream error.
type Class int

const (
	// Transient errors are retried on the same stream.
	Transient Class = iota
	// DeviceFault means the device is gone and the stream must be recreated.
	DeviceFault
)

func (c Class) String() string {
	if c == DeviceFault {
		return "device_fault"
	}
	return "transient"
}

// deviceSignatures are message fragments of device-class failures, for
// errors that do not wrap the audio sentinels. The numeric codes are
// PortAudio error numbers.
var deviceSignatures = []string{
	"invalid device",
	"stream closed",
	"stream is stopped",
	"device unavailable",
	"unanticipated host error",
	"errno -9999",
	"errno -9988",
	"errno -9996",
	"errno -9997",
	"errno -9998",
	"errno -9986",
}

// Classify reports whether err means the audio device itself failed.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	switch {
	case errors.Is(err, audio.ErrReadTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, audio.ErrDeviceUnavailable),
		errors.Is(err, audio.ErrStreamClosed),
		errors.Is(err, audio.ErrInvalidDevice),
		errors.Is(err, audio.ErrHostError):
		return DeviceFault
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range deviceSignatures {
		if strings.Contains(msg, sig) {
			return DeviceFault
		}
	}
	return Transient
}
