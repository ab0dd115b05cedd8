package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// WhisperSampleRate is the rate whisper.cpp expects its input at.
const WhisperSampleRate = 16000

// DecodeWAV decodes a PCM WAV file into mono float32 samples in [-1, 1],
// resampled to targetRate.
func DecodeWAV(data []byte, targetRate int) ([]float32, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("audio: not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	scale := float32(int64(1) << (dec.BitDepth - 1))

	mono := make([]float32, len(buf.Data)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}

	return Resample(mono, buf.Format.SampleRate, targetRate), nil
}

// Resample converts samples between rates with linear interpolation.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]float32, n)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
