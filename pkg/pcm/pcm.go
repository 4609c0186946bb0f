// Package pcm converts little-endian PCM16 audio between sample rates and
// channel layouts.
package pcm

import (
	"errors"
	"fmt"
	"sync"
)

// Format describes interleaved PCM16 audio.
type Format struct {
	SampleRate int
	Channels   int
}

// Speech is the format speech recognizers expect.
var Speech = Format{SampleRate: 16000, Channels: 1}

// ErrBadFormat is returned for a format with a non-positive rate or a
// channel count other than 1 or 2.
var ErrBadFormat = errors.New("pcm: unsupported format")

// Validate checks that f can be converted.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%w: %d Hz, %d channels", ErrBadFormat, f.SampleRate, f.Channels)
	}
	return nil
}

// Resample converts samples from one rate to another using linear
// interpolation. Good enough for speech.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]int16, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}

// Decode reads little-endian PCM16 bytes. A trailing odd byte is ignored.
func Decode(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// Encode writes samples as little-endian PCM16 bytes.
func Encode(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Downmix averages interleaved stereo into mono.
func Downmix(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}

// Upmix duplicates mono samples into interleaved stereo.
func Upmix(samples []int16) []int16 {
	stereo := make([]int16, len(samples)*2)
	for i, s := range samples {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return stereo
}

// Convert re-encodes data from one format to another.
func Convert(data []byte, from, to Format) []byte {
	if from == to {
		return data
	}
	samples := Decode(data)
	if from.Channels == 2 && to.Channels == 1 {
		samples = Downmix(samples)
	}
	samples = Resample(samples, from.SampleRate, to.SampleRate)
	if from.Channels == 1 && to.Channels == 2 {
		samples = Upmix(samples)
	}
	return Encode(samples)
}

// Writer is the destination of converted audio.
type Writer interface {
	Write(pcm []byte) error
}

// Sink converts each frame before handing it to the next writer.
type Sink struct {
	from, to Format
	next     Writer

	// Frames may split a sample; the odd byte is carried over.
	mu   sync.Mutex
	tail []byte
}

// NewSink returns a Sink converting from one format to another.
func NewSink(next Writer, from, to Format) (*Sink, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	return &Sink{from: from, to: to, next: next}, nil
}

// Write converts frame and forwards it.
func (s *Sink) Write(frame []byte) error {
	s.mu.Lock()
	data := frame
	if len(s.tail) > 0 {
		data = append(s.tail, frame...)
		s.tail = nil
	}
	align := 2 * s.from.Channels
	if rem := len(data) % align; rem != 0 {
		s.tail = append([]byte(nil), data[len(data)-rem:]...)
		data = data[:len(data)-rem]
	}
	s.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	return s.next.Write(Convert(data, s.from, s.to))
}
