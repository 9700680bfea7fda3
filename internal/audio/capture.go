package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

// ErrClosed is returned by Read after the source has been closed.
var ErrClosed = errors.New("audio source closed")

// Frame is one fixed-length buffer of raw 16-bit linear PCM plus its
// sequence index. Frames are handed off to the recognition channel and
// never retained after send.
type Frame struct {
	Data []byte
	Seq  uint64
}

// Source captures fixed-size PCM frames from a single input device.
// Read blocks until the device delivers one buffer (~64 ms at 16 kHz with
// 1024-sample buffers).
type Source struct {
	device          Device
	sampleRate      int
	framesPerBuffer int

	stream *portaudio.Stream
	buf    []int16
	seq    uint64
	closed bool
}

// Open acquires the device and starts the capture stream.
func Open(device Device, sampleRate, framesPerBuffer int) (*Source, error) {
	if device.info == nil {
		return nil, fmt.Errorf("device %q has no host info; use ListDevices to obtain devices", device.Name)
	}

	buf := make([]int16, framesPerBuffer)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device.info,
			Channels: 1,
			Latency:  device.info.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %q: %w", device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start capture on %q: %w", device.Name, err)
	}

	return &Source{
		device:          device,
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		stream:          stream,
		buf:             buf,
	}, nil
}

// Read blocks until one frame of audio is available and returns it as
// little-endian PCM bytes. A read error indicates the capture contract is
// broken and the session should fail.
func (s *Source) Read() (Frame, error) {
	if s.closed {
		return Frame{}, ErrClosed
	}

	if err := s.stream.Read(); err != nil {
		return Frame{}, fmt.Errorf("capture read failed on %q: %w", s.device.Name, err)
	}

	data := make([]byte, len(s.buf)*2)
	for i, sample := range s.buf {
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(sample))
	}

	frame := Frame{Data: data, Seq: s.seq}
	s.seq++
	return frame, nil
}

// FrameDuration returns the nominal duration of one frame in seconds.
// This, not wall-clock time, advances the session's audio cursor.
func (s *Source) FrameDuration() float64 {
	return float64(s.framesPerBuffer) / float64(s.sampleRate)
}

// Device returns the device this source captures from.
func (s *Source) Device() Device {
	return s.device
}

// Close stops and releases the capture stream. The device can be reacquired
// later with Open; pause/resume relies on this.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.stream.Stop(); err != nil {
		s.stream.Close()
		return fmt.Errorf("failed to stop capture on %q: %w", s.device.Name, err)
	}
	return s.stream.Close()
}

// LevelReport summarizes a microphone level probe.
type LevelReport struct {
	PeakPercent float64
	IsLow       bool
}

// lowLevelThreshold is the peak percentage below which input is considered
// too quiet to transcribe.
const lowLevelThreshold = 1.0

// ProbeLevel samples the source for the given duration without forwarding
// anything to the recognition channel and reports the observed peak level
// as a percentage of int16 full scale.
func (s *Source) ProbeLevel(duration time.Duration) (LevelReport, error) {
	frames := int(duration.Seconds() * float64(s.sampleRate) / float64(s.framesPerBuffer))
	if frames < 1 {
		frames = 1
	}

	var peak float64
	for i := 0; i < frames; i++ {
		if s.closed {
			return LevelReport{}, ErrClosed
		}
		if err := s.stream.Read(); err != nil {
			return LevelReport{}, fmt.Errorf("level probe read failed: %w", err)
		}
		if p := peakPercent(s.buf); p > peak {
			peak = p
		}
	}

	return LevelReport{PeakPercent: peak, IsLow: peak < lowLevelThreshold}, nil
}

// peakPercent returns the largest absolute sample as a percentage of int16
// full scale (32767).
func peakPercent(samples []int16) float64 {
	var max int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return float64(max) / 32767.0 * 100.0
}
