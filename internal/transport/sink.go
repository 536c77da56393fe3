package transport

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

const bytesPerSample = 2 // signed 16-bit little-endian

// OtoSink plays PCM through the oto library. It implements io.Reader for the
// oto player (pull side) and Sink for the decoder (push side). The internal
// buffer is capped so the decode side cannot run far ahead of what is
// audible, which keeps the spectrum meter in sync with the speakers.
type OtoSink struct {
	context    *oto.Context
	player     oto.Player
	sampleRate int
	channels   int
	maxBuffer  int

	mu      sync.Mutex
	cond    *sync.Cond // wakes Read blocked on pause
	buffer  *bytes.Buffer
	volume  float64
	paused  bool
	stopped bool // set by Stop; writes are discarded until Reset
	closed  bool

	meter *SpectrumMeter
}

// NewOtoSink opens the audio device. bufferMs bounds how much decoded audio
// may sit between the decoder and the speakers.
func NewOtoSink(sampleRate, channels, bufferMs int) (*OtoSink, error) {
	ctx, ready, err := oto.NewContext(sampleRate, channels, bytesPerSample)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	if bufferMs <= 0 {
		bufferMs = 100
	}

	s := &OtoSink{
		context:    ctx,
		sampleRate: sampleRate,
		channels:   channels,
		maxBuffer:  sampleRate * channels * bytesPerSample * bufferMs / 1000,
		buffer:     &bytes.Buffer{},
		volume:     1.0,
		meter:      NewSpectrumMeter(sampleRate, channels),
	}
	s.cond = sync.NewCond(&s.mu)
	s.player = ctx.NewPlayer(s)

	return s, nil
}

// Read feeds the oto player. It blocks while paused and feeds silence when
// the buffer runs dry so the device stream stays alive between tracks.
func (s *OtoSink) Read(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.paused && !s.closed {
		s.cond.Wait()
	}

	if s.closed {
		return 0, io.EOF
	}

	if s.buffer.Len() == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n, err = s.buffer.Read(p)
	if err != nil {
		return n, err
	}

	// Meter taps the stream before volume scaling so visualization amplitude
	// does not collapse at low volume.
	if s.meter != nil && n > 0 {
		s.meter.Process(p[:n])
	}

	if s.volume < 1.0 && n > 0 {
		scaleVolume(p[:n], s.volume)
	}

	return n, nil
}

// scaleVolume scales 16-bit little-endian PCM samples in place.
func scaleVolume(data []byte, vol float64) {
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		scaled := int16(float64(sample) * vol)
		data[i] = byte(scaled)
		data[i+1] = byte(scaled >> 8)
	}
}

// Write buffers PCM from the decoder, throttling it to the playback rate.
// Writes after Stop are discarded until Reset so a dying decoder cannot
// restart the device.
func (s *OtoSink) Write(data []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if s.stopped {
			s.mu.Unlock()
			return len(data), nil
		}
		if s.buffer.Len() < s.maxBuffer {
			break
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	defer s.mu.Unlock()

	n, err := s.buffer.Write(data)
	if err != nil {
		return n, err
	}

	if s.player != nil && !s.player.IsPlaying() && !s.paused {
		s.player.Play()
	}

	return n, nil
}

// Pause halts the device without losing buffered audio.
func (s *OtoSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	if s.player != nil && s.player.IsPlaying() {
		s.player.Pause()
	}
}

// Resume restarts a paused device.
func (s *OtoSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = false
	s.cond.Broadcast()
	if s.player != nil && !s.player.IsPlaying() {
		s.player.Play()
	}
}

// Stop drops buffered audio and gates out any writes still in flight from
// the superseded decoder.
func (s *OtoSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.paused = false
	if s.player != nil {
		s.player.Pause()
	}
	s.buffer.Reset()
	if s.meter != nil {
		s.meter.Flush()
	}
}

// Reset reopens the sink for a new stream.
func (s *OtoSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = false
	s.paused = false
	s.buffer.Reset()
	s.cond.Broadcast()
}

// SetVolume sets the output volume in the 0 to 1 range.
func (s *OtoSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.volume = v
}

// Volume returns the current output volume.
func (s *OtoSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SampleRate returns the device sample rate.
func (s *OtoSink) SampleRate() int {
	return s.sampleRate
}

// Channels returns the device channel count.
func (s *OtoSink) Channels() int {
	return s.channels
}

// Meter returns the spectrum meter tapping this sink.
func (s *OtoSink) Meter() *SpectrumMeter {
	return s.meter
}

// Close releases the audio device and unblocks any waiting readers.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()

	if s.player != nil {
		if err := s.player.Close(); err != nil {
			return err
		}
	}
	return nil
}

var _ io.Reader = (*OtoSink)(nil)
var _ Sink = (*OtoSink)(nil)
