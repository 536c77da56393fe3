package transport

import (
	"bytes"
	"sync"
	"testing"
)

func newBareSink() *OtoSink {
	// No oto context or player; exercises the buffer and volume paths only.
	s := &OtoSink{
		sampleRate: 44100,
		channels:   2,
		maxBuffer:  1 << 16,
		buffer:     &bytes.Buffer{},
		volume:     1.0,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func TestScaleVolume(t *testing.T) {
	tests := []struct {
		name     string
		volume   float64
		input    []byte
		expected []byte
	}{
		{
			name:     "half volume",
			volume:   0.5,
			input:    []byte{0x00, 0x10, 0xFE, 0x7F}, // 4096, 32766
			expected: []byte{0x00, 0x08, 0xFF, 0x3F}, // 2048, 16383
		},
		{
			name:     "zero volume is silence",
			volume:   0.0,
			input:    []byte{0xFF, 0x7F, 0x00, 0x80}, // max positive, min negative
			expected: []byte{0x00, 0x00, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, len(tt.input))
			copy(data, tt.input)

			scaleVolume(data, tt.volume)

			for i := range data {
				if data[i] != tt.expected[i] {
					t.Errorf("byte %d: expected %02X, got %02X", i, tt.expected[i], data[i])
				}
			}
		})
	}
}

func TestSetVolumeClamp(t *testing.T) {
	s := newBareSink()

	s.SetVolume(-0.5)
	if s.Volume() != 0 {
		t.Errorf("expected volume 0 for negative input, got %f", s.Volume())
	}

	s.SetVolume(1.5)
	if s.Volume() != 1 {
		t.Errorf("expected volume 1 for >1 input, got %f", s.Volume())
	}

	s.SetVolume(0.75)
	if s.Volume() != 0.75 {
		t.Errorf("expected volume 0.75, got %f", s.Volume())
	}
}

func TestStopGatesWrites(t *testing.T) {
	s := newBareSink()

	if _, err := s.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if s.buffer.Len() != 4 {
		t.Fatalf("buffer length = %d, want 4", s.buffer.Len())
	}

	s.Stop()
	if s.buffer.Len() != 0 {
		t.Errorf("Stop did not clear the buffer")
	}

	// A straggler write from a dying decoder is swallowed.
	n, err := s.Write([]byte{5, 6})
	if err != nil {
		t.Fatalf("write after stop errored: %v", err)
	}
	if n != 2 {
		t.Errorf("write after stop returned n=%d, want 2", n)
	}
	if s.buffer.Len() != 0 {
		t.Errorf("write after stop landed in buffer")
	}

	s.Reset()
	if _, err := s.Write([]byte{7, 8}); err != nil {
		t.Fatalf("write after reset failed: %v", err)
	}
	if s.buffer.Len() != 2 {
		t.Errorf("write after reset did not land, buffer length = %d", s.buffer.Len())
	}
}

func TestReadSilenceWhenEmpty(t *testing.T) {
	s := newBareSink()

	buf := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != len(buf) {
		t.Errorf("read n = %d, want %d", n, len(buf))
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("byte %d = %02X, want silence", i, b)
		}
	}
}

func TestReadAppliesVolume(t *testing.T) {
	s := newBareSink()
	s.SetVolume(0.5)

	if _, err := s.Write([]byte{0x00, 0x10}); err != nil { // 4096
		t.Fatal(err)
	}

	buf := make([]byte, 2)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	got := int16(buf[0]) | int16(buf[1])<<8
	if got != 2048 {
		t.Errorf("scaled sample = %d, want 2048", got)
	}
}
