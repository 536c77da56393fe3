package transport

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// fftSize must be a power of two. 1024 samples at 44100Hz yields roughly
	// 43 frames per second, enough for a smooth visualizer.
	fftSize = 1024
	// NumBands is the number of log-spaced frequency bands in a frame.
	NumBands = 64
	// Temporal smoothing weight for the previous frame.
	meterSmoothing = 0.6

	meterMinFreq = 20.0
	meterMaxFreq = 20000.0
	meterFloorDB = -60.0
)

// Frame is one spectrum snapshot: per-band magnitudes and an overall level,
// all scaled 0-255.
type Frame struct {
	Bands []uint8 `json:"bands"`
	Level uint8   `json:"level"`
}

// FrameCallback receives frames as the meter produces them.
type FrameCallback func(Frame)

// SpectrumMeter computes log-spaced frequency bands from the PCM stream
// flowing through the sink. Frames are pushed to the registered callback as
// each FFT window fills.
type SpectrumMeter struct {
	mu sync.RWMutex

	fft        *fourier.FFT
	window     []float64 // Hanning
	bandForBin []int     // precomputed bin-to-band map, -1 for out-of-range bins

	samples []float64 // circular mono buffer
	writeAt int

	smoothed []float64
	level    float64
	ready    bool

	channels int

	onFrame FrameCallback
}

// NewSpectrumMeter creates a meter for PCM at the given rate and channel
// count.
func NewSpectrumMeter(sampleRate, channels int) *SpectrumMeter {
	window := make([]float64, fftSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}

	maxFreq := meterMaxFreq
	if nyquistFreq := float64(sampleRate) / 2; nyquistFreq < maxFreq {
		maxFreq = nyquistFreq
	}
	logMin := math.Log10(meterMinFreq)
	logRange := math.Log10(maxFreq) - logMin

	freqPerBin := float64(sampleRate) / float64(fftSize)
	bandForBin := make([]int, fftSize/2)
	for bin := range bandForBin {
		freq := float64(bin) * freqPerBin
		if bin == 0 || freq < meterMinFreq || freq > maxFreq {
			bandForBin[bin] = -1
			continue
		}
		band := int((math.Log10(freq) - logMin) / logRange * NumBands)
		if band >= NumBands {
			band = NumBands - 1
		}
		bandForBin[bin] = band
	}

	return &SpectrumMeter{
		fft:        fourier.NewFFT(fftSize),
		window:     window,
		bandForBin: bandForBin,
		samples:    make([]float64, fftSize),
		smoothed:   make([]float64, NumBands),
		channels:   channels,
	}
}

// SetOnFrame registers the frame callback. Frames are delivered from the
// audio read path; the callback must not block.
func (m *SpectrumMeter) SetOnFrame(cb FrameCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = cb
}

// Process consumes 16-bit little-endian PCM, downmixing to mono. Each time
// the FFT window fills, a frame is computed and pushed.
func (m *SpectrumMeter) Process(data []byte) {
	var frames []Frame

	m.mu.Lock()
	frameBytes := bytesPerSample * m.channels
	for i := 0; i+frameBytes <= len(data); i += frameBytes {
		var sum float64
		for ch := 0; ch < m.channels; ch++ {
			off := i + ch*bytesPerSample
			sample := int16(data[off]) | int16(data[off+1])<<8
			sum += float64(sample) / 32768.0
		}
		m.samples[m.writeAt] = sum / float64(m.channels)
		m.writeAt = (m.writeAt + 1) % fftSize

		if m.writeAt == 0 {
			m.computeLocked()
			m.ready = true
			if m.onFrame != nil {
				frames = append(frames, m.frameLocked())
			}
		}
	}
	cb := m.onFrame
	m.mu.Unlock()

	if cb != nil {
		for _, f := range frames {
			cb(f)
		}
	}
}

// computeLocked runs one FFT over the filled window and folds the magnitude
// spectrum into the smoothed bands.
func (m *SpectrumMeter) computeLocked() {
	windowed := make([]float64, fftSize)
	var sumSquares float64
	for i := 0; i < fftSize; i++ {
		s := m.samples[(m.writeAt+i)%fftSize]
		sumSquares += s * s
		windowed[i] = s * m.window[i]
	}

	coeffs := m.fft.Coefficients(nil, windowed)

	bands := make([]float64, NumBands)
	counts := make([]int, NumBands)
	for bin, band := range m.bandForBin {
		if band < 0 {
			continue
		}
		re := real(coeffs[bin])
		im := imag(coeffs[bin])
		magnitude := math.Sqrt(re*re + im*im)

		db := 20 * math.Log10(magnitude/fftSize+1e-10)
		normalized := (db - meterFloorDB) / -meterFloorDB * 255
		if normalized < 0 {
			normalized = 0
		}
		if normalized > 255 {
			normalized = 255
		}

		bands[band] += normalized
		counts[band]++
	}
	for i := range bands {
		if counts[i] > 0 {
			bands[i] /= float64(counts[i])
		}
	}

	// Bleed a quarter of each neighbor into empty-ish bands so sparse bins do
	// not leave visual gaps, then smooth across frames.
	for i := range m.smoothed {
		v := bands[i]
		if i > 0 {
			v += bands[i-1] * 0.25
		}
		if i < NumBands-1 {
			v += bands[i+1] * 0.25
		}
		if v > 255 {
			v = 255
		}
		m.smoothed[i] = meterSmoothing*m.smoothed[i] + (1-meterSmoothing)*v
	}

	rms := math.Sqrt(sumSquares / fftSize)
	db := 20 * math.Log10(rms+1e-10)
	level := (db - meterFloorDB) / -meterFloorDB * 255
	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}
	m.level = meterSmoothing*m.level + (1-meterSmoothing)*level
}

func (m *SpectrumMeter) frameLocked() Frame {
	f := Frame{Bands: make([]uint8, NumBands)}
	for i, v := range m.smoothed {
		switch {
		case v > 255:
			f.Bands[i] = 255
		case v < 0:
			f.Bands[i] = 0
		default:
			f.Bands[i] = uint8(v)
		}
	}
	f.Level = uint8(m.level)
	return f
}

// Snapshot returns the most recent frame.
func (m *SpectrumMeter) Snapshot() Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frameLocked()
}

// Ready reports whether at least one full window has been analyzed.
func (m *SpectrumMeter) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Flush clears accumulated samples and decays the output to silence. Called
// between streams so a new track starts from a dark visualizer.
func (m *SpectrumMeter) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeAt = 0
	m.ready = false
	for i := range m.samples {
		m.samples[i] = 0
	}
	for i := range m.smoothed {
		m.smoothed[i] = 0
	}
	m.level = 0
}
