package adc

import (
	"math"
	"sync"

	"github.com/itohio/goctm/pkg/config"
)

// Wave describes the synthetic signal on one pin in converter counts.
type Wave struct {
	Mid       float64 // DC midpoint
	Amplitude float64 // Peak deviation from Mid
	Phase     float64 // Radians
}

// Sine simulates the analog front-end with ideal sine waves.
// Time advances by one sample after every read of a clock pin (the voltage inputs),
// so a current read followed by a voltage read observe the same instant.
type Sine struct {
	mu              sync.Mutex
	samplesPerCycle int
	fullScale       uint16
	waves           map[uint8]Wave
	clockPins       map[uint8]bool
	tick            int
}

// NewSine creates an empty generator.
func NewSine(samplesPerCycle int, fullScale uint16) *Sine {
	if samplesPerCycle <= 0 {
		samplesPerCycle = 200
	}
	return &Sine{
		samplesPerCycle: samplesPerCycle,
		fullScale:       fullScale,
		waves:           make(map[uint8]Wave),
		clockPins:       make(map[uint8]bool),
	}
}

// NewSineFromConfig creates a generator driving every configured channel with the
// mock voltage and current waves, both centred at mid scale.
func NewSineFromConfig(cfg *config.Config) *Sine {
	s := NewSine(cfg.Mock.SamplesPerCycle, cfg.Sampling.FullScale)
	mid := float64(cfg.Sampling.FullScale) / 2
	lag := cfg.Mock.PhaseShift * math.Pi / 180
	for _, ch := range cfg.Channels {
		s.SetVoltage(ch.VoltagePin, Wave{Mid: mid, Amplitude: cfg.Mock.VoltageAmplitude})
		s.SetCurrent(ch.CurrentPin, Wave{Mid: mid, Amplitude: cfg.Mock.CurrentAmplitude, Phase: -lag})
	}
	return s
}

// SetVoltage registers a voltage wave; reading it advances time.
func (s *Sine) SetVoltage(pin uint8, w Wave) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves[pin] = w
	s.clockPins[pin] = true
}

// SetCurrent registers a current wave.
func (s *Sine) SetCurrent(pin uint8, w Wave) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves[pin] = w
}

// Read returns the wave value at the current instant, clamped to the converter range.
func (s *Sine) Read(pin uint8) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waves[pin]
	if !ok {
		return 0, &ChannelError{Pin: pin, Err: ErrNotConnected}
	}

	theta := 2*math.Pi*float64(s.tick)/float64(s.samplesPerCycle) + w.Phase
	v := math.Round(w.Mid + w.Amplitude*math.Sin(theta))
	if s.clockPins[pin] {
		s.tick++
	}

	if v < 0 {
		v = 0
	} else if s.fullScale > 0 && v > float64(s.fullScale) {
		v = float64(s.fullScale)
	}
	return uint16(v), nil
}

// Tick returns the number of elapsed sample instants.
func (s *Sine) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}
