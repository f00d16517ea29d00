// Package ct implements the zero-crossing bounded energy measurement of a CT channel.
//
// A burst runs in two phases, each bounded by Params.Timeout:
//   - wait for the voltage input to sit near mid scale and remember that level
//   - sample current and voltage until the voltage crossed that level Params.Crossings
//     times, accumulating squared and product sums of the offset-free signals
//
// Converter failures never abort a burst; the previous raw value is reused.
package ct

import (
	"log/slog"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/goctm/pkg/adc"
	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/reading"
)

const (
	// offsetSmoothing is the single-pole filter divisor for DC offset tracking.
	offsetSmoothing = 512

	// Reference level window for phase 1, as a fraction of full scale.
	refLow  = 0.45
	refHigh = 0.55
)

// Params are the measurement constants shared by all channels.
type Params struct {
	Crossings      int
	Timeout        time.Duration
	FullScale      uint16
	SupplyVoltage  float32
	NoiseThreshold float32
	SavePeriod     time.Duration
}

// ParamsFromConfig extracts measurement parameters from the sampling section.
func ParamsFromConfig(c config.SamplingConfig) Params {
	return Params{
		Crossings:      c.Crossings,
		Timeout:        c.Timeout,
		FullScale:      c.FullScale,
		SupplyVoltage:  c.SupplyVoltage,
		NoiseThreshold: c.NoiseThreshold,
		SavePeriod:     c.SavePeriod,
	}
}

// Burst is the outcome of one measurement.
type Burst struct {
	Reading   reading.Reading
	Samples   int
	Crossings int
	Duration  time.Duration
}

// Sampler runs measurement bursts against an ADC.
type Sampler struct {
	adc    adc.Reader
	params Params
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock replaces the wall clock used for timeouts and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) { s.log = l }
}

// NewSampler creates a sampler reading from r.
func NewSampler(r adc.Reader, p Params, opts ...Option) *Sampler {
	s := &Sampler{
		adc:    r,
		params: p,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Component("ct")
	}
	return s
}

// Params returns the sampler parameters.
func (s *Sampler) Params() Params {
	return s.params
}

// read returns a fresh conversion or last when the converter fails.
func (s *Sampler) read(pin uint8, last uint16) uint16 {
	v, err := s.adc.Read(pin)
	if err != nil {
		s.log.Debug("adc read failed, reusing last sample", "pin", pin, "error", err)
		return last
	}
	return v
}

// findReference waits for the voltage input to enter the mid-scale window.
// On timeout the last value read is used anyway.
func (s *Sampler) findReference(pin uint8) uint16 {
	low := float32(s.params.FullScale) * refLow
	high := float32(s.params.FullScale) * refHigh

	var v uint16
	start := s.now()
	for {
		v = s.read(pin, v)
		if f := float32(v); f > low && f < high {
			return v
		}
		if s.now().Sub(start) > s.params.Timeout {
			return v
		}
	}
}

// Measure runs one burst on ch, refines its offsets and merges the result into
// ch.Reading. The returned Burst carries the unmerged reading.
func (s *Sampler) Measure(ch *Channel) Burst {
	var (
		crossings int
		n         int

		sampleV, sampleI             uint16
		filteredV, filteredI         float32
		lastFilteredV, lastFilteredI float32

		sumV, sumI, sumP float32
		above, lastAbove bool
		maxV, maxI       uint16
	)
	offsetV := ch.Voltage.Offset
	offsetI := ch.Current.Offset
	minV, minI := s.params.FullScale, s.params.FullScale

	startV := s.findReference(ch.Voltage.Pin)

	start := s.now()
	for crossings < s.params.Crossings && s.now().Sub(start) < s.params.Timeout {
		sampleI = s.read(ch.Current.Pin, sampleI)
		sampleV = s.read(ch.Voltage.Pin, sampleV)

		offsetI += (float32(sampleI) - offsetI) / offsetSmoothing
		filteredI = float32(sampleI) - offsetI
		offsetV += (float32(sampleV) - offsetV) / offsetSmoothing
		filteredV = float32(sampleV) - offsetV

		// Extrema are tracked away from the steep part of the wave only.
		if math32.Abs(lastFilteredV-filteredV) < s.params.NoiseThreshold {
			minV = min(minV, sampleV)
			maxV = max(maxV, sampleV)
		}
		if math32.Abs(lastFilteredI-filteredI) < s.params.NoiseThreshold {
			minI = min(minI, sampleI)
			maxI = max(maxI, sampleI)
		}

		sumV += filteredV * filteredV
		sumI += filteredI * filteredI

		shiftedV := lastFilteredV + ch.Voltage.PhaseCal*(filteredV-lastFilteredV)
		sumP += shiftedV * filteredI

		lastAbove = above
		above = sampleV > startV
		if n == 0 {
			lastAbove = above
		}
		if lastAbove != above {
			crossings++
		}

		n++
		lastFilteredV = filteredV
		lastFilteredI = filteredI
	}

	// With no gated samples the sentinels make this mid scale.
	ch.Current.Offset = (offsetI + (float32(maxI)+float32(minI))/2) / 2
	ch.Voltage.Offset = (offsetV + (float32(maxV)+float32(minV))/2) / 2

	elapsed := s.now().Sub(start)
	burst := Burst{
		Reading:   s.compute(ch, n, sumV, sumI, sumP, elapsed),
		Samples:   n,
		Crossings: crossings,
		Duration:  elapsed,
	}
	ch.Reading.Merge(burst.Reading)

	s.log.Debug("burst",
		"channel", ch.ID,
		"samples", n,
		"crossings", crossings,
		"duration", elapsed,
		"offset_i", ch.Current.Offset,
		"offset_v", ch.Voltage.Offset,
	)
	return burst
}

func (s *Sampler) compute(ch *Channel, n int, sumV, sumI, sumP float32, elapsed time.Duration) reading.Reading {
	r := reading.Reading{Timestamp: uint64(s.now().UnixMilli())}
	if n == 0 {
		return r
	}

	count := float32(n)
	counts := s.params.SupplyVoltage / float32(s.params.FullScale)
	vRatio := ch.Voltage.Scale * counts
	iRatio := ch.Current.Scale * counts

	r.VRMS = vRatio * math32.Sqrt(sumV/count)
	r.IRMS = iRatio * math32.Sqrt(sumI/count)
	// Probe polarity is arbitrary.
	r.RealPower = math32.Abs(vRatio * iRatio * (sumP / count))
	r.ApparentPower = r.VRMS * r.IRMS
	if s.params.SavePeriod > 0 {
		r.KWh = r.RealPower * float32(elapsed.Seconds()) / float32(s.params.SavePeriod.Seconds())
	}
	return r
}
