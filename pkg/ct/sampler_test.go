package ct

import (
	"math"
	"testing"
	"time"

	"github.com/itohio/goctm/pkg/adc"
	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every call so timeouts are deterministic.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func testParams() Params {
	return Params{
		Crossings:      20,
		Timeout:        3 * time.Second,
		FullScale:      2450,
		SupplyVoltage:  3.3,
		NoiseThreshold: 2450.0 / 8,
		SavePeriod:     120 * time.Second,
	}
}

func testChannel(offset float32) *Channel {
	return NewChannel(config.ChannelConfig{
		ID:            1,
		CurrentPin:    35,
		CurrentScale:  100,
		CurrentOffset: offset,
		VoltagePin:    34,
		VoltageScale:  230,
		PhaseCal:      1.0,
		VoltageOffset: offset,
	})
}

func newTestSampler(r adc.Reader, p Params, clock *fakeClock) *Sampler {
	return NewSampler(r, p, WithClock(clock.Now), WithLogger(logging.Discard()))
}

func TestNewChannels(t *testing.T) {
	cfgs, err := config.DefaultChannels(3)
	require.NoError(t, err)

	channels := NewChannels(cfgs)
	require.Len(t, channels, 3)
	for i, ch := range channels {
		assert.Equal(t, cfgs[i].ID, ch.ID)
		assert.Equal(t, cfgs[i].CurrentPin, ch.Current.Pin)
		assert.Equal(t, cfgs[i].VoltagePin, ch.Voltage.Pin)
		assert.Equal(t, cfgs[i].PhaseCal, ch.Voltage.PhaseCal)
		assert.Equal(t, cfgs[i].VoltageOffset, ch.Voltage.Offset)
		assert.Zero(t, ch.Reading)
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.Default()
	p := ParamsFromConfig(cfg.Sampling)
	assert.Equal(t, 200, p.Crossings)
	assert.Equal(t, 3*time.Second, p.Timeout)
	assert.Equal(t, uint16(2450), p.FullScale)
	assert.Equal(t, float32(306.25), p.NoiseThreshold)
	assert.Equal(t, 120*time.Second, p.SavePeriod)
}

func TestMeasure_SineMatchesAnalytic(t *testing.T) {
	const (
		ampV = 1000.0
		ampI = 300.0
		lag  = math.Pi / 3
	)
	gen := adc.NewSine(200, 2450)
	gen.SetVoltage(34, adc.Wave{Mid: 1225, Amplitude: ampV})
	gen.SetCurrent(35, adc.Wave{Mid: 1225, Amplitude: ampI, Phase: -lag})

	p := testParams()
	s := newTestSampler(gen, p, newFakeClock(100*time.Microsecond))
	ch := testChannel(1225)

	burst := s.Measure(ch)

	counts := 3.3 / 2450.0
	vRatio := 230 * counts
	iRatio := 100 * counts
	wantVRMS := vRatio * ampV / math.Sqrt2
	wantIRMS := iRatio * ampI / math.Sqrt2
	wantReal := vRatio * iRatio * ampV * ampI * math.Cos(lag) / 2

	assert.Equal(t, 20, burst.Crossings)
	assert.InDelta(t, 2000, burst.Samples, 5)
	assert.InEpsilon(t, wantVRMS, float64(burst.Reading.VRMS), 0.01)
	assert.InEpsilon(t, wantIRMS, float64(burst.Reading.IRMS), 0.01)
	assert.InEpsilon(t, wantReal, float64(burst.Reading.RealPower), 0.01)
	assert.InEpsilon(t, wantVRMS*wantIRMS, float64(burst.Reading.ApparentPower), 0.01)

	wantKWh := float64(burst.Reading.RealPower) * burst.Duration.Seconds() / p.SavePeriod.Seconds()
	assert.InDelta(t, wantKWh, float64(burst.Reading.KWh), 1e-6)
	assert.NotZero(t, burst.Reading.Timestamp)

	// Merged into a zero reading: means halve, energy sums.
	assert.InDelta(t, burst.Reading.RealPower/2, ch.Reading.RealPower, 1e-3)
	assert.InDelta(t, burst.Reading.VRMS/2, ch.Reading.VRMS, 1e-3)
	assert.Equal(t, burst.Reading.KWh, ch.Reading.KWh)
	assert.Equal(t, burst.Reading.Timestamp, ch.Reading.Timestamp)
}

func TestMeasure_InPhaseRealEqualsApparent(t *testing.T) {
	gen := adc.NewSine(200, 2450)
	gen.SetVoltage(34, adc.Wave{Mid: 1225, Amplitude: 800})
	gen.SetCurrent(35, adc.Wave{Mid: 1225, Amplitude: 400})

	s := newTestSampler(gen, testParams(), newFakeClock(100*time.Microsecond))
	burst := s.Measure(testChannel(1225))

	assert.InEpsilon(t, float64(burst.Reading.ApparentPower), float64(burst.Reading.RealPower), 0.01)
}

func TestMeasure_OffsetConvergence(t *testing.T) {
	gen := adc.NewSine(20, 2450)
	gen.SetVoltage(34, adc.Wave{Mid: 1225, Amplitude: 800})
	gen.SetCurrent(35, adc.Wave{Mid: 1225, Amplitude: 200})

	s := newTestSampler(gen, testParams(), newFakeClock(time.Millisecond))
	ch := testChannel(900)
	ch.Current.Offset = 1400

	var errs []float64
	for i := 0; i < 10; i++ {
		s.Measure(ch)
		errs = append(errs, math.Abs(float64(ch.Voltage.Offset)-1225))
	}

	assert.Less(t, errs[1], errs[0])
	assert.InDelta(t, 1225, ch.Voltage.Offset, 5)
	assert.InDelta(t, 1225, ch.Current.Offset, 5)
}

func TestMeasure_AllSamplesNoisy(t *testing.T) {
	// A zero noise threshold rejects every sample, so min/max keep their
	// full scale and zero sentinels and pull the offset towards mid scale.
	script := adc.NewScripted().Values(34, 1200).Values(35, 1200)
	script.Hold = true

	p := testParams()
	p.NoiseThreshold = 0
	p.Timeout = 100 * time.Millisecond

	s := newTestSampler(script, p, newFakeClock(time.Millisecond))
	ch := testChannel(1200)

	burst := s.Measure(ch)

	assert.Equal(t, 0, burst.Crossings)
	assert.Greater(t, burst.Samples, 0)
	assert.Equal(t, float32(1212.5), ch.Voltage.Offset)
	assert.Equal(t, float32(1212.5), ch.Current.Offset)
	assert.Zero(t, burst.Reading.RealPower)
	assert.Zero(t, burst.Reading.VRMS)
}

func TestMeasure_ConstantInputKeepsOffset(t *testing.T) {
	script := adc.NewScripted().Values(34, 1200).Values(35, 1200)
	script.Hold = true

	p := testParams()
	p.Timeout = 100 * time.Millisecond

	s := newTestSampler(script, p, newFakeClock(time.Millisecond))
	ch := testChannel(1200)
	s.Measure(ch)

	assert.Equal(t, float32(1200), ch.Voltage.Offset)
	assert.Equal(t, float32(1200), ch.Current.Offset)
}

func TestMeasure_ZeroSamples(t *testing.T) {
	script := adc.NewScripted().Values(34, 1200).Values(35, 1200)
	script.Hold = true

	p := testParams()
	p.Timeout = 0

	s := newTestSampler(script, p, newFakeClock(time.Millisecond))
	ch := testChannel(1200)
	burst := s.Measure(ch)

	assert.Equal(t, 0, burst.Samples)
	assert.Zero(t, burst.Reading.RealPower)
	assert.Zero(t, burst.Reading.ApparentPower)
	assert.Zero(t, burst.Reading.IRMS)
	assert.Zero(t, burst.Reading.VRMS)
	assert.Zero(t, burst.Reading.KWh)
	assert.False(t, math.IsNaN(float64(ch.Reading.VRMS)))
}

func TestMeasure_ReadFailureReusesLastSample(t *testing.T) {
	p := testParams()
	p.Timeout = 50 * time.Millisecond

	// Scripts run dry after the first values; every later read fails.
	failing := adc.NewScripted().Values(34, 1225, 1300).Values(35, 1250)
	held := adc.NewScripted().Values(34, 1225, 1300).Values(35, 1250)
	held.Hold = true

	got := newTestSampler(failing, p, newFakeClock(time.Millisecond)).Measure(testChannel(1225))
	want := newTestSampler(held, p, newFakeClock(time.Millisecond)).Measure(testChannel(1225))

	assert.Equal(t, want, got)
	assert.Greater(t, failing.Reads(35), 1)
}

func TestMeasure_DeadConverterTerminates(t *testing.T) {
	p := testParams()
	p.Timeout = 20 * time.Millisecond

	s := newTestSampler(adc.NewScripted(), p, newFakeClock(time.Millisecond))
	burst := s.Measure(testChannel(1225))

	assert.Equal(t, 0, burst.Crossings)
	assert.Greater(t, burst.Samples, 0)
	assert.LessOrEqual(t, burst.Duration, p.Timeout+time.Millisecond)
}

func TestMeasure_MergeAcrossBursts(t *testing.T) {
	gen := adc.NewSine(200, 2450)
	gen.SetVoltage(34, adc.Wave{Mid: 1225, Amplitude: 1000})
	gen.SetCurrent(35, adc.Wave{Mid: 1225, Amplitude: 300})

	s := newTestSampler(gen, testParams(), newFakeClock(100*time.Microsecond))
	ch := testChannel(1225)

	var kwh float32
	for i := 0; i < 3; i++ {
		b := s.Measure(ch)
		kwh += b.Reading.KWh
		assert.InDelta(t, kwh, ch.Reading.KWh, 1e-6)
	}
}
