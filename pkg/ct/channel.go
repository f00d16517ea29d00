package ct

import (
	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/reading"
)

// CurrentInput is the current transformer side of a channel.
type CurrentInput struct {
	Pin    uint8
	Scale  float32 // ical
	Offset float32 // Adaptive DC offset in counts
}

// VoltageInput is the voltage reference side of a channel.
type VoltageInput struct {
	Pin      uint8
	Scale    float32 // vcal
	PhaseCal float32
	Offset   float32 // Adaptive DC offset in counts
}

// Channel is one CT + voltage reference pair metering a single phase.
// Offsets are refined after every burst and live only in memory.
type Channel struct {
	ID      uint16
	Current CurrentInput
	Voltage VoltageInput
	Reading reading.Reading
}

// NewChannel creates a channel from its calibration entry.
func NewChannel(c config.ChannelConfig) *Channel {
	return &Channel{
		ID: c.ID,
		Current: CurrentInput{
			Pin:    c.CurrentPin,
			Scale:  c.CurrentScale,
			Offset: c.CurrentOffset,
		},
		Voltage: VoltageInput{
			Pin:      c.VoltagePin,
			Scale:    c.VoltageScale,
			PhaseCal: c.PhaseCal,
			Offset:   c.VoltageOffset,
		},
	}
}

// NewChannels creates channels in configuration order.
func NewChannels(cfgs []config.ChannelConfig) []*Channel {
	channels := make([]*Channel, 0, len(cfgs))
	for _, c := range cfgs {
		channels = append(channels, NewChannel(c))
	}
	return channels
}

// Record returns the channel's accumulated reading tagged with its id.
func (c *Channel) Record() reading.Record {
	return reading.Record{ChannelID: c.ID, Reading: c.Reading}
}
