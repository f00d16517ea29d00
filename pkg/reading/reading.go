package reading

// Reading is one channel's energy snapshot, accumulated over a save period.
type Reading struct {
	RealPower     float32 `json:"real_power"`
	ApparentPower float32 `json:"apparent_power"`
	IRMS          float32 `json:"i_rms"`
	VRMS          float32 `json:"v_rms"`
	KWh           float32 `json:"kwh"`
	Timestamp     uint64  `json:"timestamp"` // Unix milliseconds of the last merged burst
}

// Record pairs a Reading with the channel it belongs to. It is the unit of storage.
type Record struct {
	ChannelID uint16 `json:"channel_id"`
	Reading
}

// Merge folds a new burst into the accumulated reading.
// Instantaneous quantities are blended as the mean of old and new, energy is summed
// and the timestamp takes the newer capture time.
func (r *Reading) Merge(next Reading) {
	r.RealPower = (r.RealPower + next.RealPower) / 2
	r.ApparentPower = (r.ApparentPower + next.ApparentPower) / 2
	r.IRMS = (r.IRMS + next.IRMS) / 2
	r.VRMS = (r.VRMS + next.VRMS) / 2
	r.KWh += next.KWh
	r.Timestamp = next.Timestamp
}

// Reset zeroes the reading at the start of a save period.
func (r *Reading) Reset() {
	*r = Reading{}
}
