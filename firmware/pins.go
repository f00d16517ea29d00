//go:build tinygo

package main

import "machine"

const (
	// ADC configuration
	ADC_REFERENCE_MV = 2450 // Full scale reported to the host in millivolts
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Serial configuration
	// Each request is 1 byte, each reply 4 bytes (u16 value + u16 CRC16/ARC).
	// UART 8N1 at 115200 baud moves 11,520 bytes/sec: ~1150 current/voltage pairs per second.
	UART_BAUD_RATE = 115200
)

// Host pin ids (the metering board's GPIO numbers) mapped to local ADC inputs.
var PINS = map[uint8]machine.Pin{
	32: machine.A0,
	33: machine.A1,
	34: machine.A2,
	35: machine.A3,
	36: machine.A4,
	39: machine.A5,
}
