//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"encoding/binary"
	"machine"

	"github.com/sigurn/crc16"
)

var (
	uart     = machine.UART0
	adcs     = make(map[uint8]machine.ADC, len(PINS))
	crcTable = crc16.MakeTable(crc16.CRC16_ARC)
	frame    [4]byte
)

func main() {
	machine.InitADC()

	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	for id, pin := range PINS {
		pin.Configure(machine.PinConfig{Mode: machine.PinInput})
		a := machine.ADC{Pin: pin}
		a.Configure(adcConfig)
		adcs[id] = a
	}

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	// Serve conversion requests: one pin id byte in, one frame out.
	for {
		if uart.Buffered() == 0 {
			continue
		}
		id, err := uart.ReadByte()
		if err != nil {
			continue
		}

		// Unknown pins get no reply; the host times out.
		a, ok := adcs[id]
		if !ok {
			continue
		}
		writeFrame(toMillivolts(a.Get()))
	}
}

// toMillivolts scales the 16-bit normalized reading to the reported full scale.
func toMillivolts(raw uint16) uint16 {
	return uint16(uint32(raw) * ADC_REFERENCE_MV / 0xFFFF)
}

// writeFrame sends value as u16 LE followed by its CRC16/ARC, LE.
func writeFrame(value uint16) {
	binary.LittleEndian.PutUint16(frame[0:2], value)
	binary.LittleEndian.PutUint16(frame[2:4], crc16.Checksum(frame[0:2], crcTable))
	uart.Write(frame[:])
}
