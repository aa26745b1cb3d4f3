package airquality

import (
	"periph.io/x/conn/v3/physic"
)

// ChannelID selects one of the measurement channels a Driver exposes.
type ChannelID int

const (
	// units: ppm
	ChannelCO2 ChannelID = iota
	// units: ppb
	ChannelTVOC
	// units: V
	ChannelVoltage
	// units: A
	ChannelCurrent
)

func (c ChannelID) String() string {
	switch c {
	case ChannelCO2:
		return "co2"
	case ChannelTVOC:
		return "tvoc"
	case ChannelVoltage:
		return "voltage"
	case ChannelCurrent:
		return "current"
	}
	return "unknown"
}

// StatusFlags mirrors the raw status register of the sensor.
type StatusFlags uint8

const (
	StatusError        StatusFlags = 0x01
	StatusDataReady    StatusFlags = 0x08
	StatusAppValid     StatusFlags = 0x10
	StatusFirmwareMode StatusFlags = 0x80
)

func (f StatusFlags) Has(flag StatusFlags) bool {
	return f&flag == flag
}

// Driver is the device side of a sensor. Fetch latches a new result which
// Channel and Result then report until the next Fetch.
type Driver interface {
	Ready() bool
	Fetch() error
	Channel(ch ChannelID) float64
	Result() (status StatusFlags, errorCode uint8)
}

// Supply is the sensor supply as seen during the last fetch.
// Only used for observability.
type Supply struct {
	Voltage physic.ElectricPotential
	Current physic.ElectricCurrent
}

type Sample struct {
	// units: ppm
	CO2 uint16

	// units: ppb
	TVOC uint16

	Status    StatusFlags
	ErrorCode uint8

	Supply Supply
}

// Stale reports whether the device flagged the result as not fresh.
func (s Sample) Stale() bool {
	return !s.Status.Has(StatusDataReady)
}

// Faulted reports whether the device raised its error bit.
func (s Sample) Faulted() bool {
	return s.Status.Has(StatusError)
}
