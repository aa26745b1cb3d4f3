// Package sim provides a simulated air-quality sensor for running without
// hardware.
package sim

import (
	"math"
	"sync"

	"github.com/alepar/aqnotify/airquality"
)

// Sensor produces a slow deterministic wave around typical indoor levels.
// Every BusyEvery-th fetch reports no data when BusyEvery > 0.
type Sensor struct {
	BusyEvery int

	mu    sync.Mutex
	n     int
	co2   float64
	tvoc  float64
	ready bool
}

func New() *Sensor {
	return &Sensor{ready: true, co2: 400}
}

func (s *Sensor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Sensor) Fetch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.n++
	if s.BusyEvery > 0 && s.n%s.BusyEvery == 0 {
		return airquality.ErrNoData
	}
	phase := float64(s.n) / 60 * 2 * math.Pi
	s.co2 = 800 + 400*math.Sin(phase)
	s.tvoc = 120 + 100*math.Sin(phase/2)
	return nil
}

func (s *Sensor) Channel(ch airquality.ChannelID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ch {
	case airquality.ChannelCO2:
		return math.Round(s.co2)
	case airquality.ChannelTVOC:
		return math.Round(s.tvoc)
	case airquality.ChannelVoltage:
		return 1.0
	case airquality.ChannelCurrent:
		return 8e-6
	}
	return 0
}

func (s *Sensor) Result() (airquality.StatusFlags, uint8) {
	return airquality.StatusDataReady | airquality.StatusAppValid | airquality.StatusFirmwareMode, 0
}

var _ airquality.Driver = (*Sensor)(nil)
