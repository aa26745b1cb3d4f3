package airquality

import (
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
)

type Source interface {

	// returns the latest sample or a *SensorError
	Sample() (Sample, error)
}

// DriverSource adapts a Driver to Source. The readiness check runs once, in
// NewSource.
type DriverSource struct {
	drv   Driver
	ready bool
}

func NewSource(drv Driver) *DriverSource {
	ready := drv.Ready()
	if !ready {
		log.Error("sensor device is not ready")
	}
	return &DriverSource{drv: drv, ready: ready}
}

func (s *DriverSource) Ready() bool {
	return s.ready
}

func (s *DriverSource) Sample() (Sample, error) {
	if !s.ready {
		return Sample{}, &SensorError{Kind: NotReady, Err: errors.New("device never became ready")}
	}

	if err := s.drv.Fetch(); err != nil {
		if errors.Cause(err) == ErrNoData {
			return Sample{}, &SensorError{Kind: Busy, Err: err}
		}
		var code uint8
		var coder Coder
		if errors.As(err, &coder) {
			code = coder.ErrorCode()
		}
		return Sample{}, &SensorError{Kind: DeviceFault, Code: code, Err: errors.Wrap(err, "fetch failed")}
	}

	status, code := s.drv.Result()
	return Sample{
		CO2:       saturate(s.drv.Channel(ChannelCO2)),
		TVOC:      saturate(s.drv.Channel(ChannelTVOC)),
		Status:    status,
		ErrorCode: code,
		Supply: Supply{
			Voltage: physic.ElectricPotential(math.Round(s.drv.Channel(ChannelVoltage) * float64(physic.Volt))),
			Current: physic.ElectricCurrent(math.Round(s.drv.Channel(ChannelCurrent) * float64(physic.Ampere))),
		},
	}, nil
}

func saturate(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
