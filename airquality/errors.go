package airquality

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoData is returned by a Driver when no new result is available yet.
var ErrNoData = errors.New("no new data available")

// ErrorKind classifies Source failures.
type ErrorKind int

const (
	Busy ErrorKind = iota + 1
	DeviceFault
	NotReady
)

func (k ErrorKind) String() string {
	switch k {
	case Busy:
		return "busy"
	case DeviceFault:
		return "device_fault"
	case NotReady:
		return "not_ready"
	}
	return "unknown"
}

// Class is how the error propagates out of the poll loop.
type Class int

const (
	Transient Class = iota + 1
	Degraded
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Degraded:
		return "degraded"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

func (k ErrorKind) Class() Class {
	switch k {
	case Busy:
		return Transient
	case NotReady:
		return Fatal
	}
	return Degraded
}

type SensorError struct {
	Kind ErrorKind
	// Code is the device error code, zero when the device did not report one.
	Code uint8
	Err  error
}

func (e *SensorError) Error() string {
	msg := "sensor " + e.Kind.String()
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code 0x%02x)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SensorError) Cause() error { return e.Err }

func (e *SensorError) Unwrap() error { return e.Err }

// Coder is implemented by driver errors that carry a device error code.
type Coder interface {
	ErrorCode() uint8
}

// KindOf returns the kind of a *SensorError anywhere in err's chain,
// or zero if there is none.
func KindOf(err error) ErrorKind {
	var se *SensorError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
