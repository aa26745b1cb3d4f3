package telemetry

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/alepar/aqnotify/airquality"
)

// FrameSize is the length of an encoded reading.
const FrameSize = 4

// Frame layout, little-endian. Peers decode by fixed offset, so this must not
// change.
const (
	co2Offset  = 0
	tvocOffset = 2
)

// Frame is the wire encoding of one reading.
type Frame [FrameSize]byte

// Encode packs the CO2 and TVOC fields of s.
func Encode(s airquality.Sample) Frame {
	var f Frame
	binary.LittleEndian.PutUint16(f[co2Offset:], s.CO2)
	binary.LittleEndian.PutUint16(f[tvocOffset:], s.TVOC)
	return f
}

// DecodeFrame parses the first FrameSize bytes of b.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) < FrameSize {
		return f, errors.Errorf("frame too short: %d bytes", len(b))
	}
	copy(f[:], b)
	return f, nil
}

func (f Frame) CO2() uint16 {
	return binary.LittleEndian.Uint16(f[co2Offset:])
}

func (f Frame) TVOC() uint16 {
	return binary.LittleEndian.Uint16(f[tvocOffset:])
}

// Region is a byte range of the channel buffer served by one characteristic.
type Region struct {
	Offset int
	Len    int
}

func (r Region) End() int {
	return r.Offset + r.Len
}

var (
	RegionCO2  = Region{Offset: co2Offset, Len: 2}
	RegionTVOC = Region{Offset: tvocOffset, Len: 2}
	// RegionConfig only exists in the writable buffer.
	RegionConfig = Region{Offset: FrameSize, Len: WritableSize - FrameSize}
)
