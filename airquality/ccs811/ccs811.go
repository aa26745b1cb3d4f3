// Package ccs811 drives an AMS CCS811 eCO2/eTVOC sensor over I²C.
package ccs811

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"

	"github.com/alepar/aqnotify/airquality"
)

// DefaultAddress is the bus address with ADDR pulled low.
const DefaultAddress = 0x5A

const (
	regStatus        = 0x00
	regMeasMode      = 0x01
	regAlgResultData = 0x02
	regHWID          = 0x20
	regHWVersion     = 0x21
	regFWBootVersion = 0x23
	regFWAppVersion  = 0x24
	regErrorID       = 0xE0
	regAppStart      = 0xF4

	hwID = 0x81

	// drive mode 1: one measurement per second
	measMode1s = 0x10

	// application firmware newer than this reliably reports DATA_READY
	staleGateAppVersion = 0x11

	appStartDelay = 2 * time.Millisecond
)

// FirmwareInfo is the version block read at bring-up.
type FirmwareInfo struct {
	HWVersion   uint8
	BootVersion uint16
	AppVersion  uint16
	MeasMode    uint8
}

func (fw FirmwareInfo) String() string {
	return fmt.Sprintf("HW %02x; FW Boot %04x App %04x ; mode %02x",
		fw.HWVersion, fw.BootVersion, fw.AppVersion, fw.MeasMode)
}

// Dev is a CCS811 on a periph connection. All methods are safe for concurrent
// use.
type Dev struct {
	c conn.Conn

	mu         sync.Mutex
	ready      bool
	firmware   FirmwareInfo
	staleGated bool
	result     result
}

type result struct {
	co2, tvoc uint16
	status    airquality.StatusFlags
	errorID   uint8
	raw       uint16
}

// NewI2C opens the sensor at addr on bus and brings it into measurement mode.
// A device that fails bring-up is still returned; it reports Ready() == false.
func NewI2C(bus i2c.Bus, addr uint16) *Dev {
	return New(&i2c.Dev{Bus: bus, Addr: addr})
}

// New brings up the sensor behind c.
func New(c conn.Conn) *Dev {
	d := &Dev{c: c}
	if err := d.init(); err != nil {
		log.Errorf("ccs811 bring-up failed on %s: %s", c, err)
		return d
	}
	d.ready = true
	log.Infof("ccs811 ready on %s: %s", c, d.firmware)
	return d
}

func (d *Dev) init() error {
	id, err := d.readByte(regHWID)
	if err != nil {
		return errors.Wrap(err, "couldn't read hardware id")
	}
	if id != hwID {
		return errors.Errorf("unexpected hardware id 0x%02x", id)
	}

	status, err := d.readByte(regStatus)
	if err != nil {
		return errors.Wrap(err, "couldn't read status")
	}
	if !airquality.StatusFlags(status).Has(airquality.StatusAppValid) {
		return errors.New("no valid application firmware")
	}

	if !airquality.StatusFlags(status).Has(airquality.StatusFirmwareMode) {
		if err := d.c.Tx([]byte{regAppStart}, nil); err != nil {
			return errors.Wrap(err, "couldn't start application")
		}
		time.Sleep(appStartDelay)
		status, err = d.readByte(regStatus)
		if err != nil {
			return errors.Wrap(err, "couldn't read status")
		}
		if !airquality.StatusFlags(status).Has(airquality.StatusFirmwareMode) {
			return errors.New("device stayed in boot mode")
		}
	}

	if err := d.c.Tx([]byte{regMeasMode, measMode1s}, nil); err != nil {
		return errors.Wrap(err, "couldn't set measurement mode")
	}

	fw, err := d.readFirmware()
	if err != nil {
		// Version block is informational only.
		log.Warnf("ccs811 couldn't read firmware versions: %s", err)
		return nil
	}
	d.firmware = fw
	d.staleGated = fw.AppVersion>>8 > staleGateAppVersion
	return nil
}

func (d *Dev) readFirmware() (FirmwareInfo, error) {
	var fw FirmwareInfo
	var err error
	if fw.HWVersion, err = d.readByte(regHWVersion); err != nil {
		return fw, err
	}
	if fw.BootVersion, err = d.readWord(regFWBootVersion); err != nil {
		return fw, err
	}
	if fw.AppVersion, err = d.readWord(regFWAppVersion); err != nil {
		return fw, err
	}
	if fw.MeasMode, err = d.readByte(regMeasMode); err != nil {
		return fw, err
	}
	return fw, nil
}

func (d *Dev) String() string {
	return "CCS811{" + d.c.String() + "}"
}

func (d *Dev) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Firmware returns the version block read at bring-up.
func (d *Dev) Firmware() FirmwareInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// StaleGated reports whether the firmware maintains DATA_READY, in which case
// Fetch returns airquality.ErrNoData for results already read.
func (d *Dev) StaleGated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.staleGated
}

// Fetch reads ALG_RESULT_DATA. It returns airquality.ErrNoData when the
// firmware reports no new result. A set error bit does not fail the fetch;
// the code is reported through Result.
func (d *Dev) Fetch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, 8)
	if err := d.c.Tx([]byte{regAlgResultData}, buf); err != nil {
		return errors.Wrap(err, "couldn't read result data")
	}

	status := airquality.StatusFlags(buf[4])
	code := buf[5]
	if status.Has(airquality.StatusError) && code == 0 {
		// Some parts only latch the code in ERROR_ID.
		if id, err := d.readByteLocked(regErrorID); err == nil {
			code = id
		}
	}
	if d.staleGated && !status.Has(airquality.StatusDataReady) && !status.Has(airquality.StatusError) {
		return airquality.ErrNoData
	}

	d.result = result{
		co2:     binary.BigEndian.Uint16(buf[0:2]),
		tvoc:    binary.BigEndian.Uint16(buf[2:4]),
		status:  status,
		errorID: code,
		raw:     binary.BigEndian.Uint16(buf[6:8]),
	}
	return nil
}

func (d *Dev) Channel(ch airquality.ChannelID) float64 {
	d.mu.Lock()
	r := d.result
	d.mu.Unlock()

	switch ch {
	case airquality.ChannelCO2:
		return float64(r.co2)
	case airquality.ChannelTVOC:
		return float64(r.tvoc)
	case airquality.ChannelVoltage:
		// 10 bit ADC, 1023 == 1.65V
		return float64(r.raw&0x03FF) * 1.65 / 1023
	case airquality.ChannelCurrent:
		// 6 bit current in µA
		return float64(r.raw>>10) / 1e6
	}
	return 0
}

func (d *Dev) Result() (airquality.StatusFlags, uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result.status, d.result.errorID
}

func (d *Dev) readByte(reg byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readByteLocked(reg)
}

func (d *Dev) readByteLocked(reg byte) (byte, error) {
	b := make([]byte, 1)
	if err := d.c.Tx([]byte{reg}, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dev) readWord(reg byte) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := make([]byte, 2)
	if err := d.c.Tx([]byte{reg}, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

var _ airquality.Driver = (*Dev)(nil)
