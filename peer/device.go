package peer

import (
	"context"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aqnotify/telemetry"
	"github.com/alepar/aqnotify/telemetry/gatt"
)

// Reading is one decoded frame as seen by a peer.
type Reading struct {
	// units: ppm
	CO2 uint16 `json:"co2_ppm"`

	// units: ppb
	TVOC uint16 `json:"tvoc_ppb"`
}

func readingFromFrame(f telemetry.Frame) Reading {
	return Reading{CO2: f.CO2(), TVOC: f.TVOC()}
}

type Device struct {
	Addr         string
	Name         string
	ScanDuration time.Duration
	Retries      int

	// time.Sleep when nil
	sleep func(time.Duration)
}

func (device *Device) Address() string {
	return device.Addr
}

// Receive reads the CO2 and TVOC characteristics once.
func (device *Device) Receive() (Reading, error) {
	return device.retry(func() (Reading, error) {
		var reading Reading
		err := device.withClient(context.Background(), func(cln ble.Client) error {
			var err error
			reading, err = readCharacteristics(cln)
			return err
		})
		return reading, err
	})
}

func (device *Device) retry(attempt func() (Reading, error)) (Reading, error) {
	var lastErr error
	var reading Reading
	for i := 0; i < device.Retries; i++ {
		reading, lastErr = attempt()
		if lastErr == nil {
			return reading, nil
		}
		if i+1 < device.Retries {
			log.Errorf("retrying error in receive: %s", lastErr)
			device.pause(device.ScanDuration) // self-pacing interval in an attempt to fix freezes
		}
	}

	return Reading{}, errors.Wrap(lastErr, "all retries to receive failed")
}

func (device *Device) pause(d time.Duration) {
	if device.sleep != nil {
		device.sleep(d)
		return
	}
	time.Sleep(d)
}

// Watch subscribes to CO2 notifications and calls fn for each one until ctx
// is done or the node disconnects.
func (device *Device) Watch(ctx context.Context, fn func(Reading)) error {
	return device.withClient(ctx, func(cln ble.Client) error {
		return watchNotifications(ctx, cln, fn)
	})
}

func (device *Device) withClient(ctx context.Context, fn func(ble.Client) error) error {
	filter := func(a ble.Advertisement) bool {
		return strings.ToUpper(a.Addr().String()) == strings.ToUpper(device.Addr)
	}

	log.Debugf("connecting to device %s", device.Addr)
	connectCtx := ble.WithSigHandler(context.WithTimeout(ctx, device.ScanDuration))
	cln, err := ble.Connect(connectCtx, filter)
	if err != nil {
		return errors.Wrap(err, "couldn't connect to ble")
	}

	// The peripheral may also drop the connection on its own.
	done := make(chan struct{})
	go func() {
		<-cln.Disconnected()
		log.Debugf("device disconnected")
		close(done)
	}()
	defer func() {
		log.Debugf("closing connection")
		_ = cln.CancelConnection()
		<-done
	}()

	return fn(cln)
}

func discover(cln ble.Client) (co2, tvoc *ble.Characteristic, err error) {
	log.Debugf("discovering services")
	services, err := cln.DiscoverServices([]ble.UUID{gatt.ServiceUUID})
	if err != nil {
		return nil, nil, errors.Wrap(err, "couldn't discover services")
	}
	if len(services) == 0 {
		return nil, nil, errors.New("did not find air quality service")
	}

	log.Debugf("discovering characteristics")
	characteristics, err := cln.DiscoverCharacteristics([]ble.UUID{gatt.CO2UUID, gatt.TVOCUUID}, services[0])
	if err != nil {
		return nil, nil, errors.Wrap(err, "couldn't discover characteristics")
	}
	for _, c := range characteristics {
		switch {
		case c.UUID.Equal(gatt.CO2UUID):
			co2 = c
		case c.UUID.Equal(gatt.TVOCUUID):
			tvoc = c
		}
	}
	if co2 == nil || tvoc == nil {
		return nil, nil, errors.New("did not find expected characteristics")
	}
	return co2, tvoc, nil
}

func readCharacteristics(cln ble.Client) (Reading, error) {
	co2, tvoc, err := discover(cln)
	if err != nil {
		return Reading{}, err
	}

	log.Debugf("reading characteristics")
	co2Bytes, err := cln.ReadCharacteristic(co2)
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to read co2 characteristic")
	}
	tvocBytes, err := cln.ReadCharacteristic(tvoc)
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to read tvoc characteristic")
	}
	if len(co2Bytes) != telemetry.RegionCO2.Len || len(tvocBytes) != telemetry.RegionTVOC.Len {
		return Reading{}, errors.Errorf("unexpected characteristic lengths %d/%d", len(co2Bytes), len(tvocBytes))
	}

	frame, err := telemetry.DecodeFrame(append(co2Bytes, tvocBytes...))
	if err != nil {
		return Reading{}, err
	}
	return readingFromFrame(frame), nil
}

func watchNotifications(ctx context.Context, cln ble.Client, fn func(Reading)) error {
	co2, _, err := discover(cln)
	if err != nil {
		return err
	}
	// Subscribe needs the CCCD handle.
	if _, err := cln.DiscoverDescriptors(nil, co2); err != nil {
		return errors.Wrap(err, "couldn't discover descriptors")
	}

	err = cln.Subscribe(co2, false, func(data []byte) {
		frame, err := telemetry.DecodeFrame(data)
		if err != nil {
			log.Warnf("dropping notification: %s", err)
			return
		}
		fn(readingFromFrame(frame))
	})
	if err != nil {
		return errors.Wrap(err, "couldn't subscribe to co2 notifications")
	}
	defer func() { _ = cln.Unsubscribe(co2, false) }()

	select {
	case <-ctx.Done():
	case <-cln.Disconnected():
		return errors.New("device disconnected")
	}
	return nil
}
