// Package peer is the central side of the air quality service: it finds
// advertising aqnotify nodes and reads or watches their readings.
package peer

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aqnotify/telemetry/gatt"
)

type Scanner struct {
	ScanDuration time.Duration
	Retries      int
}

// Scan returns the nodes found, keyed by address.
func (scanner *Scanner) Scan() (map[string]*Device, error) {
	var lastErr error
	var devices map[string]*Device
	for i := 0; i < scanner.Retries; i++ {
		devices, lastErr = scanner.scan()
		if lastErr == nil {
			return devices, nil
		}
		if i+1 < scanner.Retries {
			log.Errorf("retrying error in scan: %s", lastErr)
		}
	}

	return map[string]*Device{}, errors.Wrap(lastErr, "all retries to scan failed")
}

func (scanner *Scanner) scan() (map[string]*Device, error) {
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), scanner.ScanDuration))
	ads, err := ble.Find(ctx, false, airQualityOnlyFilter)
	if err != nil {
		switch errors.Cause(err) {
		case nil:
		case context.DeadlineExceeded:
		case context.Canceled:
			return map[string]*Device{}, errors.Wrap(err, "scan for devices cancelled")
		default:
			return map[string]*Device{}, errors.Wrap(err, "failed to scan for devices")
		}
	}

	return devicesFromAdvertisements(ads, scanner.ScanDuration, scanner.Retries), nil
}

func devicesFromAdvertisements(ads []ble.Advertisement, scanDuration time.Duration, retries int) map[string]*Device {
	devices := map[string]*Device{}
	for _, a := range ads {
		addr := a.Addr().String()
		devices[addr] = &Device{
			Addr:         addr,
			Name:         a.LocalName(),
			ScanDuration: scanDuration,
			Retries:      retries,
		}
	}
	return devices
}

func airQualityOnlyFilter(a ble.Advertisement) bool {
	if !a.Connectable() {
		return false
	}
	for _, u := range a.Services() {
		if u.Equal(gatt.ServiceUUID) {
			return true
		}
	}
	return false
}
