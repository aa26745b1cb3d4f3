package gatt

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
)

// OpenDevice opens the local HCI controller and makes it the default device.
// The returned func stops it.
func OpenDevice() (func() error, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ble")
	}
	ble.SetDefaultDevice(d)
	return ble.Stop, nil
}
