package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/device/go-ble"
)

// RadioFactory creates the default device.Radio backend.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func(logger *logrus.Logger) (device.Radio, error) {
	r, err := goble.NewRadio(logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NewRadio returns a radio from RadioFactory.
func NewRadio(logger *logrus.Logger) (device.Radio, error) {
	return RadioFactory(logger)
}
