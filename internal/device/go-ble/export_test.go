package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// scanCentral answers Scan with a function and refuses to dial
type scanCentral struct {
	scan func(ctx context.Context) error
}

func (s scanCentral) Scan(ctx context.Context, _ bool, _ ble.AdvHandler) error { return s.scan(ctx) }

func (s scanCentral) Dial(context.Context, ble.Addr) (client, error) {
	return nil, errors.New("dial not supported")
}

func (s scanCentral) Stop() error { return nil }

// NewScanRadio returns a Radio whose central scans with scan
func NewScanRadio(scan func(ctx context.Context) error, logger *logrus.Logger) *Radio {
	return newRadio(scanCentral{scan: scan}, logger)
}
