package main

import (
	"errors"
	"fmt"

	"github.com/srg/blemgr/internal/device"
)

// FormatUserError turns session errors into one-line messages with a hint
func FormatUserError(err error) string {
	var cf *device.ConnectionFailedError
	var ptl *device.PayloadTooLargeError
	switch {
	case errors.As(err, &cf):
		switch cf.Reason {
		case device.ReasonTimeout:
			return fmt.Sprintf("%s (is the device powered on and in range?)", err)
		case device.ReasonRejected:
			return fmt.Sprintf("%s (the device refused the connection; is it paired elsewhere?)", err)
		}
	case errors.As(err, &ptl):
		return fmt.Sprintf("payload of %d bytes exceeds the link maximum of %d bytes", ptl.Size, ptl.Max)
	case errors.Is(err, device.ErrRadioUnavailable):
		return fmt.Sprintf("%s (is Bluetooth enabled and permitted for this terminal?)", err)
	case errors.Is(err, device.ErrConnectionLost):
		return fmt.Sprintf("%s (the device disconnected)", err)
	}
	return err.Error()
}
