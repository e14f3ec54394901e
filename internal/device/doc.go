// Package device defines the capability set the session manager needs from the
// host Bluetooth stack, together with the shared error taxonomy.
//
// The package is backend independent:
//   - Radio covers discovery, dialing and radio state
//   - Link covers characteristic writes, reads and notifications on one connection
//   - Error, ConnectionFailedError and PayloadTooLargeError classify every failure
//
// A concrete implementation on top of go-ble lives in the go-ble subpackage.
package device
