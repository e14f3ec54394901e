package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blemgr",
		Short: "Single-peripheral BLE session manager",
		Long: `Bluetooth Low Energy session manager that provides:

- Scan for nearby peripherals with service, allow and block filters
- Connect to one peripheral and stream decoded notifications as JSON lines
- Write payloads to the peripheral's data characteristic
- Bridge the data channel to a PTY for serial-like access

Payloads are decoded raw, through a YAML field layout or with a Lua script.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd(), newConnectCmd(), newWriteCmd(), newBridgeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
