package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/bridge"
	"github.com/srg/blemgr/internal/ptyio"
	"github.com/srg/blemgr/session"
)

type bridgeOptions struct {
	decoder decoderFlags
	symlink string
	buffer  int
}

func newBridgeCmd() *cobra.Command {
	o := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Bridge the peripheral's data channel to a PTY",
		Long: `Connect to a peripheral and expose its data channel as a pseudo-terminal.
Notifications are written to the PTY; input read from the PTY is split at the
link's maximum payload and written to the peripheral.

Examples:
  blemgr bridge AA:BB:CC:DD:EE:FF
  blemgr bridge AA:BB:CC:DD:EE:FF --symlink /tmp/ble-uart
  screen /tmp/ble-uart`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, args[0], o)
		},
	}
	o.decoder.register(cmd)
	cmd.Flags().StringVar(&o.symlink, "symlink", "", "Create a symlink to the PTY slave at this path")
	cmd.Flags().IntVar(&o.buffer, "buffer", ptyio.DefaultBufferSize, "PTY buffer size in bytes per direction")
	return cmd
}

func runBridge(cmd *cobra.Command, address string, o *bridgeOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := o.decoder.apply(cfg); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	dec, release, err := buildDecoder(cfg.Decoder, logger)
	if err != nil {
		return err
	}
	defer release()

	sess, err := openSession(cfg, logger, session.WithDecoder(dec))
	if err != nil {
		return err
	}
	defer session.ShutdownShared()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	errOut := cmd.ErrOrStderr()
	return bridge.Run(ctx, sess, bridge.Options{
		Address:     address,
		SymlinkPath: o.symlink,
		ReadCap:     o.buffer,
		WriteCap:    o.buffer,
		Logger:      logger,
		Progress:    func(phase string) { fmt.Fprintf(errOut, "%s...\n", phase) },
		OpenPTY:     openPTY,
	}, func(b *bridge.Bridge) {
		fmt.Fprintf(cmd.OutOrStdout(), "PTY: %s\n", b.TTYName())
		if b.Symlink() != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Symlink: %s\n", b.Symlink())
		}
		fmt.Fprintln(errOut, "Press Ctrl+C to stop")
	})
}

// openPTY is replaced in tests
var openPTY = ptyio.Open
