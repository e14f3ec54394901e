package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/session"
)

type writeOptions struct {
	char         string
	hex          bool
	withResponse bool
}

func newWriteCmd() *cobra.Command {
	o := &writeOptions{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <data>",
		Short: "Write one payload to the peripheral",
		Long: `Connect, write a single payload, wait for it to complete and disconnect.
The payload must fit the link's maximum payload; it is never split.

Examples:
  blemgr write AA:BB:CC:DD:EE:FF "hello"
  blemgr write AA:BB:CC:DD:EE:FF 01ff --hex --char 2a06`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args[0], args[1], o)
		},
	}
	cmd.Flags().StringVar(&o.char, "char", "", "Target characteristic (default: configured write characteristic)")
	cmd.Flags().BoolVar(&o.hex, "hex", false, "Parse data as hex")
	cmd.Flags().BoolVar(&o.withResponse, "with-response", false, "Wait for the peripheral to acknowledge the write")
	return cmd
}

func runWrite(cmd *cobra.Command, address, data string, o *writeOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	payload, err := parsePayload(data, o.hex)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if o.char != "" {
		if _, err := device.ValidateUUID(o.char); err != nil {
			return fmt.Errorf("invalid characteristic: %w", err)
		}
	}
	if cmd.Flags().Changed("with-response") {
		cfg.WithResponse = o.withResponse
	}

	cmd.SilenceUsage = true

	sess, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer session.ShutdownShared()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := sess.ConnectWait(ctx, address); err != nil {
		return err
	}
	req, err := sess.WriteCharacteristic(o.char, payload)
	if err != nil {
		return err
	}
	if err := awaitRequest(ctx, req); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(payload), req.Characteristic)
	return sess.Disconnect()
}
