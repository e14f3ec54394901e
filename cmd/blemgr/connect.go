package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/ringchan"
	"github.com/srg/blemgr/internal/transfer"
	"github.com/srg/blemgr/session"
)

const defaultRecordBuffer = 256

type connectOptions struct {
	decoder decoderFlags
	write   string
	hex     bool
	count   int
	buffer  int
}

// recordLine is the JSON line printed for each record
type recordLine struct {
	TsUs           int64          `json:"ts_us"`
	Seq            uint64         `json:"seq"`
	Characteristic string         `json:"characteristic"`
	Raw            string         `json:"raw"`
	Values         map[string]any `json:"values,omitempty"`
}

func newRecordLine(rec device.Record) recordLine {
	return recordLine{
		TsUs:           rec.TsUs,
		Seq:            rec.Seq,
		Characteristic: rec.Characteristic,
		Raw:            hex.EncodeToString(rec.Raw),
		Values:         rec.Values,
	}
}

func newConnectCmd() *cobra.Command {
	o := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <device-address>",
		Short: "Connect and print incoming data as JSON lines",
		Long: `Connect to a peripheral, subscribe to its notify characteristics and print
every decoded payload as one JSON line until Ctrl+C or the device disconnects.

Examples:
  blemgr connect AA:BB:CC:DD:EE:FF
  blemgr connect AA:BB:CC:DD:EE:FF --layout sensor.yaml
  blemgr connect AA:BB:CC:DD:EE:FF --script decode.lua --write 01 --hex`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], o)
		},
	}
	o.decoder.register(cmd)
	cmd.Flags().StringVar(&o.write, "write", "", "Payload written once connected")
	cmd.Flags().BoolVar(&o.hex, "hex", false, "Parse --write as hex")
	cmd.Flags().IntVarP(&o.count, "count", "n", 0, "Exit after N records (0 = unlimited)")
	cmd.Flags().IntVar(&o.buffer, "buffer", defaultRecordBuffer, "Records buffered for output; the oldest are dropped when full")
	return cmd
}

func runConnect(cmd *cobra.Command, address string, o *connectOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := o.decoder.apply(cfg); err != nil {
		return err
	}
	var payload []byte
	if o.write != "" {
		if payload, err = parsePayload(o.write, o.hex); err != nil {
			return err
		}
	}
	if o.buffer <= 0 {
		return fmt.Errorf("--buffer must be positive")
	}

	cmd.SilenceUsage = true

	dec, release, err := buildDecoder(cfg.Decoder, logger)
	if err != nil {
		return err
	}
	defer release()

	records := ringchan.New[device.Record](o.buffer)
	defer records.Close()

	sess, err := openSession(cfg, logger, session.WithDecoder(dec))
	if err != nil {
		return err
	}
	defer session.ShutdownShared()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	errOut := cmd.ErrOrStderr()
	lost := make(chan error, 1)
	sess.OnData(func(rec device.Record) {
		if records.Push(rec) {
			logger.WithField("seq", rec.Seq).Debug("Output buffer full, dropped oldest record")
		}
	})
	sess.OnError(func(ev session.ErrorEvent) {
		if ev.Kind == device.KindConnectionLost && ev.RequestID == "" {
			select {
			case lost <- ev.Err:
			default:
			}
			return
		}
		fmt.Fprintf(errOut, "WARN: %s\n", ev.Message)
	})

	if err := sess.ConnectWait(ctx, address); err != nil {
		return err
	}
	fmt.Fprintf(errOut, "Connected to %s (max payload %d bytes)\n", address, sess.MaxPayload())

	if payload != nil {
		req, err := sess.Write(payload)
		if err != nil {
			return err
		}
		if err := awaitRequest(ctx, req); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return err
		case rec := <-records.C():
			if err := enc.Encode(newRecordLine(rec)); err != nil {
				return err
			}
			printed++
			if o.count > 0 && printed >= o.count {
				return nil
			}
		}
	}
}

// awaitRequest waits for a transfer request to complete
func awaitRequest(ctx context.Context, req *transfer.Request) error {
	select {
	case <-req.Done():
		return req.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parsePayload decodes s as hex (spaces and colons allowed) or takes it verbatim
func parsePayload(s string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(s), nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return data, nil
}
