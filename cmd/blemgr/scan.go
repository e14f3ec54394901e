package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/bledb"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/scanner"
	"github.com/srg/blemgr/session"
	"golang.org/x/term"
)

const (
	formatTable = "table"
	formatJSON  = "json"

	scanPollInterval = 100 * time.Millisecond
	watchRedraw      = time.Second
)

type scanOptions struct {
	duration     time.Duration
	format       string
	services     []string
	allow        []string
	block        []string
	noDuplicates bool
	watch        bool
}

func newScanCmd() *cobra.Command {
	o := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE peripherals",
		Long: `Scan for nearby Bluetooth Low Energy peripherals and list them in the
order they were first seen, with their latest name, RSSI and services.

Examples:
  blemgr scan --duration 5s
  blemgr scan --services 180d --format json
  blemgr scan --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, o)
		},
	}
	cmd.Flags().DurationVarP(&o.duration, "duration", "d", 10*time.Second, "Scan duration (0 until Ctrl+C)")
	cmd.Flags().StringVarP(&o.format, "format", "f", formatTable, "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&o.services, "services", "s", nil, "Only admit peripherals advertising one of these service UUIDs")
	cmd.Flags().StringSliceVar(&o.allow, "allow", nil, "Only admit these addresses")
	cmd.Flags().StringSliceVar(&o.block, "block", nil, "Never admit these addresses")
	cmd.Flags().BoolVar(&o.noDuplicates, "no-duplicates", false, "Ask the radio to filter duplicate advertisements")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "Redraw the table while scanning")
	return cmd
}

func runScan(cmd *cobra.Command, o *scanOptions) error {
	if o.format != formatTable && o.format != formatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", o.format, formatTable, formatJSON)
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if len(o.services) > 0 {
		if cfg.Filter.ServiceUUIDs, err = device.ValidateUUID(o.services...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}
	if len(o.allow) > 0 {
		cfg.Filter.AllowList = o.allow
	}
	if len(o.block) > 0 {
		cfg.Filter.BlockList = o.block
	}
	if cmd.Flags().Changed("no-duplicates") {
		cfg.AllowDuplicates = !o.noDuplicates
	}
	cfg.ScanDuration = o.duration
	if o.watch && !cmd.Flags().Changed("duration") {
		cfg.ScanDuration = 0
	}

	cmd.SilenceUsage = true

	sess, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer session.ShutdownShared()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	failures := make(chan error, 1)
	sess.OnError(func(ev session.ErrorEvent) {
		select {
		case failures <- ev.Err:
		default:
		}
	})

	if err := sess.Scan(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()
	lastDraw := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-failures:
			return err
		case <-ticker.C:
			if !sess.IsScanning() {
				break loop
			}
			if o.watch && time.Since(lastDraw) >= watchRedraw {
				fmt.Fprint(out, "\033[2J\033[H")
				if err := renderPeripherals(out, sess.Peripherals(), o.format, time.Now()); err != nil {
					return err
				}
				lastDraw = time.Now()
			}
		}
	}

	if err := sess.StopScan(); err != nil {
		return err
	}
	return renderPeripherals(out, sess.Peripherals(), o.format, time.Now())
}

func renderPeripherals(w io.Writer, peripherals []scanner.Peripheral, format string, now time.Time) error {
	if format == formatJSON {
		if peripherals == nil {
			peripherals = []scanner.Peripheral{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(peripherals)
	}
	return renderTable(w, peripherals, now)
}

type palette struct {
	header, strong, fair, weak *color.Color
}

// newPalette colors output only when w is a terminal
func newPalette(w io.Writer) palette {
	p := palette{
		header: color.New(color.Bold),
		strong: color.New(color.FgGreen),
		fair:   color.New(color.FgYellow),
		weak:   color.New(color.FgRed),
	}
	f, ok := w.(*os.File)
	tty := ok && term.IsTerminal(int(f.Fd()))
	for _, c := range []*color.Color{p.header, p.strong, p.fair, p.weak} {
		if tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) rssi(v int) string {
	s := fmt.Sprintf("%d dBm", v)
	switch {
	case v >= -60:
		return p.strong.Sprint(s)
	case v >= -80:
		return p.fair.Sprint(s)
	default:
		return p.weak.Sprint(s)
	}
}

func renderTable(w io.Writer, peripherals []scanner.Peripheral, now time.Time) error {
	if len(peripherals) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}
	p := newPalette(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, p.header.Sprint("NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN"))
	for _, per := range peripherals {
		name := per.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(serviceLabels(per.Services), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		seen := now.Sub(per.LastSeen).Truncate(time.Second)
		if seen < 0 {
			seen = 0
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\n", name, per.ID, p.rssi(per.RSSI), services, seen)
	}
	return tw.Flush()
}

// serviceLabels prefers well-known service names over UUIDs
func serviceLabels(uuids []string) []string {
	labels := make([]string, len(uuids))
	for i, u := range uuids {
		if name := bledb.LookupService(u); name != "" {
			labels[i] = name
		} else {
			labels[i] = u
		}
	}
	return labels
}
