package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"deskstream/internal/control"
	"deskstream/internal/logging"
	"deskstream/internal/probe"
)

type probeOptions struct {
	addr     string
	duration time.Duration
	interval time.Duration
	clicks   []string
	doubles  []string
	moves    []string
	selects  []string
	scrolls  []string
}

func newProbeCmd() *cobra.Command {
	var o probeOptions

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a running server, verify the stream and send control packets",
		Example: `  # Watch the stream for ten seconds
  deskstream probe --addr 127.0.0.1:7878 --duration 10s

  # Click, then drag-select from (10,10) to (200,120)
  deskstream probe --click 40,40 --select 10,10:200,120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(os.Stderr, "info", verbose)
			packets, err := o.packets()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, err := probe.Run(ctx, probe.Options{
				Addr:           o.addr,
				Duration:       o.duration,
				Packets:        packets,
				PacketInterval: o.interval,
			})
			if rep != nil {
				printReport(cmd, rep)
			}
			if err != nil {
				return err
			}
			if rep.Violations > 0 {
				return errors.Errorf("%d keyframes arrived without parameter sets", rep.Violations)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&o.addr, "addr", "127.0.0.1:7878", "Server address")
	flags.DurationVar(&o.duration, "duration", 0, "Stop after this long (0 = until interrupted or closed)")
	flags.DurationVar(&o.interval, "interval", 50*time.Millisecond, "Delay between control packets")
	flags.StringArrayVar(&o.clicks, "click", nil, "Click at X,Y (repeatable)")
	flags.StringArrayVar(&o.doubles, "double-click", nil, "Double click at X,Y (repeatable)")
	flags.StringArrayVar(&o.moves, "move", nil, "Move the pointer to X,Y (repeatable)")
	flags.StringArrayVar(&o.selects, "select", nil, "Press at X1,Y1, drag to X2,Y2 and release: X1,Y1:X2,Y2 (repeatable)")
	flags.StringArrayVar(&o.scrolls, "scroll", nil, "Scroll by DX,DY (repeatable)")

	return cmd
}

func parsePair(s string) (float64, float64, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, errors.Errorf("expected X,Y, got %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parse %q", s)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parse %q", s)
	}
	return x, y, nil
}

// packets builds the control sequence: clicks, double clicks, moves,
// selections, then scrolls.
func (o *probeOptions) packets() ([]control.Packet, error) {
	var out []control.Packet
	simple := []struct {
		args []string
		kind control.Kind
	}{
		{o.clicks, control.KindClick},
		{o.doubles, control.KindDoubleClick},
		{o.moves, control.KindDrag},
	}
	for _, s := range simple {
		for _, a := range s.args {
			x, y, err := parsePair(a)
			if err != nil {
				return nil, err
			}
			out = append(out, control.Packet{Kind: s.kind, DX: x, DY: y})
		}
	}
	for _, a := range o.selects {
		from, to, ok := strings.Cut(a, ":")
		if !ok {
			return nil, errors.Errorf("expected X1,Y1:X2,Y2, got %q", a)
		}
		x1, y1, err := parsePair(from)
		if err != nil {
			return nil, err
		}
		x2, y2, err := parsePair(to)
		if err != nil {
			return nil, err
		}
		out = append(out,
			control.Packet{Kind: control.KindSelectAndDragStart, DX: x1, DY: y1},
			control.Packet{Kind: control.KindSelectAndDragUpdate, DX: x2, DY: y2},
			control.Packet{Kind: control.KindSelectAndDragEnd, DX: x2, DY: y2},
		)
	}
	for _, a := range o.scrolls {
		dx, dy, err := parsePair(a)
		if err != nil {
			return nil, err
		}
		out = append(out, control.Packet{Kind: control.KindScroll, DX: dx, DY: dy})
	}
	return out, nil
}

func printReport(cmd *cobra.Command, rep *probe.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "records:      %d (%d parameter-set)\n", rep.Records, rep.ParamSetRecords)
	fmt.Fprintf(w, "bytes:        %d (%.0f kbps over %v)\n", rep.Bytes, rep.Bitrate()/1000, rep.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "IDR slices:   %d (%d without SPS/PPS)\n", rep.IDRs, rep.Violations)
	fmt.Fprintf(w, "packets sent: %d\n", rep.PacketsSent)

	kinds := make([]int, 0, len(rep.NALs))
	for t := range rep.NALs {
		kinds = append(kinds, int(t))
	}
	sort.Ints(kinds)
	for _, t := range kinds {
		fmt.Fprintf(w, "  NAL type %2d: %d\n", t, rep.NALs[h264reader.NalUnitType(t)])
	}
}
