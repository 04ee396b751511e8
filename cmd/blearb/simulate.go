package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blearb/arbiter"
	"github.com/srg/blearb/internal/controller/sim"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
)

// simulateCmd replays a scenario against the simulated controller
var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scenario against a simulated controller",
	Long: `Replay a YAML scenario of scan and advertising requests against an in-memory
controller and print every controller command issued and every client callback
delivered, step by step.

Example scenario:

  clients:
    - name: com.example.tracker
    - name: com.example.beacon
      side: server
  steps:
    - start_scan: {client: com.example.tracker, mode: balanced}
    - start_advertising:
        client: com.example.beacon
        data: {service_uuids: ["180d"]}
    - inject_result: {client: com.example.tracker, address: "aa:bb:cc:dd:ee:ff", rssi: -60}
    - app_died: {client: com.example.tracker}`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var (
	simulateMQTT   string
	simulateSettle time.Duration
)

func init() {
	simulateCmd.Flags().StringVar(&simulateMQTT, "mqtt", "", "Also publish client callbacks to this MQTT broker (tcp://host:1883)")
	simulateCmd.Flags().DurationVar(&simulateSettle, "settle", 50*time.Millisecond, "Time to wait for late callbacks after the last step")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}

	sc, err := loadScenario(args[0], cfg.Controller)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctrl := sim.New(sc.Controller, cfg.Sim, logger)
	defer ctrl.Close()

	arb, err := arbiter.New(ctrl, cfg, arbiter.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create arbiter: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := arb.Start(ctx); err != nil {
		return fmt.Errorf("failed to start arbiter: %w", err)
	}
	defer func() {
		if err := arb.Close(); err != nil {
			logger.WithError(err).Warn("Arbiter did not shut down cleanly")
		}
	}()

	events := notify.NewChannelSink(1024)
	sink := notify.Fanout{events, notify.NewLogSink(logger, logrus.DebugLevel)}
	if simulateMQTT != "" {
		mcfg := cfg.MQTT
		mcfg.Broker = simulateMQTT
		mq := notify.NewMQTTSink(mcfg, logger)
		if err := mq.Connect(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer mq.Close()
		sink = append(sink, mq)
	}

	r := &replay{
		out:     cmd.OutOrStdout(),
		arb:     arb,
		ctrl:    ctrl,
		events:  events,
		handles: make(map[string]int, len(sc.Clients)),
		names:   make(map[int]string, len(sc.Clients)),
		clients: sc.Clients,
		logger:  logger,
	}
	r.colorize = isTerminal(r.out)

	for _, c := range sc.Clients {
		side, _ := parseSide(c.Side)
		app := arb.RegisterApp(c.Name, side, sink, c.Privileged)
		r.handles[c.Name] = app.Handle
		r.names[app.Handle] = c.Name
		fmt.Fprintf(r.out, "registered %s as %d (%s)\n", c.Name, app.Handle, side)
	}

	for i, st := range sc.Steps {
		if err := r.step(ctx, i+1, st); err != nil {
			return err
		}
	}

	time.Sleep(simulateSettle)
	if err := arb.Sync(ctx); err != nil {
		return err
	}
	r.printTranscript()
	r.printEvents()
	r.printSummary()
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type replay struct {
	out      io.Writer
	arb      *arbiter.Arbiter
	ctrl     *sim.Controller
	events   *notify.ChannelSink
	handles  map[string]int
	names    map[int]string
	clients  []scenarioClient
	seen     int
	colorize bool
	logger   *logrus.Logger
}

func (r *replay) handle(name string) int {
	if name == "" {
		return -1
	}
	return r.handles[name]
}

func (r *replay) step(ctx context.Context, n int, st scenarioStep) error {
	label, err := r.apply(ctx, st)
	r.heading(fmt.Sprintf("step %d: %s", n, label))
	if err != nil {
		// Rejections are part of the scenario outcome, not a replay failure
		fmt.Fprintf(r.out, "  rejected: %s\n", FormatUserError(err))
		r.logger.WithError(err).Debug("Step rejected")
	}

	if err := r.arb.Sync(ctx); err != nil {
		return err
	}
	r.printTranscript()
	r.printEvents()
	return nil
}

func (r *replay) apply(ctx context.Context, st scenarioStep) (string, error) {
	switch {
	case st.StartScan != nil:
		req, err := st.StartScan.request()
		if err != nil {
			return "start_scan", fmt.Errorf("%w: %v", ErrScenario, err)
		}
		return "start_scan " + st.StartScan.Client, r.arb.StartScan(r.handle(st.StartScan.Client), req)
	case st.StopScan != nil:
		return "stop_scan " + st.StopScan.Client, r.arb.StopScan(r.handle(st.StopScan.Client))
	case st.Flush != nil:
		return "flush " + st.Flush.Client, r.arb.FlushBatchResults(r.handle(st.Flush.Client))
	case st.StartAdvertising != nil:
		req, err := st.StartAdvertising.request()
		if err != nil {
			return "start_advertising", fmt.Errorf("%w: %v", ErrScenario, err)
		}
		return "start_advertising " + st.StartAdvertising.Client, r.arb.StartAdvertising(r.handle(st.StartAdvertising.Client), req)
	case st.StopAdvertising != nil:
		return "stop_advertising " + st.StopAdvertising.Client, r.arb.StopAdvertising(r.handle(st.StopAdvertising.Client))
	case st.AppDied != nil:
		return "app_died " + st.AppDied.Client, r.arb.AppDied(ctx, r.handle(st.AppDied.Client))
	case st.InjectResult != nil:
		data, err := parseHex(st.InjectResult.Data)
		if err != nil {
			return "inject_result", fmt.Errorf("%w: %v", ErrScenario, err)
		}
		r.ctrl.InjectResult(r.handle(st.InjectResult.Client), st.InjectResult.Address, st.InjectResult.RSSI, data)
		return "inject_result " + st.InjectResult.Address, nil
	case st.InjectTrack != nil:
		t := st.InjectTrack
		r.ctrl.InjectTrack(r.handle(t.Client), t.FilterIndex, t.Address, t.Found)
		return fmt.Sprintf("inject_track %s found=%t", t.Address, t.Found), nil
	case st.StoreBatch != nil:
		rt, err := parseResultType(st.StoreBatch.ResultType)
		if err != nil {
			return "store_batch", fmt.Errorf("%w: %v", ErrScenario, err)
		}
		report, err := parseHex(st.StoreBatch.Report)
		if err != nil {
			return "store_batch", fmt.Errorf("%w: %v", ErrScenario, err)
		}
		return "store_batch", r.ctrl.StoreBatchReport(rt, report)
	default:
		time.Sleep(st.Wait)
		return "wait " + st.Wait.String(), nil
	}
}

func (r *replay) heading(s string) {
	if r.colorize {
		color.New(color.FgCyan, color.Bold).Fprintln(r.out, s)
		return
	}
	fmt.Fprintln(r.out, s)
}

func (r *replay) printTranscript() {
	lines := r.ctrl.Transcript()
	for _, line := range lines[r.seen:] {
		if r.colorize {
			color.New(color.FgYellow).Fprintf(r.out, "  > %s\n", line)
		} else {
			fmt.Fprintf(r.out, "  > %s\n", line)
		}
	}
	r.seen = len(lines)
}

func (r *replay) printEvents() {
	for _, ev := range r.events.Drain() {
		line := r.describe(ev)
		if r.colorize {
			color.New(color.FgGreen).Fprintf(r.out, "  < %s\n", line)
		} else {
			fmt.Fprintf(r.out, "  < %s\n", line)
		}
	}
}

func (r *replay) describe(ev notify.Event) string {
	who := r.names[ev.ClientIf]
	if who == "" {
		who = fmt.Sprintf("client %d", ev.ClientIf)
	}

	switch ev.Kind {
	case notify.KindScanResult:
		return fmt.Sprintf("%s %s address=%s rssi=%d data=%s", who, ev.Kind, ev.Address, ev.RSSI, hex.EncodeToString(ev.Data))
	case notify.KindBatchResults:
		reports := make([]string, len(ev.Reports))
		for i, rep := range ev.Reports {
			reports[i] = hex.EncodeToString(rep)
		}
		return fmt.Sprintf("%s %s type=%d reports=[%s]", who, ev.Kind, ev.ResultType, strings.Join(reports, " "))
	case notify.KindFoundLost:
		return fmt.Sprintf("%s %s address=%s found=%t", who, ev.Kind, ev.Address, ev.Found)
	case notify.KindScanError:
		return fmt.Sprintf("%s %s code=%d", who, ev.Kind, ev.Status)
	case notify.KindAdvertiseStatus:
		return fmt.Sprintf("%s %s status=%d start=%t", who, ev.Kind, ev.Status, ev.Start)
	}
	return fmt.Sprintf("%s %s", who, ev.Kind)
}

func (r *replay) printSummary() {
	r.heading("summary")

	mode := "none"
	if m, ok := r.arb.CurrentAggregateScanMode(); ok {
		mode = m.String()
	}
	m := r.arb.DispatchMetrics()

	fmt.Fprintf(r.out, "  aggregate scan mode: %s\n", mode)
	fmt.Fprintf(r.out, "  tracking budget:     %d\n", r.arb.AvailableTrackingBudget())
	fmt.Fprintf(r.out, "  advertisers:         %d of %d\n", len(r.arb.Advertise().Active()), r.arb.Advertise().Capacity())
	fmt.Fprintf(r.out, "  registered clients:  %d\n", r.arb.Registry().Len(registry.ClientSide)+r.arb.Registry().Len(registry.ServerSide))
	fmt.Fprintf(r.out, "  controller events:   %d delivered, %d dropped, %d unrouted\n", m.Delivered, m.Dropped, m.Unrouted)

	if len(r.clients) == 0 {
		return
	}
	fmt.Fprintln(r.out)
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  APP\tSTARTED\tSTOPPED\tRESULTS\tSCAN TIME")
	for _, c := range r.clients {
		snap := r.arb.Registry().StatsFor(c.Name).Snapshot()
		fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%s\n", snap.AppName, snap.ScansStarted, snap.ScansStopped, snap.Results,
			snap.TotalScanTime.Round(time.Millisecond))
	}
	_ = w.Flush()
}
