package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/tracking"
)

// capsCmd prints the configured controller capabilities
var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Show the controller capabilities and derived limits",
	Long: `Show the controller capabilities the arbiter is configured with, together with
the limits derived from them: advertising capacity and the tracking entries each
match-count setting reserves.`,
	Args: cobra.NoArgs,
	RunE: runCaps,
}

func runCaps(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	c := cfg.Controller
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAPABILITY\tVALUE")
	fmt.Fprintf(w, "multi advertising\t%t\n", c.MultiAdvertising)
	fmt.Fprintf(w, "offloaded filtering\t%t\n", c.OffloadedFiltering)
	fmt.Fprintf(w, "peripheral mode\t%t\n", c.PeripheralMode)
	fmt.Fprintf(w, "max advertise instances\t%d\n", c.MaxAdvertiseInstances)
	fmt.Fprintf(w, "max offloaded filters\t%d\n", c.MaxOffloadedFilters)
	fmt.Fprintf(w, "max trackable advertisements\t%d\n", c.MaxTrackableAdvertisements)
	fmt.Fprintf(w, "advertising capacity\t%d\n", advertise.CapacityOf(c))
	for _, m := range []tracking.MatchCount{tracking.MatchOne, tracking.MatchFew, tracking.MatchMax} {
		fmt.Fprintf(w, "tracking entries per filter (%s)\t%d\n", m, tracking.EntriesFor(m, c.MaxTrackableAdvertisements))
	}
	return w.Flush()
}
