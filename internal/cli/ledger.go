package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardledger/cardledger/internal/app/billing"
	"github.com/cardledger/cardledger/internal/daemon"
	"github.com/cardledger/cardledger/internal/domain"
)

func init() {
	rootCmd.AddCommand(cyclesCmd)
	rootCmd.AddCommand(eventsCmd)

	cyclesCmd.Flags().Int("start-day", 0, "Cycle start day (default [billing].cycle_start_day)")
	cyclesCmd.Flags().String("vendor", "", "Only this vendor")
	eventsCmd.Flags().Int("limit", 20, "Number of entries")
}

// ─── cycles ─────────────────────────────────────────────────────────────────

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "Show totals per billing cycle",
	Args:  cobra.NoArgs,
	RunE:  runCycles,
}

func runCycles(cmd *cobra.Command, args []string) error {
	startDay, _ := cmd.Flags().GetInt("start-day")
	vendor, _ := cmd.Flags().GetString("vendor")

	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()
	if startDay == 0 {
		startDay = d.Config.Billing.CycleStartDay
	}
	if startDay < 1 || startDay > 28 {
		return fmt.Errorf("--start-day %d must be within 1..28", startDay)
	}

	txns, err := d.DB.ListTransactions(cmd.Context(), domain.TxnFilter{Vendor: vendor})
	if err != nil {
		return err
	}
	cycles := billing.Summarize(txns, startDay)
	out := cmd.OutOrStdout()
	if len(cycles) == 0 {
		fmt.Fprintln(out, "No transactions yet. Run 'cardledger sync'.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "CYCLE\tCOUNT\tTOTAL\t")
	for _, c := range cycles {
		fmt.Fprintf(tw, "%s\t%d\t%s\t\n", c.Label, c.Count, c.Total.StringFixed(2))
	}
	return tw.Flush()
}

// ─── events ─────────────────────────────────────────────────────────────────

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent scrape audit entries",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	events, err := d.DB.ListEvents(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No scrape events recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tSCOPE\tVENDOR\tSTATUS\tATTEMPTS\tSAVED\tMESSAGE")
	for _, ev := range events {
		vendor := ev.Vendor
		if vendor == "" {
			vendor = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			ev.CreatedAt.Local().Format(time.DateTime), ev.Scope, vendor, ev.Status,
			ev.AttemptCount, ev.Summary.Saved, ev.Message)
	}
	return tw.Flush()
}
