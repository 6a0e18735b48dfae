package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardledger/cardledger/internal/app/orchestrator"
	"github.com/cardledger/cardledger/internal/daemon"
	"github.com/cardledger/cardledger/internal/domain"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringSlice("credential", nil, "Credential id to sync (repeatable; default all)")
	syncCmd.Flags().String("since", "", "Start date YYYY-MM-DD (default: per account, one week before its last sync)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Scrape accounts now",
	Long: `Run one scrape batch in the foreground and print its progress.
When an institution sends a verification code you are prompted for it;
an empty answer cancels the challenge.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ids, _ := cmd.Flags().GetStringSlice("credential")
	since, _ := cmd.Flags().GetString("since")

	req := orchestrator.BatchRequest{CredentialIDs: ids, TriggeredBy: "cli"}
	if since != "" {
		d, err := time.Parse(domain.DateLayout, since)
		if err != nil {
			return fmt.Errorf("--since must be YYYY-MM-DD: %w", err)
		}
		req.StartDate = d
	}

	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()
	if !d.Sealed {
		return fmt.Errorf("no vault key in $%s; cannot read credentials", d.Config.Vault.KeyEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ok, err := syncBatch(ctx, d.Orch, req, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sync failed")
	}
	return nil
}

// syncBatch starts a batch, prints its events and answers OTP prompts from
// in. It reports whether the batch succeeded.
func syncBatch(ctx context.Context, orch *orchestrator.Orchestrator, req orchestrator.BatchRequest, in io.Reader, out io.Writer) (bool, error) {
	events, batchID, err := orch.Start(ctx, req)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(out, "Batch %s\n", batchID)

	answers := bufio.NewReader(in)
	var last domain.ProgressEvent
	for ev := range events {
		last = ev
		printEvent(out, ev)
		if ev.Step != "otp_required" {
			continue
		}
		id, _ := ev.Details["request_id"].(string)
		fmt.Fprintf(out, "  Enter code for %s (empty to cancel): ", ev.Vendor)
		line, readErr := answers.ReadString('\n')
		code := strings.TrimSpace(line)
		if code == "" || (readErr != nil && readErr != io.EOF) {
			orch.RejectOTP(id, "cancelled at prompt")
			continue
		}
		if !orch.SubmitOTP(id, code) {
			fmt.Fprintln(out, "  Code arrived too late; the challenge already expired.")
		}
	}

	ok := last.Step == "complete" && last.Success != nil && *last.Success
	if sum, found := last.Details["summary"].(domain.ScrapeSummary); found {
		fmt.Fprintf(out, "\nSaved %d, duplicate %d, updated %d, skipped %d\n",
			sum.Saved, sum.Duplicate, sum.Updated, sum.Skipped)
	}
	return ok, nil
}

func printEvent(out io.Writer, ev domain.ProgressEvent) {
	mark := " "
	if ev.Success != nil {
		mark = "✓"
		if !*ev.Success {
			mark = "✗"
		}
	}
	vendor := ""
	if ev.Vendor != "" {
		vendor = "[" + ev.Vendor + "] "
	}
	fmt.Fprintf(out, "%3d%% %s %s%s\n", ev.Percent, mark, vendor, ev.Message)
}
