package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cardledger/cardledger/internal/app/categorize"
	"github.com/cardledger/cardledger/internal/daemon"
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesApplyCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)

	rulesApplyCmd.Flags().Bool("overwrite", false, "Also recategorize rows that already have a non-manual category")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage categorization rules",
	Long: `Rules map a description pattern to a category. A pattern without '*' is a
case-insensitive substring; '*' matches anything. Lower priority wins.`,
}

// ─── rules import ───────────────────────────────────────────────────────────

var rulesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Add or update rules from a YAML file",
	Long: `Import rules from YAML:

  rules:
    - pattern: "wolt"
      category: Food
      priority: 10
    - pattern: "paz*gas"
      category: Transport

Rules are matched by pattern; an existing pattern is updated.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()
	rules, err := categorize.ParseRules(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	for _, r := range rules {
		if _, err := d.DB.SaveRule(cmd.Context(), r); err != nil {
			return fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
	}
	d.Resolver.Invalidate()
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Imported %d rule(s).\n", len(rules))
	return nil
}

// ─── rules list ─────────────────────────────────────────────────────────────

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

func runRulesList(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	rules, err := d.DB.ListRules(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rules) == 0 {
		fmt.Fprintln(out, "No rules defined.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tPATTERN\tCATEGORY\tACTIVE")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%v\n", r.ID, r.Priority, r.Pattern, r.TargetCategory, r.IsActive)
	}
	return tw.Flush()
}

// ─── rules apply ────────────────────────────────────────────────────────────

var rulesApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Re-run rules over stored transactions",
	Long:  `Re-run active rules over stored transactions. Manually categorized rows are never changed.`,
	Args:  cobra.NoArgs,
	RunE:  runRulesApply,
}

func runRulesApply(cmd *cobra.Command, args []string) error {
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	rep, err := d.Resolver.ApplyRules(cmd.Context(), d.DB, overwrite)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d transaction(s), updated %d.\n", rep.Scanned, rep.Updated)
	return nil
}

// ─── rules delete ───────────────────────────────────────────────────────────

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil {
			return fmt.Errorf("rule id must be a number: %w", err)
		}
		d, err := openDaemon(daemon.Options{})
		if err != nil {
			return err
		}
		defer d.Close()
		found, err := d.DB.DeleteRule(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("rule %d not found", id)
		}
		d.Resolver.Invalidate()
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Rule %d deleted.\n", id)
		return nil
	},
}
