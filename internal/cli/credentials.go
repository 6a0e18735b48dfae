package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardledger/cardledger/internal/daemon"
	"github.com/cardledger/cardledger/internal/domain"
	"github.com/cardledger/cardledger/internal/infra/vault"
)

// ─── Credentials CLI ────────────────────────────────────────────────────────
// Logins are sealed before they reach the database and are never printed.

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsAddCmd)
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsRemoveCmd)
	credentialsCmd.AddCommand(credentialsVendorsCmd)
	credentialsCmd.AddCommand(credentialsKeygenCmd)

	credentialsAddCmd.Flags().StringP("nickname", "n", "", "Display name")
	credentialsAddCmd.Flags().StringToStringP("field", "f", nil, "Login field as key=value (prompted when missing)")
}

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage institution logins",
}

// ─── credentials add ────────────────────────────────────────────────────────

var credentialsAddCmd = &cobra.Command{
	Use:   "add VENDOR",
	Short: "Store a login for a bank or card issuer",
	Long: `Store a login. Required fields depend on the vendor (see
'cardledger credentials vendors'); any not given with --field are prompted.`,
	Args: cobra.ExactArgs(1),
	RunE: runCredentialsAdd,
}

func runCredentialsAdd(cmd *cobra.Command, args []string) error {
	v, ok := domain.LookupVendor(args[0])
	if !ok {
		return fmt.Errorf("%w %q; see 'cardledger credentials vendors'", domain.ErrUnknownVendor, args[0])
	}
	nickname, _ := cmd.Flags().GetString("nickname")
	given, _ := cmd.Flags().GetStringToString("field")

	fields, err := promptFields(v, given, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}

	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	c, err := d.DB.AddCredential(cmd.Context(), domain.Credential{Vendor: v.ID, Nickname: nickname, Fields: fields})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Stored %s login %s\n", v.Name, c.ID)
	return nil
}

// promptFields fills the vendor's required fields missing from given.
func promptFields(v domain.Vendor, given map[string]string, in io.Reader, out io.Writer) (map[string]string, error) {
	fields := make(map[string]string, len(v.RequiredFields))
	for k, val := range given {
		fields[k] = val
	}
	r := bufio.NewReader(in)
	for _, name := range v.MissingFields(fields) {
		fmt.Fprintf(out, "%s: ", name)
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, fmt.Errorf("%s is required for %s", name, v.ID)
		}
		fields[name] = line
	}
	return fields, nil
}

// ─── credentials list ───────────────────────────────────────────────────────

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored logins",
	Args:  cobra.NoArgs,
	RunE:  runCredentialsList,
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	creds, err := d.DB.ListCredentialSummaries(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(creds) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		fmt.Fprintln(out, "Use 'cardledger credentials add VENDOR' to add one.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVENDOR\tNICKNAME\tLAST SYNC")
	for _, c := range creds {
		last := "never"
		if c.LastSyncedAt != nil {
			last = c.LastSyncedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Vendor, c.Nickname, last)
	}
	return tw.Flush()
}

// ─── credentials remove ─────────────────────────────────────────────────────

var credentialsRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Delete a stored login and release its cards",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsRemove,
}

func runCredentialsRemove(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.DB.DeleteCredential(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Credential %s removed.\n", args[0])
	return nil
}

// ─── credentials vendors ────────────────────────────────────────────────────

var credentialsVendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "List supported institutions and their login fields",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VENDOR\tNAME\tKIND\tFIELDS")
		for _, v := range domain.Vendors() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Kind, strings.Join(v.RequiredFields, ","))
		}
		return tw.Flush()
	},
}

// ─── credentials keygen ─────────────────────────────────────────────────────

var credentialsKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new random vault key",
	Long: `Print a new base64 vault key. Export it as $CARDLEDGER_VAULT_KEY before
adding credentials; a lost key makes stored credentials unreadable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}
