package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of ledger entries to show")
	depositCmd.Flags().StringVar(&depositKey, "key", "", "Idempotency key for the deposit")
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(depositCmd)
}

var (
	historyLimit int
	depositKey   string
)

var walletCmd = &cobra.Command{
	Use:   "wallet <account>",
	Short: "Show an account's available, pending, locked and earned tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		w, err := d.Ledger.Wallet(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "ACCOUNT\tAVAILABLE\tPENDING\tLOCKED\tRELEASED\tEARNED")
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
			w.Account, w.Available, w.Pending, w.Locked, w.Released, w.Earned)
		return tw.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <account>",
	Short: "List an account's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		entries, err := d.Ledger.History(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No ledger entries.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tAMOUNT\tSTATUS\tREF\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%+d\t%s\t%s\t%s\n",
				e.ID, e.Type, e.Amount, e.Status, e.Ref, e.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit <account> <amount>",
	Short: "Credit tokens to an account from the treasury",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("amount %q: %w", args[1], err)
		}

		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		tr, err := d.Ledger.Deposit(cmd.Context(), args[0], amount, "cli", depositKey)
		if err != nil {
			return err
		}
		if tr.Replayed {
			fmt.Fprintf(os.Stderr, "Deposit %s was already recorded.\n", tr.ID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deposited %d to %s (transfer %s)\n", amount, args[0], tr.ID)
		return nil
	},
}
