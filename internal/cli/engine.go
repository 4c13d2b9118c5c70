package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run one matching pass over open disputes",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		assigned, err := d.Matcher.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if len(assigned) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No disputes assigned.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "DISPUTE\tARBITRATOR\tFALLBACK")
		for _, a := range assigned {
			fmt.Fprintf(tw, "%s\t%s\t%v\n", a.DisputeID, a.ArbitratorID, a.Fallback)
		}
		return tw.Flush()
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay the ledger and check transfers and escrow balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		r, err := d.Ledger.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if r.OK() {
			fmt.Fprintln(out, "Ledger consistent.")
			return nil
		}

		for _, id := range r.UnbalancedTransfers {
			fmt.Fprintf(out, "unbalanced transfer %s\n", id)
		}
		if len(r.EscrowDrifts) > 0 {
			tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "CONTRACT\tLOCKED\tESCROW\tUNSETTLED")
			for _, e := range r.EscrowDrifts {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", e.ContractID, e.LockedAmount, e.EscrowBalance, e.UnsettledTotal)
			}
			tw.Flush()
		}
		return fmt.Errorf("ledger inconsistent: %d unbalanced transfers, %d escrow drifts",
			len(r.UnbalancedTransfers), len(r.EscrowDrifts))
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Complete ended gigs and take uncovered arbitrators offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		res, err := d.Pool.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d gigs completed, %d arbitrators offline.\n",
			res.CompletedGigs, res.WentOffline)
		return nil
	},
}
