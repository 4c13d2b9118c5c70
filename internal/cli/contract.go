package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shm-network/shm/internal/app/milestone"
)

func init() {
	contractCmd.Flags().BoolVar(&contractJSON, "json", false, "Print the contract as JSON")
	rootCmd.AddCommand(contractCmd)
}

var contractJSON bool

var contractCmd = &cobra.Command{
	Use:   "contract <id>",
	Short: "Show a contract, its milestones and its escrow position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		c, err := d.Contracts.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if contractJSON {
			return printJSON(out, c)
		}

		fmt.Fprintf(out, "Contract:   %s\n", c.ID)
		fmt.Fprintf(out, "Title:      %s\n", c.Title)
		fmt.Fprintf(out, "Client:     %s\n", c.ClientID)
		fmt.Fprintf(out, "Freelancer: %s\n", c.FreelancerID)
		fmt.Fprintf(out, "State:      %s\n", c.State)
		fmt.Fprintf(out, "Total:      %d\n", c.TotalAmount)
		fmt.Fprintf(out, "Locked:     %d\n", c.LockedAmount)
		fmt.Fprintf(out, "Paid:       %d\n", milestone.SumPaid(c))
		fmt.Fprintln(out)

		tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "#\tTITLE\tAMOUNT\tSTATE\tPAID\tREFUNDED")
		for _, m := range c.Milestones {
			marker := ""
			if m.Index == c.CurrentMilestone {
				marker = "*"
			}
			fmt.Fprintf(tw, "%d%s\t%s\t%d\t%s\t%d\t%d\n",
				m.Index, marker, m.Title, m.Amount, m.State, m.PaidAmount, m.RefundedAmount)
		}
		return tw.Flush()
	},
}
