package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/relay/pkg/protocol"
)

func newConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "Show role health and open bridge connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.ConnectionsResponse
			if err := apiGet("/api/v1/connections", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tKIND\tCONNECTED\tSERVICES\tLAST CHECKED")
			for _, r := range resp.Roles {
				fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%s\n",
					r.ID, r.Kind, r.Connected, r.Services, r.LastChecked.Format("15:04:05"))
			}
			w.Flush()

			if len(resp.Connections) == 0 {
				fmt.Println("\nNo bridge connections open.")
				return nil
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CONNECTION\tSOURCE\tTARGET\tSTATUS\tERROR\tUPDATED")
			for _, c := range resp.Connections {
				fmt.Fprintf(w, "%s\t%s (%s)\t%s (%s)\t%s\t%s\t%s\n",
					c.ID, c.SourceID, c.SourceType, c.TargetID, c.TargetType,
					c.Status, c.Error, c.UpdatedAt.Format("15:04:05"))
			}
			w.Flush()
			return nil
		},
	}
}
