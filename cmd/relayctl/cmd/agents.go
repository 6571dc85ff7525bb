package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/relay/pkg/protocol"
)

func newAgentsCmd() *cobra.Command {
	var (
		agentType    string
		status       string
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if agentType != "" {
				q.Set("type", agentType)
			}
			if status != "" {
				q.Set("status", status)
			}
			for _, c := range capabilities {
				q.Add("capability", c)
			}
			path := "/api/v1/agents"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp protocol.AgentsResponse
			if err := apiGet(path, &resp); err != nil {
				return err
			}

			if len(resp.Agents) == 0 {
				fmt.Println("No agents registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tVERSION\tSTATUS\tCAPABILITIES\tHANDLED\tERRORS\tLAST HEARTBEAT")
			for _, a := range resp.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					a.ID, a.Name, a.Type, a.Version, a.Status,
					strings.Join(a.Capabilities, ","),
					a.Handled, a.Errors,
					a.LastHeartbeat.Format("15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&agentType, "type", "", "only agents of this type")
	cmd.Flags().StringVar(&status, "status", "", "only agents with this status (active, inactive, busy)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "required capability (repeatable)")
	return cmd
}
