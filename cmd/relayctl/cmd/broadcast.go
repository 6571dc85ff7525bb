package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/relay/pkg/protocol"
)

func newBroadcastCmd() *cobra.Command {
	var capability string

	cmd := &cobra.Command{
		Use:   "broadcast <content>",
		Short: "Send one message to every registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content any = args[0]
			var decoded any
			if json.Unmarshal([]byte(args[0]), &decoded) == nil {
				content = decoded
			}

			var resp protocol.BroadcastResponse
			if err := apiPost("/api/v1/broadcast", protocol.BroadcastRequest{
				Content:    content,
				Capability: capability,
			}, &resp); err != nil {
				return err
			}

			fmt.Printf("Message %s delivered to %d agents\n", resp.MessageID, resp.Delivered)
			ids := make([]string, 0, len(resp.Failed))
			for id := range resp.Failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("  failed %s: %s\n", id, resp.Failed[id])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&capability, "capability", "", "only agents declaring this capability")
	return cmd
}
