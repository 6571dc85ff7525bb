package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

func newCoordinateCmd() *cobra.Command {
	var (
		sources     []string
		targets     []string
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "coordinate <adapter|bridge|mediator|registry>",
		Short: "Run a coordination across sources and targets",
		Long: `Asks one hosted role to coordinate every source with every target.

The payload is parsed as JSON when it is valid JSON and sent as a plain
string otherwise.

Examples:
  relayctl coordinate adapter --source json --target yaml --target toml --payload '{"a":1}'
  relayctl coordinate bridge --source crm --target archive --payload-file order.json
  relayctl coordinate mediator --source analyzer --target generator --payload '{"type":"report"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := payload
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = string(data)
			}

			var body any = raw
			var decoded any
			if json.Unmarshal([]byte(raw), &decoded) == nil {
				body = decoded
			}

			var res coordination.Result
			if err := apiPost("/api/v1/coordinate", protocol.CoordinateRequest{
				Role:    args[0],
				Sources: sources,
				Targets: targets,
				Payload: body,
			}, &res); err != nil {
				return err
			}

			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			if !res.Success {
				return fmt.Errorf("coordination failed: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "source id (repeatable)")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target id (repeatable)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "payload (JSON or plain text)")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	return cmd
}
