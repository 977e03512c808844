package main

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream lifecycle and drift events",
	Long: `Stream lifecycle and drift events from the server until interrupted.

Examples:
  # Only container events
  shipyard events --type container.

  # Drift reported by the reconciler, as JSON lines
  shipyard events --type drift. -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("type")
		format, _ := cmd.Flags().GetString("output")
		out := cmd.OutOrStdout()

		return newClient(cmd).StreamEvents(cmd.Context(), prefix, func(e *events.Event) error {
			if format == "json" {
				return json.NewEncoder(out).Encode(e)
			}
			_, err := fmt.Fprintf(out, "%s  %-22s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Type, e.Message)
			return err
		})
	},
}

func init() {
	eventsCmd.Flags().String("type", "", "Only show events whose type starts with this prefix")
	rootCmd.AddCommand(eventsCmd)
}
