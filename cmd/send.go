package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeebsjenkins/openclaw/internal/broker"
	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

var (
	sendFrom    string
	sendPath    string
	sendTo      string
	sendPayload string
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Route a message through the broker",
	Long:  "Routes one message into the running project's durable logs. Use --to\nfor direct agent delivery or --path for subscription matching.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "cli/operator", "Sender identity")
	sendCmd.Flags().StringVar(&sendPath, "path", "", "Routing path (subscription matching)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Target agent id (direct delivery)")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "", "JSON payload object")
}

func runSend(_ *cobra.Command, args []string) error {
	if (sendPath == "") == (sendTo == "") {
		return fmt.Errorf("exactly one of --path or --to is required")
	}

	st, err := store.New(projectRoot)
	if err != nil {
		return err
	}
	bk, err := broker.New(st)
	if err != nil {
		return err
	}

	var payload map[string]any
	if sendPayload != "" {
		if err := json.Unmarshal([]byte(sendPayload), &payload); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
	}

	opts := schema.RouteOptions{
		Command: args[0],
		Payload: payload,
		Source:  schema.SourceCLI,
	}

	var result schema.RouteResult
	if sendTo != "" {
		result, err = bk.Send(sendFrom, sendTo, opts)
	} else {
		result, err = bk.Route(sendFrom, sendPath, opts)
	}
	if err != nil {
		return err
	}

	if result.Unmatched {
		fmt.Println("No subscriber matched; message recorded in the unmatched sink.")
		return nil
	}
	fmt.Printf("Delivered to: %s\n", strings.Join(result.DeliveredTo, ", "))
	for _, ref := range result.DeliveredToSessions {
		fmt.Printf("  session %s/%s\n", ref.AgentID, ref.SessionID)
	}
	return nil
}
