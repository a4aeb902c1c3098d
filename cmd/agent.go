package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

var (
	agentName        string
	agentDescription string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all agents",
	RunE: func(_ *cobra.Command, _ []string) error {
		st, err := store.New(projectRoot)
		if err != nil {
			return err
		}
		ids, err := st.ListAgents()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No agents yet. Create one with: openclaw agent create <id>")
			return nil
		}
		for _, id := range ids {
			line := id
			if cfg, err := st.GetAgent(id); err == nil && cfg.Description != "" {
				line += "  — " + cfg.Description
			}
			fmt.Println(line)
		}
		return nil
	},
}

var agentCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		st, err := store.New(projectRoot)
		if err != nil {
			return err
		}
		cfg := &schema.AgentConfig{Name: agentName, Description: agentDescription}
		if err := st.CreateAgent(args[0], cfg); err != nil {
			return err
		}
		fmt.Printf("Agent %q created.\n", args[0])
		return nil
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an agent's config",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		st, err := store.New(projectRoot)
		if err != nil {
			return err
		}
		cfg, err := st.GetAgent(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an agent and everything under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		st, err := store.New(projectRoot)
		if err != nil {
			return err
		}
		if err := st.DeleteAgent(args[0]); err != nil {
			return err
		}
		fmt.Printf("Agent %q deleted.\n", args[0])
		return nil
	},
}

var agentSessionsCmd = &cobra.Command{
	Use:   "sessions <id>",
	Short: "List an agent's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		st, err := store.New(projectRoot)
		if err != nil {
			return err
		}
		sessions, err := st.ListSessions(args[0])
		if err != nil {
			return err
		}
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%-24s %s\n", s.ID, title)
		}
		return nil
	},
}

func init() {
	agentCreateCmd.Flags().StringVarP(&agentName, "name", "n", "", "Display name")
	agentCreateCmd.Flags().StringVarP(&agentDescription, "description", "d", "", "One-line description")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentDeleteCmd)
	agentCmd.AddCommand(agentSessionsCmd)
}
