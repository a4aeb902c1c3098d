package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show openclaw project status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfgPath := config.ConfigPath(projectRoot)

	fmt.Println("openclaw status")
	fmt.Println()

	mark := "✗"
	if _, err := os.Stat(cfgPath); err == nil {
		mark = "✓"
	}
	fmt.Printf("Config:   %s %s\n", cfgPath, mark)

	cfg, err := config.Load(projectRoot)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	st, err := store.New(cfg.ProjectRoot)
	if err != nil {
		return err
	}
	agents, err := st.ListAgents()
	if err != nil {
		return err
	}
	fmt.Printf("Root:     %s\n", cfg.ProjectRoot)
	fmt.Printf("Agents:   %d\n", len(agents))
	fmt.Printf("LLM CLI:  %s\n", cfg.LLMCLI.Binary)

	triageMark := "✗ (falls back to LLM CLI one-shot)"
	if cfg.Triage.APIKey != "" {
		triageMark = "✓"
	}
	fmt.Printf("Triage:   %s\n", triageMark)

	controlMark := "✗ (no token, surface disabled)"
	if cfg.Control.Token != "" {
		controlMark = fmt.Sprintf("✓ %s:%d", cfg.Control.Host, cfg.Control.Port)
	}
	fmt.Printf("Control:  %s\n", controlMark)

	gatewayMark := "✗ (not configured)"
	if cfg.Gateway.URL != "" {
		gatewayMark = "✓ " + cfg.Gateway.URL
	}
	fmt.Printf("Gateway:  %s\n", gatewayMark)

	servicesDir := filepath.Join(cfg.ProjectRoot, "services")
	manifests, _ := filepath.Glob(filepath.Join(servicesDir, "*.yaml"))
	fmt.Printf("Services: %d manifest(s) in %s\n", len(manifests), servicesDir)
	return nil
}
