package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var consolidateTenants []string

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation cycle and exit",
	Long: `Run a single consolidation cycle for the given tenants: decay and
archive episodes, promote episode groups into semantic patterns, forget
stale patterns, and promote cross-skill regularities into procedural
knowledge.

Examples:

  # Consolidate the tenants from configuration
  braind consolidate

  # Consolidate specific tenants
  braind consolidate --tenant acme --tenant globex`,
	RunE: runConsolidate,
}

func init() {
	consolidateCmd.Flags().StringArrayVar(&consolidateTenants, "tenant", nil,
		"tenant to consolidate (repeatable, defaults to configured tenants)")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tenants := consolidateTenants
	if len(tenants) == 0 {
		tenants = a.cfg.Consolidation.Tenants
	}
	if len(tenants) == 0 {
		return fmt.Errorf("no tenants given and none configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Consolidation.RunTimeout)
	defer cancel()

	results, err := a.manager.RunAll(ctx, tenants)
	for tenant, stats := range results {
		a.logger.Info("consolidation cycle finished",
			zap.String("tenant", tenant),
			zap.Int("episodes_promoted", stats.EpisodesPromoted),
			zap.Int("patterns_written", stats.PatternsWritten),
			zap.Int("patterns_forgotten", stats.PatternsForgotten),
			zap.Int("knowledge_promoted", stats.KnowledgePromoted))
	}
	return err
}
