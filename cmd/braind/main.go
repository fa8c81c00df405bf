// Braind is the adaptive memory daemon for marketing intelligence agents.
//
// It serves guidance, tracks predictions against observed outcomes, and
// consolidates episodic experience into semantic patterns and procedural
// knowledge over NATS JetStream persistence.
//
// Usage:
//
//	# Start the daemon with defaults
//	braind serve
//
//	# Start against a config file
//	braind serve --config ~/.config/braind/config.yaml
//
//	# Run one consolidation cycle and exit
//	braind consolidate --tenant acme --tenant globex
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "braind",
	Short: "Adaptive memory daemon for marketing intelligence agents",
	Long: `braind layers working, episodic, semantic, and procedural memory over
NATS JetStream, learns from prediction outcomes, and serves explore/exploit
guidance over HTTP.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("braind by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
