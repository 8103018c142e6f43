package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"toolforge/internal/config"
)

var (
	// Global flags
	verbose    bool
	apiKey     string
	workspace  string
	configPath string

	// Logger for CLI-level diagnostics; subsystems use the categorized
	// file logger.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "toolforge - self-improving tool synthesis agent",
	Long: `toolforge grows its own toolbox: missing capabilities are synthesized
as sandboxed Go tools under test-driven verification, successful workflows
are mined into patterns and promoted to composite tools, and failures feed
a reflection loop that repairs tools in place.

Run 'forge process "<prompt>"' to handle a single request, or
'forge serve' to run the background learning loops.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig resolves configuration in flag > env > file > default order.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
		cfg.Embedding.APIKey = apiKey
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "forge.yaml", "Config file path")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(tuneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
