package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var processSessionID string

var processCmd = &cobra.Command{
	Use:   "process [prompt]",
	Short: "Process one natural-language request",
	Long: `Runs a single prompt through the full pipeline: retrieval, planning,
execution (synthesizing any missing tools along the way), and response
synthesis. Progress events stream to stderr; the final answer goes to
stdout.

Example:
  forge process "convert this CSV to JSON" --session work-1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processSessionID, "session", "", "Session ID for conversational memory (default: new session)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	sessionID := processSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		logger.Debug("Created session", zap.String("session_id", sessionID))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink := func(event string, data map[string]any) {
		switch event {
		case "searching":
			fmt.Fprintln(os.Stderr, "... searching tools")
		case "tool_found":
			fmt.Fprintf(os.Stderr, "... using tool %v\n", data["tool"])
		case "synthesis_step":
			fmt.Fprintf(os.Stderr, "... synthesis %v: %v\n", data["step"], data["status"])
		case "workflow_step":
			fmt.Fprintf(os.Stderr, "... step %v: %v\n", data["step"], data["status"])
		}
	}

	response, err := app.Orchestrator.Process(ctx, sessionID, prompt, sink)
	if err != nil {
		return err
	}
	fmt.Println(response)
	return nil
}
