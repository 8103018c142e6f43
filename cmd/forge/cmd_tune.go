package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Run one policy tuning pass over recent history",
	Long: `Computes success-rate and latency metrics over the last week of
executions and, where a different setting scores better, starts an A/B
experiment with the candidate value. Candidates only go live after their
arm wins on real traffic; old policy versions stay retrievable and can
be rolled back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		metrics, err := app.Tuner.TuneAll()
		if err != nil {
			return err
		}
		fmt.Printf("Window:        %s\n", metrics.Window)
		fmt.Printf("Executions:    %d\n", metrics.Executions)
		fmt.Printf("Success rate:  %.1f%%\n", metrics.SuccessRate*100)
		fmt.Printf("Avg latency:   %.0f ms\n", metrics.AvgLatencyMS)
		fmt.Printf("Patterns:      %d mined, %d promoted\n", metrics.PatternsMined, metrics.PatternsReused)

		experiments, err := app.Policies.ActiveExperiments()
		if err != nil {
			return err
		}
		if len(experiments) == 0 {
			return nil
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXPERIMENT\tPOLICY\tSAMPLES A\tSAMPLES B\tMEAN A\tMEAN B")
		for _, exp := range experiments {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\t%.2f\n",
				exp.Name, exp.PolicyName, exp.ACount, exp.BCount, exp.Mean("a"), exp.Mean("b"))
		}
		return w.Flush()
	},
}
