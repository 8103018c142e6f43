package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and maintain the tool registry",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
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

		tools, err := app.Registry.List()
		if err != nil {
			return err
		}
		if len(tools) == 0 {
			fmt.Println("No tools registered yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tUSES\tSUCCESS\tKIND\tDESCRIPTION")
		for _, t := range tools {
			kind := "tool"
			if t.IsComposite() {
				kind = "composite"
			}
			if t.Experimental {
				kind += " (experimental)"
			}
			desc := t.Description
			if len(desc) > 60 {
				desc = desc[:60] + "..."
			}
			fmt.Fprintf(w, "%s\tv%d\t%d\t%.0f%%\t%s\t%s\n",
				t.Name, t.Version, t.UsageCount, t.SuccessRate*100, kind, desc)
		}
		return w.Flush()
	},
}

var toolsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove registry rows whose code files are missing",
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

		removed, err := app.Registry.CleanupOrphans()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d orphaned tool(s).\n", removed)
		return nil
	},
}

var toolsGraphCmd = &cobra.Command{
	Use:   "graph <tool>",
	Short: "Show a tool's mined successors and live transition weights",
	Args:  cobra.ExactArgs(1),
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

		name := args[0]
		rels, err := app.Tracker.Relationships(name, 0)
		if err != nil {
			return err
		}
		edges, err := app.Graph.Neighbors(name, 0)
		if err != nil {
			return err
		}
		if len(rels) == 0 && len(edges) == 0 {
			fmt.Printf("No observed transitions from %s.\n", name)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if len(rels) > 0 {
			fmt.Fprintln(w, "MINED SUCCESSOR\tFREQ\tSUCCESS\tCONFIDENCE")
			for _, r := range rels {
				fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%.2f\n", r.ToTool, r.Frequency, r.SuccessRate*100, r.Confidence)
			}
		}
		if len(edges) > 0 {
			fmt.Fprintln(w, "LIVE SUCCESSOR\tFREQ\tSUCCESS\tWEIGHT")
			for _, e := range edges {
				fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%.2f\n", e.ToTool, e.Frequency, e.SuccessEMA*100, e.Weight)
			}
		}
		return w.Flush()
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote qualifying workflow patterns to composite tools",
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

		promoted, err := app.Composites.RunBatch(context.Background(), 10)
		if err != nil {
			return err
		}
		if len(promoted) == 0 {
			fmt.Println("No patterns qualify for promotion.")
			return nil
		}
		for _, t := range promoted {
			fmt.Printf("Promoted: %s (%v)\n", t.Name, t.ComponentTools)
		}
		return nil
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsCleanupCmd)
	toolsCmd.AddCommand(toolsGraphCmd)
}
