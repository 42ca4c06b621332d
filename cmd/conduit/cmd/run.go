package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect pipeline runs",
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run with its stage outcomes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunGet,
}

var runListCmd = &cobra.Command{
	Use:   "list <revision>",
	Short: "List runs for a revision across environments",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunList,
}

func init() {
	runCmd.PersistentFlags().BoolVar(&runJSON, "json", false, "print raw JSON")
	runCmd.AddCommand(runGetCmd)
	runCmd.AddCommand(runListCmd)
	rootCmd.AddCommand(runCmd)
}

type stageView struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	OutputRef  string     `json:"output_ref,omitempty"`
	Applied    []string   `json:"applied,omitempty"`
	NotApplied []string   `json:"not_applied,omitempty"`
	Cause      string     `json:"cause,omitempty"`
}

type runView struct {
	RunID       string      `json:"run_id"`
	Revision    string      `json:"revision"`
	Branch      string      `json:"branch,omitempty"`
	Environment string      `json:"environment"`
	Status      string      `json:"status"`
	Stages      []stageView `json:"stages"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	Cause       string      `json:"cause,omitempty"`
}

func runRunGet(cmd *cobra.Command, args []string) error {
	var run runView
	if err := getJSON(cmd.Context(), "/v1/runs/"+args[0], &run); err != nil {
		return err
	}
	if runJSON {
		return printJSON(run)
	}

	fmt.Printf("Run:         %s\n", run.RunID)
	fmt.Printf("Revision:    %s\n", run.Revision)
	fmt.Printf("Environment: %s\n", run.Environment)
	fmt.Printf("Status:      %s\n", run.Status)
	if run.Cause != "" {
		fmt.Printf("Cause:       %s\n", run.Cause)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tOUTPUT\tCAUSE")
	for _, stage := range run.Stages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", stage.Name, stage.Status, stage.OutputRef, stage.Cause)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, stage := range run.Stages {
		if len(stage.Applied) > 0 || len(stage.NotApplied) > 0 {
			fmt.Printf("\nApplied resources: %v\n", stage.Applied)
			if len(stage.NotApplied) > 0 {
				fmt.Printf("Not applied (needs compensation): %v\n", stage.NotApplied)
			}
		}
	}
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	var body struct {
		Revision string    `json:"revision"`
		Runs     []runView `json:"runs"`
	}
	if err := getJSON(cmd.Context(), "/v1/runs?revision="+args[0], &body); err != nil {
		return err
	}
	if runJSON {
		return printJSON(body)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tENVIRONMENT\tSTATUS\tSTARTED")
	for _, run := range body.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.RunID, run.Environment, run.Status, run.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
