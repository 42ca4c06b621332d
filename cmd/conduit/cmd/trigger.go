package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var triggerBranch string

var triggerCmd = &cobra.Command{
	Use:   "trigger <revision>",
	Short: "Manually trigger a pipeline for a revision",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerBranch, "branch", "main", "source branch of the revision")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	payload := map[string]string{
		"revision": args[0],
		"branch":   triggerBranch,
	}
	var body struct {
		Revision string `json:"revision"`
		RunID    string `json:"run_id"`
	}
	if err := postJSON(cmd.Context(), "/v1/trigger", payload, &body); err != nil {
		return err
	}
	fmt.Printf("Triggered %s (staging run %s)\n", body.Revision, body.RunID)
	return nil
}
