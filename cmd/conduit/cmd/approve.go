package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	approveEnvironment string
	approveNote        string
)

var approveCmd = &cobra.Command{
	Use:   "approve <revision>",
	Short: "Approve a promotion for a revision",
	Long:  "Record a promotion approval so a chain waiting on the approval gate can advance.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().StringVar(&approveEnvironment, "environment", "production", "target environment of the promotion")
	approveCmd.Flags().StringVar(&approveNote, "note", "", "optional reviewer note")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	payload := map[string]string{
		"revision":    args[0],
		"environment": approveEnvironment,
		"note":        approveNote,
	}
	var body struct {
		ApprovalID  string `json:"approval_id"`
		ApprovedBy  string `json:"approved_by"`
		Environment string `json:"environment"`
	}
	if err := postJSON(cmd.Context(), "/v1/approvals", payload, &body); err != nil {
		return err
	}
	fmt.Printf("Approved %s for %s (approval %s, by %s)\n", args[0], body.Environment, body.ApprovalID, body.ApprovedBy)
	return nil
}
