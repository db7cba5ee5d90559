package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	rootCmd.AddCommand(rollbackCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage workflow checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded checkpoints",
	Long: `List checkpoints, oldest first.

Examples:
  stagehand checkpoint list
  stagehand checkpoint list --json`,
	Args: cobra.NoArgs,
	RunE: runCheckpointList,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <checkpoint-id>",
	Short: "Restore the workflow to a checkpoint",
	Long: `Restore the managed directory (state, artifacts, sync records) to the
named checkpoint. Files outside the managed directory are not touched.

Examples:
  stagehand rollback stage-design-1`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	cps, err := a.orch.Checkpoints(cmd.Context())
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(cps)
	}

	if len(cps) == 0 {
		fmt.Println("No checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tCREATED\tDESCRIPTION")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			cp.ID,
			cp.StageAtCreation,
			cp.CreatedAt.Format("2006-01-02 15:04"),
			cp.Description,
		)
	}
	return w.Flush()
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	st, err := a.orch.Rollback(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(st)
	}
	fmt.Printf("Rolled back to %s, workflow at stage %s\n", args[0], st.CurrentStage)
	return nil
}
