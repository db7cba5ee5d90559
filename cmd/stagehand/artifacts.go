package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stagehand/internal/artifact"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

var artifactStage string

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsPruneCmd)

	artifactsListCmd.Flags().StringVar(&artifactStage, "stage", "", "stage to list artifacts for (required)")
	_ = artifactsListCmd.MarkFlagRequired("stage")
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and prune stored artifacts",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts for a stage, newest first",
	Long: `List artifact metadata for a stage.

Examples:
  stagehand artifacts list --stage design
  stagehand artifacts list --stage coding --json`,
	Args: cobra.NoArgs,
	RunE: runArtifactsList,
}

var artifactsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old artifact versions per the retention policy",
	Long: `Prune stored artifacts using the configured retention policy
(prune.keep_per_slot and prune.min_age). Artifacts still referenced as
dependencies of retained artifacts are never removed.

Examples:
  stagehand artifacts prune`,
	Args: cobra.NoArgs,
	RunE: runArtifactsPrune,
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	metas, err := a.orch.ListArtifacts(cmd.Context(), workflow.Stage(artifactStage))
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(metas)
	}

	if len(metas) == 0 {
		fmt.Println("No artifacts found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTORY\tVALIDATION\tCREATED")
	for _, m := range metas {
		fmt.Fprintf(w, "%.12s\t%s\t%s\t%s\n",
			m.ID,
			m.StoryID,
			m.ValidationStatus,
			m.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runArtifactsPrune(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	if a.cfg.Prune.KeepPerSlot == 0 {
		return fmt.Errorf("pruning is disabled; set prune.keep_per_slot in %s", "stagehand.yaml")
	}

	removed, err := a.orch.PruneArtifacts(cmd.Context(), artifact.PruneConfig{
		KeepPerSlot: a.cfg.Prune.KeepPerSlot,
		MinAge:      a.cfg.Prune.MinAge,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(map[string]int{"removed": removed})
	}
	fmt.Printf("Removed %d artifact(s)\n", removed)
	return nil
}
