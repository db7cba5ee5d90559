package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the workflow in the current project",
	Long: `Initialize the workflow: create the managed directory, write the initial
state at the first stage, seed the memory files, and record the baseline
checkpoint.

Examples:
  # Initialize with the directory name as project ID
  stagehand init

  # Initialize with an explicit config file
  stagehand init --config ./stagehand.yaml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	st, err := a.orch.Init(cmd.Context(), a.cfg.Project.ID)
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(st)
	}
	fmt.Printf("Initialized project %s at stage %s\n", st.ProjectID, st.CurrentStage)
	return nil
}
