package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(advanceCmd)
}

var advanceCmd = &cobra.Command{
	Use:   "advance [story-id]",
	Short: "Advance the workflow one stage forward",
	Long: `Advance the workflow: invoke the agent for the next stage, evaluate its
metrics against the stage gate, and on success store the artifact, update
state, and record a checkpoint.

On a blocking gate failure the workflow stays at its current stage and the
failed criteria are reported; nothing is stored.

Examples:
  # Advance the next stage for a story
  stagehand advance STORY-42

  # Advance without a story association
  stagehand advance

  # Machine-readable result
  stagehand advance STORY-42 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdvance,
}

func runAdvance(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	storyID := ""
	if len(args) > 0 {
		storyID = args[0]
	}

	res, err := a.orch.Advance(cmd.Context(), storyID)
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(res)
	}
	fmt.Printf("Advanced %s -> %s\n", res.From, res.To)
	if res.StoryID != "" {
		fmt.Printf("Story: %s\n", res.StoryID)
	}
	fmt.Printf("Gate: %s\n", res.Gate.Status)
	if summary := res.Gate.Summary(); summary != "" {
		fmt.Printf("Warnings: %s\n", summary)
	}
	fmt.Printf("Artifact: %s\n", res.ArtifactID)
	if res.Checkpoint != nil {
		fmt.Printf("Checkpoint: %s\n", res.Checkpoint.ID)
	}
	return nil
}
