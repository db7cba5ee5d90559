package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current workflow state",
	Long: `Show the current stage, active stories, and the story table.

Examples:
  # Human-readable status
  stagehand status

  # Machine-readable status
  stagehand status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	st, err := a.orch.Status(cmd.Context())
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(st)
	}

	fmt.Printf("Project: %s\n", st.ProjectID)
	fmt.Printf("Stage: %s\n", st.CurrentStage)
	if st.CurrentSprintID != "" {
		fmt.Printf("Sprint: %s\n", st.CurrentSprintID)
	}
	fmt.Printf("Updated: %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(st.Stories) == 0 {
		return nil
	}

	ids := make([]string, 0, len(st.Stories))
	for id := range st.Stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE")
	for _, id := range ids {
		story := st.Stories[id]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", story.ID, story.Status, story.Priority, story.Title)
	}
	return w.Flush()
}
