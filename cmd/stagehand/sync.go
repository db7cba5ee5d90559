package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stagehand/internal/syncer"
)

var syncDirection string

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncConflictsCmd)
	syncCmd.AddCommand(syncAckCmd)

	syncCmd.Flags().StringVar(&syncDirection, "direction", string(syncer.DirectionAuto),
		"sync direction: auto, file_to_state, or state_to_file")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize memory files with workflow state",
	Long: `Run one synchronization pass between the tracked memory files and the
workflow state. Direction "auto" reconciles both ways; the forced directions
overwrite one side unconditionally.

Examples:
  # Reconcile both ways
  stagehand sync

  # Force the state into the files
  stagehand sync --direction state_to_file`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved sync conflicts",
	Args:  cobra.NoArgs,
	RunE:  runSyncConflicts,
}

var syncAckCmd = &cobra.Command{
	Use:   "ack <conflict-id>",
	Short: "Acknowledge a conflict, unblocking its files",
	Long: `Acknowledge a sync conflict after resolving it by hand. The conflicting
files are re-baselined and synchronized again on the next pass.

Examples:
  stagehand sync ack 7d9f1c2e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncAck,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	direction := syncer.Direction(syncDirection)
	switch direction {
	case syncer.DirectionAuto, syncer.DirectionFileToState, syncer.DirectionStateToFile:
	default:
		return fmt.Errorf("invalid direction: %q", syncDirection)
	}

	res, err := a.orch.SyncMemory(cmd.Context(), direction)
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(res)
	}

	if !res.Changed {
		fmt.Println("Everything in sync")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tACTION")
	for _, f := range res.Files {
		fmt.Fprintf(w, "%s\t%s\n", f.Path, f.Action)
	}
	return w.Flush()
}

func runSyncConflicts(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	conflicts, err := a.orch.Conflicts()
	if err != nil {
		return err
	}

	open := conflicts[:0]
	for _, c := range conflicts {
		if !c.Resolved() {
			open = append(open, c)
		}
	}

	if outputJSON {
		return printJSON(open)
	}

	if len(open) == 0 {
		fmt.Println("No unresolved conflicts")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tFILES")
	for _, c := range open {
		files := ""
		for i, p := range c.ConflictingPaths {
			if i > 0 {
				files += ", "
			}
			files += p
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.CreatedAt.Format("2006-01-02 15:04"), files)
	}
	return w.Flush()
}

func runSyncAck(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	if err := a.orch.AcknowledgeConflict(cmd.Context(), args[0]); err != nil {
		return err
	}
	if !outputJSON {
		fmt.Printf("Conflict %s acknowledged\n", args[0])
	}
	return nil
}
