package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/syncer"
)

var watchDebounce time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond,
		"wait this long after the last change before syncing")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch memory files and synchronize on change",
	Long: `Watch the tracked memory files and run a sync pass whenever they change
on disk. Runs until interrupted.

Examples:
  stagehand watch
  stagehand watch --debounce 2s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	watcher, err := syncer.NewWatcher(a.cfg.TrackedFiles(), a.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	fmt.Println("Watching memory files; press Ctrl-C to stop")

	// Editors fire bursts of events per save; collapse each burst into one
	// sync pass.
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events():
			a.logger.Debug("memory file changed", zap.String("path", ev.Path))
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timerC
				}
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			res, err := a.orch.SyncMemory(ctx, syncer.DirectionAuto)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
				continue
			}
			if res.Changed {
				for _, f := range res.Files {
					if f.Action != syncer.ActionNone {
						fmt.Printf("%s: %s\n", f.Path, f.Action)
					}
				}
			}
		}
	}
}
