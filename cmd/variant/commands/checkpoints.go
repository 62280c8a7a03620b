package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openvariant/variant/pkg/checkpoint"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage exploration checkpoints",
	}

	cmd.AddCommand(newCheckpointsListCommand())
	cmd.AddCommand(newCheckpointsDeleteCommand())
	cmd.AddCommand(newCheckpointsCleanupCommand())

	return cmd
}

func newCheckpointsListCommand() *cobra.Command {
	var (
		sessionID string
		maxAge    time.Duration
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resumable checkpoints",
		Example: `  # Newest checkpoint of every session
  variant checkpoints list

  # Every checkpoint of one session
  variant checkpoints list --session 5b2c3f0e --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			states, err := store.FindResumableStates(ctx, checkpoint.ResumableQuery{
				SessionID: sessionID,
				MaxAge:    maxAge,
			})
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			if !all {
				states = newestPerSession(states)
			}

			if jsonOutput {
				return printJSON(states)
			}
			if len(states) == 0 {
				fmt.Println("No checkpoints")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATE\tANALYSED\tQUEUED\tREASON\tSAVED")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					s.SessionID,
					s.Metadata.CurrentState,
					s.State.Stats.TotalAnalyzed,
					len(s.State.PositionsToAnalyze),
					s.Metadata.Reason,
					s.SavedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "only this session")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "only checkpoints younger than this")
	cmd.Flags().BoolVar(&all, "all", false, "show every checkpoint, not only the newest per session")

	return cmd
}

// newestPerSession keeps the first checkpoint of each session from a
// newest-first list.
func newestPerSession(states []*checkpoint.SerializableState) []*checkpoint.SerializableState {
	seen := make(map[string]bool, len(states))
	out := states[:0]
	for _, s := range states {
		if seen[s.SessionID] {
			continue
		}
		seen[s.SessionID] = true
		out = append(out, s)
	}
	return out
}

func newCheckpointsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete every checkpoint of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteState(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete checkpoints: %w", err)
			}
			log.Info().Str("session_id", args[0]).Msg("Checkpoints deleted")
			return nil
		},
	}
}

func newCheckpointsCleanupCommand() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete checkpoints older than a maximum age",
		Example: `  # Delete checkpoints older than checkpoint.max_age
  variant checkpoints cleanup

  # Delete checkpoints older than a week
  variant checkpoints cleanup --max-age 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-age") {
				maxAge = cfg.Checkpoint.MaxAge
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Cleanup(ctx, maxAge)
			if err != nil {
				return fmt.Errorf("failed to clean up checkpoints: %w", err)
			}
			log.Info().Int64("removed", n).Dur("max_age", maxAge).Msg("Checkpoints cleaned up")
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "maximum checkpoint age (default checkpoint.max_age)")

	return cmd
}
