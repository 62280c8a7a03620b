package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openvariant/variant/pkg/explorer"
)

func newResumeCommand() *cobra.Command {
	var metrics bool

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an exploration from its last checkpoint",
		Long: `Resume an interrupted exploration from its most recent checkpoint.

The exploration bounds are restored from the checkpoint; the engine, database
and graph come from the current configuration. Checkpoints older than
checkpoint.max_age are not resumed.`,
		Example: `  # List resumable sessions, then resume one
  variant checkpoints list
  variant resume 5b2c3f0e-8f4e-4a53-9f87-1f0c7f3f6a11`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessionID := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.store.LoadState(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			if state == nil {
				return fmt.Errorf("session %s has no checkpoint", sessionID)
			}

			expCfg := explorer.ConfigFromRun(state.Config)
			opts := cfg.ExplorerOptions()
			opts.SessionID = sessionID
			opts.ProjectName = state.ProjectName
			opts.Strategy = state.StrategyName
			opts.EngineSlug = state.Config.EngineSlug

			exp, err := rt.explorer(expCfg, opts)
			if err != nil {
				return err
			}
			ok, err := exp.ResumeSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s has no resumable checkpoint", sessionID)
			}
			log.Info().
				Str("session_id", sessionID).
				Str("state", string(exp.State())).
				Time("saved_at", state.SavedAt).
				Msg("Resuming exploration")

			if metrics {
				if err := rt.serveMetrics(ctx); err != nil {
					return err
				}
			}
			return run(ctx, exp)
		},
	}

	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics")

	return cmd
}
