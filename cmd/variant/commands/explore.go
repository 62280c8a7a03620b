package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newExploreCommand() *cobra.Command {
	var (
		rootFEN    string
		maxDepth   int
		maxNodes   int
		timeLimit  time.Duration
		enginePath string
		dbPath     string
		graphPath  string
		sessionID  string
		metrics    bool
	)

	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Explore positions from a root position",
		Long: `Explore the positions reachable from a root position.

Each analysed position is expanded along the first moves of the engine's
principal variation. The exploration stops when the frontier is empty or the
depth, node or time budget is spent. Analyses are cached in the database and
reused by later explorations; the graph of positions and moves is written to
a JSON file.

Press Ctrl-C to cancel. A cancelled exploration keeps its checkpoints and
can be continued with "variant resume".`,
		Example: `  # Explore the start position four plies deep
  variant explore --depth 4 --nodes 200

  # Explore a position with a specific engine and database
  variant explore --fen "r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 2 3" \
    --engine /usr/local/bin/stockfish --db ./italian.db

  # Serve Prometheus metrics while exploring
  variant explore --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("fen") {
				cfg.Exploration.RootFEN = rootFEN
			}
			if flags.Changed("depth") {
				cfg.Exploration.MaxDepth = maxDepth
			}
			if flags.Changed("nodes") {
				cfg.Exploration.MaxNodes = maxNodes
			}
			if flags.Changed("time-limit") {
				cfg.Exploration.TimeLimit = timeLimit
			}
			if flags.Changed("engine") {
				cfg.Engine.Path = enginePath
			}
			if flags.Changed("db") {
				cfg.Storage.Path = dbPath
			}
			if flags.Changed("graph") {
				cfg.Graph.Path = graphPath
			}
			if flags.Changed("session") {
				cfg.Session.ID = sessionID
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info().
				Str("fen", cfg.Exploration.RootFEN).
				Int("max_depth", cfg.Exploration.MaxDepth).
				Int("max_nodes", cfg.Exploration.MaxNodes).
				Dur("time_limit", cfg.Exploration.TimeLimit).
				Msg("Starting exploration")

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if metrics {
				if err := rt.serveMetrics(ctx); err != nil {
					return err
				}
			}

			exp, err := rt.explorer(cfg.Exploration, cfg.ExplorerOptions())
			if err != nil {
				return err
			}
			return run(ctx, exp)
		},
	}

	cmd.Flags().StringVar(&rootFEN, "fen", "", "root position in FEN (default: start position)")
	cmd.Flags().IntVarP(&maxDepth, "depth", "d", 0, "maximum depth in plies")
	cmd.Flags().IntVarP(&maxNodes, "nodes", "n", 0, "maximum number of analysed positions")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "maximum exploration duration")
	cmd.Flags().StringVar(&enginePath, "engine", "", "UCI engine executable")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&graphPath, "graph", "", "graph JSON file path")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (default: generated)")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics")

	return cmd
}
