package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openvariant/variant/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and create the database",
		Long: `Write a default configuration file and create the SQLite database with its
schema. Edit the file to point engine.path at a UCI engine.`,
		Example: `  # Initialize in the current directory
  variant init

  # Initialize with a custom config path
  variant init --config ~/.config/variant/variant.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.DefaultConfig()
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Storage.Path)

			log.Debug().Str("config", path).Str("db", cfg.Storage.Path).Msg("Initialized")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
