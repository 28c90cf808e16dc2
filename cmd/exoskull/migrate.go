package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BGMLAI/exoskull-sub007/pkg/config"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade every table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		n, err := migrate(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %d stores\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// migrate opens dsn and initialises every SQL store. It needs neither Redis
// nor the archive.
func migrate(ctx context.Context, dsn string) (int, error) {
	db, err := store.Open(ctx, dsn)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()
	stores := newSQLStores(db)
	if err := stores.migrate(ctx); err != nil {
		return 0, err
	}
	return len(stores.all()), nil
}
