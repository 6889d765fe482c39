package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-browser-bridge/internal/repository/postgres"
)

func (a *app) openStore(ctx context.Context) (*postgres.Store, func(), error) {
	if a.cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database.url is required (DATABASE_URL)")
	}
	pool, err := postgres.Connect(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(pool, a.logger), pool.Close, nil
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			return store.Migrate(cmd.Context())
		},
	}
}

func newPairCmd(a *app) *cobra.Command {
	var extensionID, userID string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue a pairing token for a browser extension",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			token, err := store.CreatePairing(cmd.Context(), extensionID, userID)
			if err != nil {
				return err
			}
			// Токен показывается один раз, в базе остается только хеш
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&extensionID, "extension", "", "extension id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("extension")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
