package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/cobra"

	"github.com/triage-ai/warden/internal/store"
)

func newKeysCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (default: $POSTGRES_DSN)")

	openStore := func(ctx context.Context) (*store.Store, func(), error) {
		if dsn == "" {
			dsn = os.Getenv("POSTGRES_DSN")
		}
		if dsn == "" {
			return nil, nil, errors.New("no Postgres DSN: pass --dsn or set POSTGRES_DSN")
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		s := store.NewStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, func() { _ = db.Close() }, nil
	}

	var (
		name  string
		admin bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a stored API key and print it once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			k, plaintext, err := s.CreateAPIKey(cmd.Context(), name, admin)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\nname:  %s\nadmin: %t\nkey:   %s\n", k.ID, k.Name, k.Admin, plaintext)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Key name")
	create.Flags().BoolVar(&admin, "admin", false, "Allow tool capability writes")
	_ = create.MarkFlagRequired("name")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			if err := s.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no key with id %s", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	var staticAdmin bool
	static := &cobra.Command{
		Use:   "static <name>",
		Short: "Generate a key and its GUARD_API_KEYS entry without a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, _, err := store.GenerateAPIKey()
			if err != nil {
				return err
			}
			entry := args[0] + ":" + hash
			if staticAdmin {
				entry += ":admin"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:   %s\nentry: %s\n", key, entry)
			return nil
		},
	}
	static.Flags().BoolVar(&staticAdmin, "admin", false, "Mark the key as admin")

	cmd.AddCommand(create, revoke, static)
	return cmd
}
