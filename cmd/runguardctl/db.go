package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/cobra"
	"github.com/triage-ai/runguard/internal/store"
	"go.uber.org/zap"
)

const dsnEnv = "POSTGRES_DSN"

func openStore(cmd *cobra.Command, dsn string) (*store.Store, func(), error) {
	if dsn == "" {
		dsn = os.Getenv(dsnEnv)
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("no database: pass --dsn or set %s", dsnEnv)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres: %w", err)
	}
	st := store.NewStore(db)
	if err := st.Ping(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return st, func() { _ = db.Close() }, nil
}

func newMigrateCmd(logger func() *zap.Logger) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the runguard schema to PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeDB, err := openStore(cmd, dsn)
			if err != nil {
				return err
			}
			defer closeDB()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger().Info("schema applied")
			fmt.Fprintln(cmd.OutOrStdout(), "✓ schema applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (default $"+dsnEnv+")")
	return cmd
}

func newClientsCmd(logger func() *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage API clients directly in PostgreSQL",
	}

	var (
		dsn    string
		params store.CreateClientParams
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a client and print its API key once",
		Long: `Creates an API client without going through the admin API. Use it to
bootstrap the first approver before an admin token is handed out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateClientParams(params); err != nil {
				return err
			}
			st, closeDB, err := openStore(cmd, dsn)
			if err != nil {
				return err
			}
			defer closeDB()

			c, key, err := st.CreateClient(cmd.Context(), params)
			if err != nil {
				return err
			}
			logger().Info("client created", zap.String("client_id", c.ID), zap.String("principal", c.Principal))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", c.ID)
			fmt.Fprintf(out, "principal: %s\n", c.Principal)
			fmt.Fprintf(out, "api_key:   %s\n", key)
			return nil
		},
	}
	create.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (default $"+dsnEnv+")")
	create.Flags().StringVar(&params.Name, "name", "", "client display name")
	create.Flags().StringVar(&params.Principal, "principal", "", "principal the client authenticates as")
	create.Flags().StringSliceVar(&params.Groups, "group", nil, "group membership (repeatable)")
	create.Flags().BoolVar(&params.CanApprove, "approver", false, "allow the client to approve and reject runs")
	cmd.AddCommand(create)
	return cmd
}

func validateClientParams(p store.CreateClientParams) error {
	if p.Name == "" || len(p.Name) > 255 {
		return errors.New("--name must be 1-255 characters")
	}
	if strings.TrimSpace(p.Principal) == "" {
		return errors.New("--principal is required")
	}
	return nil
}
