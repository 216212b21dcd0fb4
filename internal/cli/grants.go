package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/authz"
	"github.com/ppiankov/rowguard/internal/model"
)

var (
	grantsDB   string
	grantsKind string
)

func init() {
	rootCmd.AddCommand(grantsCmd)
	grantsCmd.PersistentFlags().StringVar(&grantsDB, "db", "", "Grants SQLite database (default hub.grants_db from config)")
	grantsCmd.PersistentFlags().StringVar(&grantsKind, "kind", "", "Record kind (default from config)")
	grantsCmd.AddCommand(grantsAddCmd, grantsRevokeCmd, grantsListCmd)
}

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Manage the responder's SQLite authorization set",
}

var grantsAddCmd = &cobra.Command{
	Use:   "add <id>...",
	Short: "Grant ids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGrants(cmd, func(ctx context.Context, db *authz.SQLStore, kind model.Kind) error {
			if err := db.Grant(ctx, kind, args...); err != nil {
				return err
			}
			fmt.Fprintf(stdout(cmd), "granted %d %s\n", len(args), kind.Name)
			return nil
		})
	},
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <id>...",
	Short: "Revoke ids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGrants(cmd, func(ctx context.Context, db *authz.SQLStore, kind model.Kind) error {
			if err := db.Revoke(ctx, kind, args...); err != nil {
				return err
			}
			fmt.Fprintf(stdout(cmd), "revoked %d %s\n", len(args), kind.Name)
			return nil
		})
	},
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List granted ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGrants(cmd, func(ctx context.Context, db *authz.SQLStore, kind model.Kind) error {
			ids, err := db.List(ctx, kind)
			if err != nil {
				return err
			}
			out := stdout(cmd)
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		})
	},
}

func withGrants(cmd *cobra.Command, fn func(context.Context, *authz.SQLStore, model.Kind) error) error {
	path := firstNonEmpty(grantsDB, cfg.Hub.GrantsDB)
	if path == "" {
		return fmt.Errorf("no grants database: pass --db or set hub.grants_db")
	}
	kind, err := model.KindByName(firstNonEmpty(grantsKind, cfg.Kind))
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	db, err := authz.OpenSQL(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db, kind)
}
