package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmd/internal/auth"
)

func newKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage tenant API keys",
	}

	var tenant, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key; the key is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			key, _, err := auth.New(db, cfg.Auth).CreateKey(cmd.Context(), tenant, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "owning tenant (required)")
	create.Flags().StringVar(&name, "name", "", "label for the key")
	_ = create.MarkFlagRequired("tenant")

	revoke := &cobra.Command{
		Use:   "revoke <key>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := auth.New(db, cfg.Auth).Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := auth.New(db, cfg.Auth).ListKeys(cmd.Context(), listTenant)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tSTATUS")
			for _, k := range keys {
				status := "active"
				if k.RevokedAt != nil {
					status = "revoked " + k.RevokedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", k.Name, k.CreatedAt.Format(time.RFC3339), status)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "tenant (required)")
	_ = list.MarkFlagRequired("tenant")

	cmd.AddCommand(create, revoke, list)
	return cmd
}
