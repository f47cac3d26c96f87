package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/ledger"
	"github.com/mtzanidakis/swarmd/internal/store"
)

func newCreditsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up tenant credit balances",
	}

	var tenant, free, paid string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Add free and/or paid credits to a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			freeAmt, err := credits.Parse(free)
			if err != nil {
				return fmt.Errorf("--free: %w", err)
			}
			paidAmt, err := credits.Parse(paid)
			if err != nil {
				return fmt.Errorf("--paid: %w", err)
			}

			_, db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			b, err := ledger.New(db).Grant(cmd.Context(), tenant, freeAmt, paidAmt)
			if err != nil {
				return err
			}
			printBalance(cmd, b)
			return nil
		},
	}
	grant.Flags().StringVar(&tenant, "tenant", "", "tenant (required)")
	grant.Flags().StringVar(&free, "free", "0", "free credits to add")
	grant.Flags().StringVar(&paid, "paid", "0", "paid credits to add")
	_ = grant.MarkFlagRequired("tenant")

	var showTenant string
	var txLimit int
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a tenant's balance and recent transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			l := ledger.New(db)
			b, err := l.Balance(cmd.Context(), showTenant)
			if err != nil {
				return err
			}
			printBalance(cmd, b)
			if txLimit <= 0 {
				return nil
			}

			txs, err := l.Transactions(cmd.Context(), showTenant, txLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nTIME\tAMOUNT\tPOOL\tEXECUTION")
			for _, t := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.CreatedAt.Format(time.RFC3339), t.Amount, t.Pool, t.ExecutionID)
			}
			return w.Flush()
		},
	}
	show.Flags().StringVar(&showTenant, "tenant", "", "tenant (required)")
	show.Flags().IntVar(&txLimit, "transactions", 10, "number of recent transactions to list")
	_ = show.MarkFlagRequired("tenant")

	cmd.AddCommand(grant, show)
	return cmd
}

func printBalance(cmd *cobra.Command, b store.CreditBalance) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tenant:    %s\n", b.TenantID)
	fmt.Fprintf(out, "free:      %s\n", b.Free)
	fmt.Fprintf(out, "paid:      %s\n", b.Paid)
	fmt.Fprintf(out, "reserved:  %s\n", b.Reserved)
	fmt.Fprintf(out, "available: %s\n", b.Available())
}
