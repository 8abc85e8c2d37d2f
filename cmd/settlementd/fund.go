package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/model"
)

// fundCmd posts an external deposit or withdrawal through the ledger.
func fundCmd() *cobra.Command {
	var userID, currency, amount, externalID string
	var withdraw bool

	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Credit (or with --withdraw, debit) a user's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				logger.Warn("database.url not set, the posting will not persist")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var tx *model.Transaction
			if withdraw {
				tx, err = a.engine.Withdraw(ctx, userID, currency, amt, externalID)
			} else {
				tx, err = a.engine.Deposit(ctx, userID, currency, amt, externalID)
			}
			if err != nil {
				return err
			}
			w, err := a.engine.Wallet(ctx, userID, currency)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: available %s, locked %s\n",
				tx.Type, tx.Reference, w.Currency, w.Available, w.Locked)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code, e.g. USDT")
	cmd.Flags().StringVar(&amount, "amount", "", "positive decimal amount")
	cmd.Flags().StringVar(&externalID, "external-id", "", "payment processor id; makes the posting idempotent")
	cmd.Flags().BoolVar(&withdraw, "withdraw", false, "debit instead of credit")
	for _, f := range []string{"user", "currency", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
