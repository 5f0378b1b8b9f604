package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mystery-box-service/internal/adapters/storage/postgres"
	"mystery-box-service/internal/adapters/storage/redis"
	"mystery-box-service/internal/config"
	"mystery-box-service/internal/core/domain"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Check a catalog file without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := config.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BOX\tPRICE\tTIERS\tEXPECTED_POINTS\tTOP_CHANCE\tACTIVE")
			for _, box := range catalog.Boxes {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.4f\t%t\n",
					box.ID, box.PriceCoins, len(box.Table.Tiers),
					expectedPoints(box.Table), topChance(box.Table), box.Active)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d boxes, %d seed accounts\n", okMark("OK"), len(catalog.Boxes), len(catalog.Accounts))
			return nil
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish [catalog.yaml]",
		Short: "Validate a catalog and upsert its boxes into PostgreSQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := config.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			repo, err := a.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			for _, box := range catalog.Boxes {
				if err := repo.PutBox(cmd.Context(), box); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", okMark("OK"), box.ID, dim(box.Name))
			}
			return a.invalidateCatalog(cmd.Context(), repo, catalog.Boxes)
		},
	}
}

func newOpenAccountCmd(a *app) *cobra.Command {
	var coins, points int64
	cmd := &cobra.Command{
		Use:   "open-account [account-id]",
		Short: "Create an account with an opening balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.OpenAccount(cmd.Context(), args[0], coins, points); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s opened %s with %d coins, %d points\n", okMark("OK"), args[0], coins, points)
			return nil
		},
	}
	cmd.Flags().Int64Var(&coins, "coins", 0, "Opening coin balance")
	cmd.Flags().Int64Var(&points, "points", 0, "Opening point balance")
	return cmd
}

func newLedgerCmd(a *app) *cobra.Command {
	var page domain.Page
	cmd := &cobra.Command{
		Use:   "ledger [account-id]",
		Short: "List an account's ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := page.Normalize()
			if err != nil {
				return err
			}
			repo, err := a.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			entries, err := repo.ListLedgerEntries(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED_AT\tREASON\tCOINS\tPOINTS\tBOX\tTIER")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%+d\t%+d\t%s\t%s\n",
					e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Reason, e.DeltaCoins, e.DeltaPoints,
					e.Meta["box_id"], e.Meta["tier_index"])
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&page.Limit, "limit", domain.DefaultPageLimit, "Page size")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "Entries to skip")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check that every balance equals the sum of its ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := a.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			mismatches, err := repo.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if len(mismatches) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s ledger explains every balance\n", okMark("OK"))
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tCOINS\tLEDGER_COINS\tPOINTS\tLEDGER_POINTS")
			for _, m := range mismatches {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", m.AccountID, m.CoinsBalance, m.LedgerCoins, m.PointsBalance, m.LedgerPoints)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return fmt.Errorf("%d accounts out of balance", len(mismatches))
		},
	}
}

func (a *app) repository(ctx context.Context) (*postgres.Repository, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn is not configured")
	}
	repo, err := postgres.NewRepository(ctx, cfg.Postgres.DSN, cfg.Postgres.Isolation)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

// invalidateCatalog drops cached copies of freshly published boxes so the
// gateway serves the new tables before the TTL runs out.
func (a *app) invalidateCatalog(ctx context.Context, repo *postgres.Repository, boxes []domain.Box) error {
	if a.cfg.Redis.Addr == "" {
		return nil
	}
	rdb, err := redis.NewClient(ctx, a.cfg.Redis.Addr)
	if err != nil {
		a.logger.Warn("catalog cache not invalidated", "error", err)
		return nil
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			a.logger.Error("Failed to close redis connection", "error", err)
		}
	}()

	cache := redis.NewCatalogCache(rdb, repo, a.cfg.Redis.CatalogTTL, a.logger)
	for _, box := range boxes {
		if err := cache.Invalidate(ctx, box.ID); err != nil {
			return err
		}
	}
	return nil
}

// expectedPoints is the mean award of one opening with no cooldown in effect.
// Mass not covered by the tiers falls to the last tier, like the resolver.
func expectedPoints(t domain.RewardTable) float64 {
	if len(t.Tiers) == 0 {
		return 0
	}
	var sum, mass float64
	for _, tier := range t.Tiers {
		if tier.Probability <= 0 {
			continue
		}
		sum += tier.Probability * float64(max(tier.Points, t.GuaranteedMinPoints))
		mass += tier.Probability
	}
	if mass < 1 {
		last := t.Tiers[len(t.Tiers)-1]
		sum += (1 - mass) * float64(max(last.Points, t.GuaranteedMinPoints))
	}
	return sum
}

// topChance is the probability that one opening draws a top tier.
func topChance(t domain.RewardTable) float64 {
	var p float64
	for _, tier := range t.Tiers {
		if tier.IsTop && tier.Probability > 0 {
			p += tier.Probability
		}
	}
	return p
}
