package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/database"
	"github.com/qs3c/scent_sub_server/internal/logger"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/repository"
	"github.com/qs3c/scent_sub_server/internal/service"
)

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Recompute payment dates from stored payment_data",
		RunE: func(cmd *cobra.Command, args []string) error {
			reconcile, err := openReconcile(cmd)
			if err != nil {
				return err
			}
			report, err := reconcile.Backfill(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func chargeDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "charge-due",
		Short: "Charge every subscription whose payment date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			reconcile, err := openReconcile(cmd)
			if err != nil {
				return err
			}
			summary, err := reconcile.ChargeDue(cmd.Context())
			if errors.Is(err, service.ErrRunInProgress) {
				return errors.New("charge-due is already running")
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func hashSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash for billing.cron_secret_hash or billing.admin_secret_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(args[0])
			if len(secret) < 16 {
				return fmt.Errorf("secret must be at least 16 characters")
			}
			cost, _ := cmd.Flags().GetInt("cost")
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func openReconcile(cmd *cobra.Command) (*service.ReconcileService, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.Log.Env, nil)

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return service.NewReconcileService(
		repository.NewSubscriptionRepository(db),
		tappay.NewClient(&cfg.TapPay),
		newebpay.NewClient(&cfg.NewebPay),
		lock.NewLocker(rdb, "billing:lock:"),
		cfg.Billing,
	), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
