package cmd

import (
	"fmt"
	"time"

	"github.com/jmehdipour/entitlements/internal/app"
	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/jmehdipour/entitlements/internal/db"
	"github.com/jmehdipour/entitlements/internal/logger"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo projects, customers and plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level)

		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		demo := app.DemoData(time.Now().UTC())
		if err := seed(sqlDB, demo); err != nil {
			return err
		}
		log.Info("seed completed",
			zap.Int("projects", len(demo.Projects)),
			zap.Int("customers", len(demo.Customers)),
			zap.Int("plans", len(demo.Plans)))
		return nil
	},
}

// seed upserts the demo rows in one transaction (idempotent).
func seed(dbx *sqlx.DB, demo app.Demo) error {
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, p := range demo.Projects {
		if _, err := tx.Exec(`
INSERT INTO projects
    (id, workspace_id, name, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name           = VALUES(name),
    status         = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at     = VALUES(updated_at)
`, p.ID, p.WorkspaceID, p.Name, p.APIKey, p.Status, p.RateLimitRPS, p.CreatedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("insert project %q: %w", p.Name, err)
		}
	}

	for _, c := range demo.Customers {
		if _, err := tx.Exec(`
INSERT INTO customers (id, project_id, workspace_id, created_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE project_id = VALUES(project_id)
`, c.ID, c.ProjectID, c.WorkspaceID, c.CreatedAt); err != nil {
			return fmt.Errorf("insert customer %q: %w", c.ID, err)
		}
	}

	for _, pv := range demo.Plans {
		if _, err := tx.Exec(`
INSERT INTO plan_versions
    (id, plan_slug, version, trial_days, billing_interval, interval_count, created_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    trial_days       = VALUES(trial_days),
    billing_interval = VALUES(billing_interval),
    interval_count   = VALUES(interval_count)
`, pv.ID, pv.PlanSlug, pv.Version, pv.TrialDays, pv.BillingInterval, pv.IntervalCount, pv.CreatedAt); err != nil {
			return fmt.Errorf("insert plan %q: %w", pv.ID, err)
		}
		for _, f := range pv.Features {
			if _, err := tx.Exec(`
INSERT INTO plan_features (plan_version_id, feature_slug, usage_limit, overage_policy)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    usage_limit    = VALUES(usage_limit),
    overage_policy = VALUES(overage_policy)
`, f.PlanVersionID, f.FeatureSlug, f.Limit, f.OveragePolicy); err != nil {
				return fmt.Errorf("insert feature %s/%s: %w", pv.ID, f.FeatureSlug, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}
