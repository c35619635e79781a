package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
)

// TaskArchive persists completed TaskResults for after-the-fact
// auditing. A nil *TaskArchive (or one built without a pool) is a safe
// no-op, so nothing upstream depends on an archive being configured.
type TaskArchive struct {
	pool *pgxpool.Pool
}

// NewTaskArchive connects to connString and creates the archive table
// if it does not already exist.
func NewTaskArchive(ctx context.Context, connString string) (*TaskArchive, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	archive := &TaskArchive{pool: pool}
	if err := archive.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return archive, nil
}

func (a *TaskArchive) ensureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_archive (
			task_id       TEXT PRIMARY KEY,
			site_name     TEXT NOT NULL,
			status        TEXT NOT NULL,
			success       BOOLEAN NOT NULL,
			order_number  TEXT,
			checkout_url  TEXT,
			error_message TEXT,
			total_price   NUMERIC,
			elapsed_sec   DOUBLE PRECISION,
			retry_count   INT NOT NULL DEFAULT 0,
			archived_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Close releases the connection pool. A nil receiver is a no-op.
func (a *TaskArchive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// Archive upserts a completed task's final status/result. A nil
// receiver is a no-op so callers never need to nil-check before
// calling it.
func (a *TaskArchive) Archive(ctx context.Context, task *models.Task) error {
	if a == nil || a.pool == nil {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("postgres", "archive").Observe(time.Since(start).Seconds())
	}()

	snap := task.Snapshot()
	var orderNumber, checkoutURL, errMsg *string
	var totalPrice *decimal.Decimal
	var elapsed *float64
	if snap.Result != nil {
		if snap.Result.OrderNumber != "" {
			orderNumber = &snap.Result.OrderNumber
		}
		if snap.Result.CheckoutURL != "" {
			checkoutURL = &snap.Result.CheckoutURL
		}
		if snap.Result.ErrorMessage != "" {
			errMsg = &snap.Result.ErrorMessage
		}
		totalPrice = snap.Result.TotalPrice
		elapsed = snap.Result.ElapsedSec
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO task_archive
			(task_id, site_name, status, success, order_number, checkout_url, error_message, total_price, elapsed_sec, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			success = EXCLUDED.success,
			order_number = EXCLUDED.order_number,
			checkout_url = EXCLUDED.checkout_url,
			error_message = EXCLUDED.error_message,
			total_price = EXCLUDED.total_price,
			elapsed_sec = EXCLUDED.elapsed_sec,
			retry_count = EXCLUDED.retry_count
	`, task.ID, task.Config.SiteName, string(snap.Status), snap.Result != nil && snap.Result.Success,
		orderNumber, checkoutURL, errMsg, totalPrice, elapsed, snap.RetryCount)
	if err != nil {
		observability.StoreErrors.WithLabelValues("postgres", "archive").Inc()
	}
	return err
}
