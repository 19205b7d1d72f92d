package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order at startup. Never edit an entry once it
// has shipped; append a new one instead.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT NOT NULL UNIQUE,
		stripe_id        TEXT NOT NULL UNIQUE,
		card_fingerprint TEXT NOT NULL DEFAULT '',
		card_last4       TEXT NOT NULL DEFAULT '',
		card_kind        TEXT NOT NULL DEFAULT '',
		date_purged      TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		id                BIGSERIAL PRIMARY KEY,
		stripe_id         TEXT NOT NULL UNIQUE,
		amount            NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency          TEXT NOT NULL DEFAULT '',
		interval          TEXT NOT NULL DEFAULT '',
		interval_count    INT NOT NULL DEFAULT 1,
		name              TEXT NOT NULL DEFAULT '',
		trial_period_days INT NOT NULL DEFAULT 0,
		billing_scheme    TEXT NOT NULL DEFAULT '',
		tiers_mode        TEXT NOT NULL DEFAULT '',
		metadata          JSONB NOT NULL DEFAULT '{}',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS plan_tiers (
		id          BIGSERIAL PRIMARY KEY,
		plan_id     BIGINT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		amount      NUMERIC(18,2) NOT NULL DEFAULT 0,
		flat_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		up_to       BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id         BIGSERIAL PRIMARY KEY,
		stripe_id  TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		metadata   JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS skus (
		id                 BIGSERIAL PRIMARY KEY,
		stripe_id          TEXT NOT NULL UNIQUE,
		product_id         BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		price              NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency           TEXT NOT NULL DEFAULT '',
		attributes         JSONB NOT NULL DEFAULT '{}',
		image              TEXT NOT NULL DEFAULT '',
		inventory          JSONB,
		package_dimensions JSONB,
		livemode           BOOLEAN NOT NULL DEFAULT FALSE,
		metadata           JSONB NOT NULL DEFAULT '{}',
		active             BOOLEAN NOT NULL DEFAULT TRUE,
		updated            TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                   BIGSERIAL PRIMARY KEY,
		customer_id          BIGINT NOT NULL UNIQUE REFERENCES customers(id) ON DELETE CASCADE,
		stripe_id            TEXT NOT NULL UNIQUE,
		plan                 TEXT NOT NULL DEFAULT '',
		quantity             INT NOT NULL DEFAULT 1,
		status               TEXT NOT NULL DEFAULT '',
		start                TIMESTAMPTZ NOT NULL,
		current_period_start TIMESTAMPTZ,
		current_period_end   TIMESTAMPTZ,
		trial_start          TIMESTAMPTZ,
		trial_end            TIMESTAMPTZ,
		canceled_at          TIMESTAMPTZ,
		ended_at             TIMESTAMPTZ,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		amount               NUMERIC(18,2) NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id               BIGSERIAL PRIMARY KEY,
		stripe_id        TEXT NOT NULL UNIQUE,
		customer_id      BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		attempted        BOOLEAN NOT NULL DEFAULT FALSE,
		attempt_count    INT NOT NULL DEFAULT 0,
		amount_due       NUMERIC(18,2) NOT NULL DEFAULT 0,
		subtotal         NUMERIC(18,2) NOT NULL DEFAULT 0,
		tax              NUMERIC(18,2),
		total            NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency         TEXT NOT NULL DEFAULT '',
		paid             BOOLEAN NOT NULL DEFAULT FALSE,
		status           TEXT NOT NULL DEFAULT '',
		receipt_number   TEXT NOT NULL DEFAULT '',
		period_start     TIMESTAMPTZ NOT NULL,
		period_end       TIMESTAMPTZ NOT NULL,
		date             TIMESTAMPTZ NOT NULL,
		charge_stripe_id TEXT NOT NULL DEFAULT '',
		subscription_id  BIGINT REFERENCES subscriptions(id) ON DELETE SET NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_customer ON invoices(customer_id)`,
	`CREATE TABLE IF NOT EXISTS invoice_items (
		id                     BIGSERIAL PRIMARY KEY,
		stripe_id              TEXT NOT NULL,
		invoice_id             BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		amount                 NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency               TEXT NOT NULL DEFAULT '',
		proration              BOOLEAN NOT NULL DEFAULT FALSE,
		description            TEXT NOT NULL DEFAULT '',
		line_type              TEXT NOT NULL DEFAULT '',
		plan                   TEXT NOT NULL DEFAULT '',
		period_start           TIMESTAMPTZ NOT NULL,
		period_end             TIMESTAMPTZ NOT NULL,
		quantity               INT NOT NULL DEFAULT 1,
		subscription_stripe_id TEXT NOT NULL DEFAULT '',
		UNIQUE (invoice_id, stripe_id)
	)`,
	`CREATE TABLE IF NOT EXISTS charges (
		id                BIGSERIAL PRIMARY KEY,
		stripe_id         TEXT NOT NULL UNIQUE,
		customer_id       BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		invoice_stripe_id TEXT NOT NULL DEFAULT '',
		amount            NUMERIC(18,2) NOT NULL DEFAULT 0,
		amount_refunded   NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency          TEXT NOT NULL DEFAULT '',
		paid              BOOLEAN NOT NULL DEFAULT FALSE,
		refunded          BOOLEAN NOT NULL DEFAULT FALSE,
		captured          BOOLEAN NOT NULL DEFAULT FALSE,
		description       TEXT NOT NULL DEFAULT '',
		created           TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_charges_customer ON charges(customer_id)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id              BIGSERIAL PRIMARY KEY,
		stripe_id       TEXT NOT NULL UNIQUE,
		event_stripe_id TEXT NOT NULL DEFAULT '',
		amount          NUMERIC(18,2) NOT NULL DEFAULT 0,
		currency        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT '',
		date            TIMESTAMPTZ NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		net             NUMERIC(18,2) NOT NULL DEFAULT 0,
		charge_fees     NUMERIC(18,2) NOT NULL DEFAULT 0,
		adjustment_fees NUMERIC(18,2) NOT NULL DEFAULT 0,
		refund_fees     NUMERIC(18,2) NOT NULL DEFAULT 0,
		validation_fees NUMERIC(18,2) NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_status_date ON transfers(status, date)`,
	`CREATE TABLE IF NOT EXISTS events (
		id                BIGSERIAL PRIMARY KEY,
		stripe_id         TEXT NOT NULL UNIQUE,
		kind              TEXT NOT NULL DEFAULT '',
		livemode          BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_message   JSONB NOT NULL,
		validated_message JSONB,
		valid             BOOLEAN,
		processed         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
	`CREATE TABLE IF NOT EXISTS event_processing_errors (
		id              BIGSERIAL PRIMARY KEY,
		event_stripe_id TEXT NOT NULL DEFAULT '',
		data            JSONB,
		message         TEXT NOT NULL DEFAULT '',
		traceback       TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies pending schema migrations. It records progress in
// schema_migrations so a restart picks up where it left off.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}
