package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/commerce-pipeline/pkg/migrate"
)

func TestPipelineMigrationsAreValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestPipelineMigrationsContainSchemas(t *testing.T) {
	cases := map[string][]string{
		"*_create_outbox_events_table.sql": {
			"CREATE TABLE IF NOT EXISTS outbox_events",
			"seq BIGSERIAL NOT NULL",
			"CREATE INDEX IF NOT EXISTS idx_outbox_events_pending_seq",
		},
		"*_create_event_handled_table.sql": {
			"CREATE TABLE IF NOT EXISTS event_handled",
			"PRIMARY KEY (event_id, handler_name)",
		},
		"*_create_dead_letters_table.sql": {
			"CREATE TABLE IF NOT EXISTS dead_letters",
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_event_handler",
		},
		"*_create_coupons_table.sql": {
			"CREATE TABLE IF NOT EXISTS coupons",
			"version BIGINT NOT NULL DEFAULT 0",
		},
		"*_create_product_metrics_and_likes_tables.sql": {
			"CREATE TABLE IF NOT EXISTS product_metrics",
			"CREATE TABLE IF NOT EXISTS like_relations",
		},
		"*_create_orders_table.sql": {
			"CREATE TABLE IF NOT EXISTS orders",
			"orders_payment_status_check",
		},
		"*_add_orders_payment_dispatched_at.sql": {
			"ADD COLUMN IF NOT EXISTS payment_dispatched_at TIMESTAMPTZ",
			"DROP COLUMN IF EXISTS payment_dispatched_at",
		},
	}

	for pattern, checks := range cases {
		matches, err := filepath.Glob(filepath.Join("migrations", pattern))
		if err != nil {
			t.Fatalf("glob migrations: %v", err)
		}
		if len(matches) != 1 {
			t.Fatalf("expected one migration for %s, got %d", pattern, len(matches))
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatalf("read migration file: %v", err)
		}
		content := string(data)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s: missing expected statement %q", matches[0], sub)
			}
		}
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Coupon Index!", migrate.CreateOptions{})
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_coupon_index.sql") {
		t.Fatalf("unexpected migration name %s", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "!!!", migrate.CreateOptions{}); err == nil {
		t.Fatalf("expected error for empty sanitized name")
	}
}
