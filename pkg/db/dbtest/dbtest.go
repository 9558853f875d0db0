// Package dbtest opens throwaway databases carrying the pipeline schema.
package dbtest

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// EnvPostgresDSN points the concurrency suites at a migrated Postgres.
const EnvPostgresDSN = "COMMERCE_TEST_DB_DSN"

var sqliteSchema = []string{
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		seq INTEGER,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		occurred_at DATETIME NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TRIGGER outbox_events_seq AFTER INSERT ON outbox_events
	BEGIN
		UPDATE outbox_events SET seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox_events) WHERE id = NEW.id;
	END`,
	`CREATE TABLE event_handled (
		event_id TEXT NOT NULL,
		handler_name TEXT NOT NULL,
		handled_at DATETIME NOT NULL,
		PRIMARY KEY (event_id, handler_name)
	)`,
	`CREATE TABLE dead_letters (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		handler_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT,
		payload BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		occurred_at DATETIME NOT NULL,
		failed_at DATETIME NOT NULL,
		replayed_at DATETIME,
		replay_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		UNIQUE (event_id, handler_name)
	)`,
	`CREATE TABLE coupons (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ISSUED',
		remaining_value NUMERIC NOT NULL,
		expires_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE product_metrics (
		product_id TEXT PRIMARY KEY,
		like_count INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		sales_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME
	)`,
	`CREATE TABLE like_relations (
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		deleted_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME,
		PRIMARY KEY (user_id, product_id)
	)`,
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		coupon_id TEXT,
		amount NUMERIC NOT NULL,
		discount_amount NUMERIC NOT NULL DEFAULT 0,
		items TEXT,
		payment_status TEXT NOT NULL DEFAULT 'PENDING',
		last_gateway_transaction_key TEXT,
		failure_reason TEXT,
		payment_dispatched_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
}

// OpenSQLite returns an isolated in-memory database with the pipeline tables.
// A single connection serializes transactions, standing in for row locks.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", sanitize(t.Name()), uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range sqliteSchema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}

// OpenPostgres connects to the database named by COMMERCE_TEST_DB_DSN and
// skips the test when it is unset. The schema must already be migrated.
func OpenPostgres(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(EnvPostgresDSN)
	if dsn == "" {
		t.Skipf("%s is not set", EnvPostgresDSN)
	}
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("postgres handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(name)
}
