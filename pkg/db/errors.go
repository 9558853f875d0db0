package db

import (
	"strings"

	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

// SQLSTATE codes the pipeline reacts to.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
)

// IsUniqueViolation reports a unique constraint violation, optionally on a
// named constraint. sqlite errors are recognised by message so tests behave
// like Postgres.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if pg := pkgerrors.Postgres(err); pg.Code != "" {
		return pg.Code == pgUniqueViolation && (constraintName == "" || pg.Constraint == constraintName)
	}
	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

// IsLockTimeout reports a lock_timeout expiry or a deadlock victim. Both mean
// the row was busy and the caller may try again.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	switch pkgerrors.Postgres(err).Code {
	case pgLockNotAvailable, pgDeadlockDetected:
		return true
	case "":
		return strings.Contains(err.Error(), "database is locked")
	}
	return false
}
