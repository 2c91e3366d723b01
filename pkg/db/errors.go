package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation    = "23505"
	mysqlDuplicateEntry  = 1062
	sqliteUniqueFailPref = "UNIQUE constraint failed"
)

// IsUniqueViolation reports whether err is a unique constraint violation on any
// supported driver. When constraintName is provided it must appear in the error.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && matchesConstraint(pgErr.ConstraintName+" "+pgErr.Message, constraintName)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry && matchesConstraint(myErr.Message, constraintName)
	}

	msg := err.Error()
	if strings.Contains(msg, "duplicate key value") || strings.Contains(msg, sqliteUniqueFailPref) {
		return matchesConstraint(msg, constraintName)
	}
	return false
}

func matchesConstraint(msg, constraintName string) bool {
	if constraintName == "" {
		return true
	}
	return strings.Contains(msg, constraintName)
}
