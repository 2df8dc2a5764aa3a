package db

import (
	"errors"
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/smallbiznis/billable/pkg/errs"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}

	msg := err.Error()
	// PostgreSQL (23505)
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL (1062)
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite (2067)
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsSerializationErr reports transient lock and isolation failures that are safe to retry.
func IsSerializationErr(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"could not serialize access",
		"deadlock detected",
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"lock wait timeout exceeded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ErrSerialization is reported for transient store failures; see Classify.
var ErrSerialization = errs.New(errs.ErrConcurrency, "serialization_failure")

// Classify tags serialization failures, deadlocks and lock wait timeouts
// with ErrSerialization so callers can retry them. Other errors pass through.
func Classify(err error) error {
	if err == nil || errors.Is(err, errs.ErrConcurrency) || !IsSerializationErr(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSerialization, err)
}
