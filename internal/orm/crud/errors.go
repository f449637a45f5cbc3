package crud

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Common store error types
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")

	// ErrUniqueViolation is returned when a unique constraint is violated
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation is returned when a foreign key constraint is violated
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")

	// ErrCheckViolation is returned when a check constraint is violated
	ErrCheckViolation = errors.New("check constraint violation")

	// ErrNotNullViolation is returned when a NOT NULL constraint is violated
	ErrNotNullViolation = errors.New("not null constraint violation")

	// ErrNoColumns is returned when a write names no persistable column
	ErrNoColumns = errors.New("no columns to write")
)

// ConvertDBError converts driver specific errors to store errors. PostgreSQL
// errors from pgx and lib/pq and SQLite constraint errors are classified.
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(err, pgErr.Code, pgErr.Detail, pgErr.ColumnName)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(err, string(pqErr.Code), pqErr.Detail, pqErr.Column)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s", ErrUniqueViolation, liteErr.Error())
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %s", ErrForeignKeyViolation, liteErr.Error())
		case sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %s", ErrCheckViolation, liteErr.Error())
		case sqlite3.ErrConstraintNotNull:
			return fmt.Errorf("%w: %s", ErrNotNullViolation, strings.TrimPrefix(liteErr.Error(), "NOT NULL constraint failed: "))
		}
	}

	return err
}

func classifyPostgres(err error, code, detail, column string) error {
	switch code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %s", ErrUniqueViolation, detail)
	case "23503": // foreign_key_violation
		return fmt.Errorf("%w: %s", ErrForeignKeyViolation, detail)
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", ErrCheckViolation, detail)
	case "23502": // not_null_violation
		return fmt.Errorf("%w: column %s", ErrNotNullViolation, column)
	}
	return err
}

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUniqueViolation returns true if the error is ErrUniqueViolation
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

// IsForeignKeyViolation returns true if the error is ErrForeignKeyViolation
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKeyViolation)
}

// IsConstraintViolation reports whether err is any classified constraint failure
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation) ||
		errors.Is(err, ErrForeignKeyViolation) ||
		errors.Is(err, ErrCheckViolation) ||
		errors.Is(err, ErrNotNullViolation)
}
