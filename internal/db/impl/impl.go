package impl

import (
	"database/sql"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
)

type dbImpl struct {
	Config config.Configuration
	db     *sql.DB
}

func New(config config.Configuration, d *sql.DB) db.DB {
	return &dbImpl{
		Config: config,
		db:     d,
	}
}

// HandleError takes a database error and returns a higher level error that
// hides the implementation details and can be more easily handled by the
// calling functions without doing type assertions, checking error codes and
// comparing to sentinel errors.
func (d *dbImpl) HandleError(err error) error {
	switch {
	case err == nil:
		return nil
	case err == sql.ErrNoRows:
		return db.ErrNotFound
	case isUniqueViolation(err):
		return db.ErrDuplicate
	default:
		log.Error().Err(err).Msg("database error")
		return err
	}
}

func isUniqueViolation(err error) bool {
	if e, ok := err.(sqlite3.Error); ok {
		return e.ExtendedCode == sqlite3.ErrConstraintUnique ||
			e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (d *dbImpl) WithTx(f func(tx *sql.Tx) error) (err error) {
	tx, err := d.db.Begin()
	if err != nil {
		return d.HandleError(err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = d.HandleError(tx.Commit())
		}
	}()

	err = f(tx)
	return
}

// Timestamps are stored as unix seconds; zero values round-trip as NULL.

func toUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: t.Unix()}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func urlString(u *url.URL) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: u.String()}
}

func parseURL(v sql.NullString) *url.URL {
	if !v.Valid || v.String == "" {
		return nil
	}
	u, err := url.Parse(v.String)
	if err != nil {
		return nil
	}
	return u
}

func nullString(s string) sql.NullString {
	return sql.NullString{Valid: s != "", String: s}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Valid: true, Bool: *b}
}

func fromNullBool(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// prefixed qualifies every column in a comma separated list with a table
// alias, so shared column lists can be reused in joins.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
