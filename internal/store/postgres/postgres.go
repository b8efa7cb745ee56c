package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/anji4cp/streamnexus/internal/store/sqlstore"
)

// New opens a Postgres database through the pgx stdlib driver.
func New(dsn string) (*sqlstore.DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(d, sqlstore.Postgres), nil
}
