package registry

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// poolIface is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type poolIface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps the registry in the plugins table.
type PostgresStore struct {
	pool poolIface
}

// NewPostgresStore returns a store using pool.
func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to databaseURL and returns a store plus the pool, which
// the caller closes.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, oops.Code("REGISTRY_CONNECT_FAILED").In("registry").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, oops.Code("REGISTRY_CONNECT_FAILED").In("registry").
			Hint("check DATABASE_URL or registry.database_url").
			Wrap(err)
	}
	return NewPostgresStore(pool), pool, nil
}

// Load selects every row of the plugins table.
func (s *PostgresStore) Load(ctx context.Context) (Records, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, button_name, image, process_id FROM plugins ORDER BY id`)
	if err != nil {
		return nil, wrapPgError(err, CodeReadFailed, "load")
	}
	defer rows.Close()

	records := Records{}
	for rows.Next() {
		var (
			id  string
			rec Record
		)
		if err := rows.Scan(&id, &rec.DisplayName, &rec.IconPath, &rec.ProcessID); err != nil {
			return nil, oops.Code(CodeReadFailed).In("registry").With("operation", "scan").Wrap(err)
		}
		records[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError(err, CodeReadFailed, "load")
	}
	return records, nil
}

// Save replaces every row inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, records Records) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPgError(err, CodeWriteFailed, "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `DELETE FROM plugins`); err != nil {
		return wrapPgError(err, CodeWriteFailed, "clear")
	}
	for _, id := range records.IDs() {
		rec := records[id]
		if _, err := tx.Exec(ctx,
			`INSERT INTO plugins (id, button_name, image, process_id) VALUES ($1, $2, $3, $4)`,
			id, rec.DisplayName, rec.IconPath, rec.ProcessID,
		); err != nil {
			return oops.Code(CodeWriteFailed).In("registry").With("id", id).Wrap(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPgError(err, CodeWriteFailed, "commit")
	}
	return nil
}

func wrapPgError(err error, code, operation string) error {
	b := oops.Code(code).In("registry").With("operation", operation)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		b = oops.Code(CodeSchemaAbsent).In("registry").With("operation", operation).
			Hint("run 'botmanager migrate up'")
	}
	return b.Wrap(err)
}
