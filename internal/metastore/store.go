package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dataflux-func/dataflux-func/pkg/database"
)

// Store bundles the repositories over one connection pool.
type Store struct {
	db     *database.Postgres
	logger *slog.Logger
}

func NewStore(db *database.Postgres, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With(slog.String("component", "metastore"))}
}

func (s *Store) DB() *database.Postgres {
	return s.db
}

// HealthCheck pings the store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// quoteCols renders a quoted, comma-joined column list; the store's
// column names are camelCase and need quoting under PostgreSQL folding.
func quoteCols(cols ...string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

// insertRow writes one row with createTime/updateTime maintained
// automatically.
func (s *Store) insertRow(ctx context.Context, table string, cols []string, vals []any) error {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s, "createTime", "updateTime") VALUES (%s, NOW(), NOW())`,
		table, quoteCols(cols...), strings.Join(placeholders, ", "))

	if _, err := s.db.Pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// CountRows returns the row count of a table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.Pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// TableSize returns the total on-disk bytes of a table.
func (s *Store) TableSize(ctx context.Context, table string) (int64, error) {
	var bytes int64
	err := s.db.Pool.QueryRow(ctx, "SELECT pg_total_relation_size($1)", table).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", table, err)
	}
	return bytes, nil
}

// BizTables lists the user-entity tables, for metrics and backups.
func BizTables() []string {
	return []string{
		TableScriptSet,
		TableScript,
		TableFunc,
		TableCronJob,
		TableSyncAPI,
		TableAsyncAPI,
		TableConnector,
		TableEnvVariable,
		TableFuncStore,
		TableTaskRecord,
		TableTaskRecordFunc,
	}
}
