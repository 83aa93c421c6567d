package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const cronJobSelectCols = `
	cron."seq", cron."id", COALESCE(cron."funcCallKwargsJSON", ''),
	COALESCE(cron."cronExpr", ''), COALESCE(cron."timezone", ''),
	cron."taskRecordLimit", cron."isDisabled", cron."expireTime",
	func."id", COALESCE(func."extraConfigJSON", ''),
	COALESCE(sset."title", ''), COALESCE(scpt."title", ''), COALESCE(func."title", '')`

func (s *Store) cronJobQuery(where, tail string) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s AS cron
		JOIN %s AS func ON cron."funcId" = func."id"
		JOIN %s AS scpt ON scpt."id" = func."scriptId"
		JOIN %s AS sset ON sset."id" = func."scriptSetId"
		%s
		%s`,
		cronJobSelectCols, TableCronJob, TableFunc, TableScript, TableScriptSet, where, tail)
}

func scanCronJob(row pgx.Row) (*CronJob, error) {
	var c CronJob
	err := row.Scan(
		&c.Seq, &c.ID, &c.FuncCallKwargsJSON,
		&c.CronExpr, &c.Timezone,
		&c.TaskRecordLimit, &c.IsDisabled, &c.ExpireTime,
		&c.FuncID, &c.FuncExtraConfigJSON,
		&c.ScriptSetTitle, &c.ScriptTitle, &c.FuncTitle)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FetchCronJobPage pages through enabled, unexpired cron jobs in seq
// order, starting after nextSeq. Returns the page and the last seq
// seen (for the next page), or -1 when the page is empty.
func (s *Store) FetchCronJobPage(ctx context.Context, nextSeq int64, now int64, limit int) ([]*CronJob, int64, error) {
	query := s.cronJobQuery(
		`WHERE cron."seq" > $1
		   AND cron."isDisabled" = FALSE
		   AND (cron."expireTime" IS NULL OR cron."expireTime" > $2)`,
		fmt.Sprintf(`ORDER BY cron."seq" ASC LIMIT %d`, limit))

	rows, err := s.db.Pool.Query(ctx, query, nextSeq, now)
	if err != nil {
		return nil, -1, fmt.Errorf("fetch cron jobs: %w", err)
	}
	defer rows.Close()

	var out []*CronJob
	for rows.Next() {
		c, err := scanCronJob(rows)
		if err != nil {
			return nil, -1, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, -1, err
	}

	if len(out) == 0 {
		return nil, -1, nil
	}
	return out, out[len(out)-1].Seq, nil
}

// GetCronJob reads one cron job with joined function data, regardless
// of disabled state (used by the manual starter).
func (s *Store) GetCronJob(ctx context.Context, cronJobID string) (*CronJob, error) {
	row := s.db.Pool.QueryRow(ctx,
		s.cronJobQuery(`WHERE cron."id" = $1`, "LIMIT 1"), cronJobID)
	c, err := scanCronJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cron job %s: %w", cronJobID, err)
	}
	return c, nil
}

// ListCronJobIDs lists all cron job ids, for orphan cleanup.
func (s *Store) ListCronJobIDs(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, fmt.Sprintf(`SELECT "id" FROM %s`, TableCronJob))
}

// CountCronJobsByFunc returns funcId -> count of enabled cron jobs.
func (s *Store) CountCronJobsByFunc(ctx context.Context) (map[string]int64, error) {
	query := fmt.Sprintf(`
		SELECT "funcId", COUNT(*)
		FROM %s
		WHERE "isDisabled" = FALSE
		GROUP BY "funcId"`, TableCronJob)

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count cron jobs: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var funcID string
		var count int64
		if err := rows.Scan(&funcID, &count); err != nil {
			return nil, err
		}
		out[funcID] = count
	}
	return out, rows.Err()
}

func scanAPIEntry(row pgx.Row) (*APIEntry, error) {
	var a APIEntry
	err := row.Scan(
		&a.Seq, &a.ID, &a.FuncID, &a.FuncCallKwargsJSON,
		&a.APIAuthID, &a.TaskRecordLimit, &a.IsDisabled, &a.ExpireTime)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAPIEntry reads a Sync or Async API row by table and id.
func (s *Store) GetAPIEntry(ctx context.Context, table, id string) (*APIEntry, error) {
	query := fmt.Sprintf(`
		SELECT "seq", "id", "funcId", COALESCE("funcCallKwargsJSON", ''),
		       COALESCE("apiAuthId", ''), "taskRecordLimit", "isDisabled", "expireTime"
		FROM %s
		WHERE "id" = $1
		LIMIT 1`, table)

	row := s.db.Pool.QueryRow(ctx, query, id)
	a, err := scanAPIEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api entry %s/%s: %w", table, id, err)
	}
	return a, nil
}

// ListAPIEntryIDs lists ids of a Sync/Async API table.
func (s *Store) ListAPIEntryIDs(ctx context.Context, table string) ([]string, error) {
	return s.listIDs(ctx, fmt.Sprintf(`SELECT "id" FROM %s`, table))
}

func (s *Store) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
