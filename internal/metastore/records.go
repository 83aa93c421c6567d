package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertTaskRecord appends one task history row.
func (s *Store) InsertTaskRecord(ctx context.Context, r *TaskRecord) error {
	return s.insertRow(ctx, TableTaskRecord,
		[]string{
			"id", "name", "kwargsJSON",
			"triggerTimeMs", "startTimeMs", "endTimeMs",
			"queue", "delay", "timeout", "expires", "ignoreResult",
			"resultJSON", "status",
			"exceptionType", "exceptionTEXT", "tracebackTEXT",
		},
		[]any{
			r.ID, r.Name, r.KwargsJSON,
			r.TriggerTimeMS, r.StartTimeMS, r.EndTimeMS,
			r.Queue, r.Delay, r.Timeout, r.Expires, r.IgnoreResult,
			r.ResultJSON, r.Status,
			r.ExceptionType, r.ExceptionTEXT, r.TracebackTEXT,
		})
}

// InsertTaskRecordFunc appends one function-run history row.
func (s *Store) InsertTaskRecordFunc(ctx context.Context, r *TaskRecordFunc) error {
	return s.insertRow(ctx, TableTaskRecordFunc,
		[]string{
			"id", "rootTaskId", "scriptSetId", "scriptId", "funcId",
			"funcCallKwargsJSON", "origin", "originId", "cronExpr", "callChainJSON",
			"triggerTimeMs", "startTimeMs", "endTimeMs",
			"delay", "queue", "timeout", "expires", "ignoreResult",
			"status", "exceptionType", "exceptionTEXT", "tracebackTEXT",
			"nonCriticalErrorsTEXT", "printLogsTEXT", "returnValueJSON", "responseControlJSON",
		},
		[]any{
			r.ID, r.RootTaskID, r.ScriptSetID, r.ScriptID, r.FuncID,
			r.FuncCallKwargsJSON, r.Origin, r.OriginID, r.CronExpr, r.CallChainJSON,
			r.TriggerTimeMS, r.StartTimeMS, r.EndTimeMS,
			r.Delay, r.Queue, r.Timeout, r.Expires, r.IgnoreResult,
			r.Status, r.ExceptionType, r.ExceptionTEXT, r.TracebackTEXT,
			r.NonCriticalErrorsTEXT, r.PrintLogsTEXT, r.ReturnValueJSON, r.ResponseControlJSON,
		})
}

// RollTaskRecordFuncByOrigin keeps only the newest limit rows for one
// origin id.
func (s *Store) RollTaskRecordFuncByOrigin(ctx context.Context, originID string, limit int) (int64, error) {
	query := fmt.Sprintf(`
		SELECT "seq" FROM %s
		WHERE "originId" = $1
		ORDER BY "seq" DESC
		OFFSET $2 LIMIT 1`, TableTaskRecordFunc)

	var expiredMaxSeq int64
	err := s.db.Pool.QueryRow(ctx, query, originID, limit).Scan(&expiredMaxSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find expired seq: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "originId" = $1 AND "seq" <= $2`, TableTaskRecordFunc),
		originID, expiredMaxSeq)
	if err != nil {
		return 0, fmt.Errorf("roll task record func: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTaskRecordFuncByMissingOrigin removes rows whose origin entity
// no longer exists.
func (s *Store) DeleteTaskRecordFuncByMissingOrigin(ctx context.Context, origin string, liveOriginIDs []string) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE "origin" = $1 AND NOT ("originId" = ANY($2))`, TableTaskRecordFunc)

	tag, err := s.db.Pool.Exec(ctx, query, origin, liveOriginIDs)
	if err != nil {
		return 0, fmt.Errorf("delete orphan task records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearTable deletes all rows of a table.
func (s *Store) ClearTable(ctx context.Context, table string) error {
	if _, err := s.db.Pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

// RollByLimit deletes all rows with seq <= maxSeq - limit, keeping the
// newest limit rows.
func (s *Store) RollByLimit(ctx context.Context, table string, limit int) (int64, error) {
	query := fmt.Sprintf(`
		SELECT "seq" FROM %s
		ORDER BY "seq" DESC
		OFFSET $1 LIMIT 1`, table)

	var expiredMaxSeq int64
	err := s.db.Pool.QueryRow(ctx, query, limit).Scan(&expiredMaxSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find expired seq in %s: %w", table, err)
	}

	tag, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "seq" <= $1`, table), expiredMaxSeq)
	if err != nil {
		return 0, fmt.Errorf("roll %s by limit: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// RollByExpires deletes rows older than maxAge. Because seq grows with
// createTime, the boundary seq is located by binary-searching sampled
// rows instead of scanning the whole table.
func (s *Store) RollByExpires(ctx context.Context, table string, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)

	var minSeq, maxSeq *int64
	err := s.db.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT MIN("seq"), MAX("seq") FROM %s`, table)).Scan(&minSeq, &maxSeq)
	if err != nil {
		return 0, fmt.Errorf("seq bounds of %s: %w", table, err)
	}
	if minSeq == nil || maxSeq == nil {
		return 0, nil
	}

	probe := func(seq int64) (*time.Time, error) {
		query := fmt.Sprintf(`
			SELECT "createTime" FROM %s
			WHERE "seq" >= $1
			ORDER BY "seq" ASC
			LIMIT 1`, table)

		var t time.Time
		err := s.db.Pool.QueryRow(ctx, query, seq).Scan(&t)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	// No row older than the cutoff: nothing to roll.
	first, err := probe(*minSeq)
	if err != nil {
		return 0, err
	}
	if first == nil || !first.Before(cutoff) {
		return 0, nil
	}

	lo, hi := *minSeq, *maxSeq
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		t, err := probe(mid)
		if err != nil {
			return 0, err
		}
		if t != nil && t.Before(cutoff) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	tag, err := s.db.Pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "seq" <= $1`, table), lo)
	if err != nil {
		return 0, fmt.Errorf("roll %s by expires: %w", table, err)
	}
	return tag.RowsAffected(), nil
}
