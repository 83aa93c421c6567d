package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetScript reads one script row. Draft selects the draft code and
// MD5 columns instead of the published ones.
func (s *Store) GetScript(ctx context.Context, scriptID string, draft bool) (*Script, error) {
	codeCol, md5Col := `scpt."code"`, `scpt."codeMD5"`
	if draft {
		codeCol, md5Col = `scpt."codeDraft"`, `scpt."codeDraftMD5"`
	}

	query := fmt.Sprintf(`
		SELECT scpt."seq", scpt."id", scpt."publishVersion",
		       COALESCE(%s, ''), COALESCE(%s, ''), sset."id"
		FROM %s AS sset
		JOIN %s AS scpt ON sset."id" = scpt."scriptSetId"
		WHERE scpt."id" = $1
		ORDER BY scpt."seq" ASC
		LIMIT 1`, codeCol, md5Col, TableScriptSet, TableScript)

	var script Script
	err := s.db.Pool.QueryRow(ctx, query, scriptID).Scan(
		&script.Seq, &script.ID, &script.PublishVersion,
		&script.Code, &script.CodeMD5, &script.ScriptSetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get script %s: %w", scriptID, err)
	}
	return &script, nil
}

// ListScriptMD5s returns id -> codeMD5 for all published scripts.
func (s *Store) ListScriptMD5s(ctx context.Context) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT "id", COALESCE("codeMD5", '') FROM %s`, TableScript)
	return s.listIDValue(ctx, query)
}

// ListFuncExtraConfigs returns funcId -> extraConfigJSON for the
// functions of one script.
func (s *Store) ListFuncExtraConfigs(ctx context.Context, scriptID string) (map[string]string, error) {
	query := fmt.Sprintf(
		`SELECT "id", COALESCE("extraConfigJSON", '') FROM %s WHERE "scriptId" = $1`,
		TableFunc)

	rows, err := s.db.Pool.Query(ctx, query, scriptID)
	if err != nil {
		return nil, fmt.Errorf("list func extra configs: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, cfg string
		if err := rows.Scan(&id, &cfg); err != nil {
			return nil, err
		}
		out[id] = cfg
	}
	return out, rows.Err()
}

const funcSelectCols = `
	func."seq", func."id", func."scriptSetId", func."scriptId",
	func."name", COALESCE(func."title", ''), COALESCE(func."category", ''),
	COALESCE(func."integration", ''), COALESCE(func."tagsJSON", ''),
	COALESCE(func."extraConfigJSON", ''),
	COALESCE(sset."title", ''), COALESCE(scpt."title", '')`

func scanFunc(row pgx.Row) (*Func, error) {
	var f Func
	err := row.Scan(
		&f.Seq, &f.ID, &f.ScriptSetID, &f.ScriptID,
		&f.Name, &f.Title, &f.Category,
		&f.Integration, &f.TagsJSON, &f.ExtraConfigJSON,
		&f.ScriptSetTitle, &f.ScriptTitle)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) funcQuery(where string) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s AS func
		JOIN %s AS scpt ON scpt."id" = func."scriptId"
		JOIN %s AS sset ON sset."id" = func."scriptSetId"
		%s
		ORDER BY func."id"`,
		funcSelectCols, TableFunc, TableScript, TableScriptSet, where)
}

// GetFunc reads one function with joined titles.
func (s *Store) GetFunc(ctx context.Context, funcID string) (*Func, error) {
	row := s.db.Pool.QueryRow(ctx, s.funcQuery(`WHERE func."id" = $1`), funcID)
	f, err := scanFunc(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get func %s: %w", funcID, err)
	}
	return f, nil
}

// ListFuncsByIntegration returns all functions with the given
// integration kind.
func (s *Store) ListFuncsByIntegration(ctx context.Context, integration string) ([]*Func, error) {
	rows, err := s.db.Pool.Query(ctx, s.funcQuery(`WHERE func."integration" = $1`), integration)
	if err != nil {
		return nil, fmt.Errorf("list funcs by integration: %w", err)
	}
	defer rows.Close()

	var out []*Func
	for rows.Next() {
		f, err := scanFunc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFuncQueueMap returns funcId -> extraConfigJSON for all
// functions; used to derive per-queue cron job counts.
func (s *Store) ListFuncQueueMap(ctx context.Context) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT "id", COALESCE("extraConfigJSON", '') FROM %s`, TableFunc)
	return s.listIDValue(ctx, query)
}

func (s *Store) listIDValue(ctx context.Context, query string) (map[string]string, error) {
	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}
