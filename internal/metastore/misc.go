package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetConnector reads one connector row.
func (s *Store) GetConnector(ctx context.Context, id string) (*Connector, error) {
	query := fmt.Sprintf(`
		SELECT "seq", "id", COALESCE("title", ''), "type", COALESCE("configJSON", '')
		FROM %s
		WHERE "id" = $1
		LIMIT 1`, TableConnector)

	var c Connector
	err := s.db.Pool.QueryRow(ctx, query, id).Scan(
		&c.Seq, &c.ID, &c.Title, &c.Type, &c.ConfigJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connector %s: %w", id, err)
	}
	return &c, nil
}

// ListConnectors reads all connector rows, optionally filtered by type.
func (s *Store) ListConnectors(ctx context.Context, connectorType string) ([]*Connector, error) {
	query := fmt.Sprintf(`
		SELECT "seq", "id", COALESCE("title", ''), "type", COALESCE("configJSON", '')
		FROM %s`, TableConnector)
	args := []any{}
	if connectorType != "" {
		query += ` WHERE "type" = $1`
		args = append(args, connectorType)
	}
	query += ` ORDER BY "seq" ASC`

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []*Connector
	for rows.Next() {
		var c Connector
		if err := rows.Scan(&c.Seq, &c.ID, &c.Title, &c.Type, &c.ConfigJSON); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListConnectorConfigs returns id -> configJSON, for MD5 indexing.
func (s *Store) ListConnectorConfigs(ctx context.Context) (map[string]string, error) {
	return s.listIDValue(ctx,
		fmt.Sprintf(`SELECT "id", COALESCE("configJSON", '') FROM %s`, TableConnector))
}

// GetEnvVariable reads one env variable row.
func (s *Store) GetEnvVariable(ctx context.Context, id string) (*EnvVariable, error) {
	query := fmt.Sprintf(`
		SELECT "seq", "id", COALESCE("title", ''), "autoTypeCasting", COALESCE("valueTEXT", '')
		FROM %s
		WHERE "id" = $1
		LIMIT 1`, TableEnvVariable)

	var e EnvVariable
	err := s.db.Pool.QueryRow(ctx, query, id).Scan(
		&e.Seq, &e.ID, &e.Title, &e.AutoTypeCasting, &e.ValueTEXT)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get env variable %s: %w", id, err)
	}
	return &e, nil
}

// ListEnvVariableIDs lists all env variable ids.
func (s *Store) ListEnvVariableIDs(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, fmt.Sprintf(`SELECT "id" FROM %s`, TableEnvVariable))
}

// ListEnvVariableValues returns id -> valueTEXT, for MD5 indexing.
func (s *Store) ListEnvVariableValues(ctx context.Context) (map[string]string, error) {
	return s.listIDValue(ctx,
		fmt.Sprintf(`SELECT "id", COALESCE("valueTEXT", '') FROM %s`, TableEnvVariable))
}

// GetFuncStore reads one (scope, key) entry, ignoring expired rows.
func (s *Store) GetFuncStore(ctx context.Context, scope, key string, now int64) (*FuncStoreEntry, error) {
	query := fmt.Sprintf(`
		SELECT "seq", "id", "scope", "key", COALESCE("valueJSON", ''), "expireAt"
		FROM %s
		WHERE "scope" = $1 AND "key" = $2
		  AND ("expireAt" IS NULL OR "expireAt" > $3)
		LIMIT 1`, TableFuncStore)

	var e FuncStoreEntry
	err := s.db.Pool.QueryRow(ctx, query, scope, key, now).Scan(
		&e.Seq, &e.ID, &e.Scope, &e.Key, &e.ValueJSON, &e.ExpireAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get func store %s/%s: %w", scope, key, err)
	}
	return &e, nil
}

// SetFuncStore upserts a (scope, key) entry. With notExists, an
// existing live row is left untouched and false is returned.
func (s *Store) SetFuncStore(ctx context.Context, entry *FuncStoreEntry, notExists bool) (bool, error) {
	if notExists {
		existing, err := s.GetFuncStore(ctx, entry.Scope, entry.Key, time.Now().Unix())
		if err != nil {
			return false, err
		}
		if existing != nil {
			return false, nil
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s ("id", "scope", "key", "valueJSON", "expireAt", "createTime", "updateTime")
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT ("scope", "key") DO UPDATE
		SET "valueJSON" = EXCLUDED."valueJSON",
		    "expireAt"  = EXCLUDED."expireAt",
		    "updateTime" = NOW()`, TableFuncStore)

	_, err := s.db.Pool.Exec(ctx, query,
		entry.ID, entry.Scope, entry.Key, entry.ValueJSON, entry.ExpireAt)
	if err != nil {
		return false, fmt.Errorf("set func store: %w", err)
	}
	return true, nil
}

// DeleteFuncStore removes one (scope, key) entry.
func (s *Store) DeleteFuncStore(ctx context.Context, scope, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE "scope" = $1 AND "key" = $2`, TableFuncStore)
	if _, err := s.db.Pool.Exec(ctx, query, scope, key); err != nil {
		return fmt.Errorf("delete func store: %w", err)
	}
	return nil
}

// ListFuncStoreKeys lists live keys of a scope matching a SQL LIKE
// pattern.
func (s *Store) ListFuncStoreKeys(ctx context.Context, scope, likePattern string, now int64) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT "key" FROM %s
		WHERE "scope" = $1 AND "key" LIKE $2
		  AND ("expireAt" IS NULL OR "expireAt" > $3)
		ORDER BY "key"`, TableFuncStore)

	rows, err := s.db.Pool.Query(ctx, query, scope, likePattern, now)
	if err != nil {
		return nil, fmt.Errorf("list func store keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteExpiredFuncStore removes entries whose expireAt has passed.
func (s *Store) DeleteExpiredFuncStore(ctx context.Context, now int64) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE "expireAt" IS NOT NULL AND "expireAt" <= $1`, TableFuncStore)
	tag, err := s.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired func store: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSystemSettings reads the requested setting rows; missing ids are
// simply absent from the result.
func (s *Store) GetSystemSettings(ctx context.Context, ids []string) (map[string]string, error) {
	query := fmt.Sprintf(
		`SELECT "id", COALESCE("value", '') FROM %s WHERE "id" = ANY($1)`, TableSystemSetting)

	rows, err := s.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get system settings: %w", err)
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

// ResetAdminUser resets the admin row to the given username and
// password hash (admin-tool `reset_admin`).
func (s *Store) ResetAdminUser(ctx context.Context, username, passwordHash string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET "username" = $1, "passwordHash" = $2, "isDisabled" = FALSE, "updateTime" = NOW()
		WHERE "id" = 'u-admin'`, TableUser)

	tag, err := s.db.Pool.Exec(ctx, query, username, passwordHash)
	if err != nil {
		return fmt.Errorf("reset admin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("admin user row not found")
	}
	return nil
}

// ResetUpgradeDBSeq overwrites the upgrade sequence bookkeeping row
// (admin-tool `reset_upgrade_db_seq`).
func (s *Store) ResetUpgradeDBSeq(ctx context.Context, seq int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET "value" = $1, "updateTime" = NOW() WHERE "id" = 'UPGRADE_DB_SEQ'`,
		TableSystemSetting)

	_, err := s.db.Pool.Exec(ctx, query, fmt.Sprintf("%d", seq))
	if err != nil {
		return fmt.Errorf("reset upgrade db seq: %w", err)
	}
	return nil
}
