package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

const (
	backupKeepCount    = 7
	backupMaxTotalSize = int64(5 * 1024 * 1024 * 1024)
)

// AutoBackupDB dumps the user-entity tables to SQL text files in the
// resource folder, bounded by backup count and total size.
type AutoBackupDB struct {
	t    *task.Task
	deps *Deps
}

func (b *AutoBackupDB) backupDir() string {
	return filepath.Join(b.deps.Cfg.ResourceRootPath, "db-backups")
}

// dumpTable renders one table as INSERT statements. Task record tables
// are skipped: they are rolling data, not configuration.
func (b *AutoBackupDB) dumpTable(ctx context.Context, table string) (string, error) {
	rows, err := b.deps.Store.DB().Pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return "", fmt.Errorf("dump %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = `"` + f.Name + `"`
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("-- Table: %s\n", table))
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return "", err
		}

		rendered := make([]string, len(values))
		for i, v := range values {
			rendered[i] = renderSQLLiteral(v)
		}
		sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(rendered, ", ")))
	}
	return sb.String(), rows.Err()
}

func renderSQLLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case int64, float64, int, int32:
		return fmt.Sprintf("%v", val)
	case time.Time:
		return "'" + val.UTC().Format("2006-01-02 15:04:05") + "'"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(val), "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(toolkit.JSONDumps(val), "'", "''") + "'"
	}
}

// limitBackups removes the oldest backups beyond the keep count and
// keeps the folder under the size ceiling.
func (b *AutoBackupDB) limitBackups() error {
	entries, err := os.ReadDir(b.backupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for len(names) > backupKeepCount {
		if err := os.Remove(filepath.Join(b.backupDir(), names[0])); err != nil {
			return err
		}
		names = names[1:]
	}

	var totalSize int64
	sizes := map[string]int64{}
	for _, name := range names {
		info, err := os.Stat(filepath.Join(b.backupDir(), name))
		if err != nil {
			continue
		}
		sizes[name] = info.Size()
		totalSize += info.Size()
	}
	for totalSize > backupMaxTotalSize && len(names) > 1 {
		if err := os.Remove(filepath.Join(b.backupDir(), names[0])); err != nil {
			return err
		}
		totalSize -= sizes[names[0]]
		names = names[1:]
	}
	return nil
}

func (b *AutoBackupDB) Run(ctx context.Context) (any, error) {
	if err := b.t.Lock(ctx, 300*time.Second); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(b.backupDir(), 0o755); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, table := range metastore.BizTables() {
		if table == metastore.TableTaskRecord || table == metastore.TableTaskRecordFunc {
			continue
		}
		dump, err := b.dumpTable(ctx, table)
		if err != nil {
			return nil, err
		}
		sb.WriteString(dump)
		sb.WriteString("\n")
	}

	name := fmt.Sprintf("dataflux-func-sqldump-%s.sql", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(b.backupDir(), name)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return nil, err
	}

	if err := b.limitBackups(); err != nil {
		return nil, err
	}
	return map[string]any{"backupFile": name}, nil
}
