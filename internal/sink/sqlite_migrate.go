package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schemaVersion is stored in PRAGMA user_version once an archive is current.
// Version 1 archives predate the per-row count columns and tokens_json;
// version 2 archives predate user_key.
const schemaVersion = 3

type sqliteColumn struct {
	Name    string
	Type    string
	NotNull bool
}

// migrateSQLite brings an archive written by an older build up to the current
// records layout. It is a no-op on a fresh or current database.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}

	columns, err := sqliteTableInfo(ctx, db, "records")
	if err != nil {
		return fmt.Errorf("sqlite: describe records: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("sink: sqlite: records table missing; skipping migration")
		return nil
	}

	added := []struct {
		column string
		ddl    string
	}{
		{"nonverbal_count", `ALTER TABLE records ADD COLUMN nonverbal_count INTEGER NOT NULL DEFAULT 0;`},
		{"url_count", `ALTER TABLE records ADD COLUMN url_count INTEGER NOT NULL DEFAULT 0;`},
		{"tokens_json", `ALTER TABLE records ADD COLUMN tokens_json TEXT NOT NULL DEFAULT '[]';`},
		{"user_key", `ALTER TABLE records ADD COLUMN user_key TEXT NOT NULL DEFAULT '';`},
	}
	for _, step := range added {
		if _, ok := columns[step.column]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, step.ddl); err != nil {
			return fmt.Errorf("sqlite: add %s column: %w", step.column, err)
		}
		log.Printf("sink: sqlite: added %s column to records", step.column)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE records SET nonverbal_json='[]' WHERE nonverbal_json IS NULL OR nonverbal_json='';`, "nonverbal_json"},
		{`UPDATE records SET url_json='[]' WHERE url_json IS NULL OR url_json='';`, "url_json"},
		{`UPDATE records SET nonverbal_count=json_array_length(nonverbal_json) WHERE nonverbal_count != json_array_length(nonverbal_json);`, "nonverbal_count"},
		{`UPDATE records SET url_count=json_array_length(url_json) WHERE url_count != json_array_length(url_json);`, "url_count"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("sink: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	if n, err := backfillUserKeys(ctx, db); err != nil {
		return fmt.Errorf("sqlite: backfill user_key: %w", err)
	} else if n > 0 {
		log.Printf("sink: sqlite: backfilled user_key rows=%d", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS records_ts ON records (ts);`); err != nil {
		return fmt.Errorf("sqlite: ensure records_ts: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}

	log.Printf("sink: sqlite: path=%s migrated user_version %d -> %d", sqlitePath(ctx, db), userVersion, schemaVersion)
	return nil
}

// backfillUserKeys folds user names in Go so migrated rows match the same
// way freshly archived ones do.
func backfillUserKeys(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx, `SELECT seq, user_name FROM records WHERE user_key = '';`)
	if err != nil {
		return 0, err
	}
	keys := make(map[int64]string)
	for rows.Next() {
		var (
			seq  int64
			user string
		)
		if err := rows.Scan(&seq, &user); err != nil {
			rows.Close()
			return 0, err
		}
		keys[seq] = userKey(user)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	// The archive runs on one connection; rows must be released before writing.
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	for seq, key := range keys {
		if _, err := tx.ExecContext(ctx, `UPDATE records SET user_key = ? WHERE seq = ?;`, key, seq); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	return len(keys), tx.Commit()
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:    name,
			Type:    strings.TrimSpace(colType),
			NotNull: notNull == 1,
		}
	}
	return out, rows.Err()
}
