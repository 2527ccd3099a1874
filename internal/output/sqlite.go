package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/daryltucker/forest-bench/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS benchmark_runs (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id            TEXT    NOT NULL,
	experiment_id         TEXT    NOT NULL,
	timestamp             TEXT    NOT NULL,
	model_name            TEXT    NOT NULL,
	instance_type         TEXT    NOT NULL,
	serving_mode          TEXT    NOT NULL,
	batch_size            INTEGER NOT NULL,
	input_length          INTEGER NOT NULL,
	max_output_tokens     INTEGER NOT NULL,
	enable_prefix_caching INTEGER NOT NULL,
	tokens_per_second     REAL,
	time_per_token        REAL,
	first_token_latency   REAL,
	is_warmup             INTEGER,
	record                TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_benchmark_runs_instance ON benchmark_runs (instance_type, serving_mode);
`

// SQLiteStore keeps the history of benchmark sessions in one SQLite file so
// runs from different days and instances can be compared later.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the history database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history database %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append stores records under sessionID in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, records []*model.MetricRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO benchmark_runs (
		session_id, experiment_id, timestamp, model_name, instance_type, serving_mode,
		batch_size, input_length, max_output_tokens, enable_prefix_caching,
		tokens_per_second, time_per_token, first_token_latency, is_warmup, record
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ExperimentID, err)
		}
		_, err = stmt.ExecContext(ctx,
			sessionID, r.ExperimentID, r.Timestamp, r.ModelName, r.InstanceType, string(r.ServingMode),
			r.BatchSize, r.InputLength, r.MaxOutputTokens, r.EnablePrefixCaching,
			r.TokensPerSecond, r.TimePerToken, r.FirstTokenLatency, r.IsWarmup, string(blob),
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ExperimentID, err)
		}
	}

	return tx.Commit()
}

// Load returns stored records in insertion order. An empty instanceType
// returns every record.
func (s *SQLiteStore) Load(ctx context.Context, instanceType string) ([]*model.MetricRecord, error) {
	query := "SELECT record FROM benchmark_runs"
	var args []any
	if instanceType != "" {
		query += " WHERE instance_type = ?"
		args = append(args, instanceType)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []*model.MetricRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec := &model.MetricRecord{}
		if err := json.Unmarshal([]byte(blob), rec); err != nil {
			return nil, fmt.Errorf("decode history row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Sessions lists the distinct session ids in the order they were first stored.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM benchmark_runs GROUP BY session_id ORDER BY MIN(id)")
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
