// Package journal persists job records through database/sql so the control
// plane can restore its store after a restart. Each job is kept as one row:
// a few indexed columns for inspection plus the JSON record without its log
// stream. Log entries live in job_logs, one row per entry keyed by position,
// so an append writes only the new lines.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/logstream"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type SQL struct {
	db     *sql.DB
	driver string
}

func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
			db.Close()
			return nil, err
		}
	}
	j := &SQL{db: db, driver: driver}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQL) Close() error {
	return j.db.Close()
}

func (j *SQL) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		record TEXT NOT NULL
	)`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := j.db.ExecContext(ctx, logSchema); err != nil {
		return err
	}
	if err := j.ensureJobColumns(ctx); err != nil {
		return err
	}
	for _, idx := range requiredIndexes {
		if _, err := j.db.ExecContext(ctx, idx.ddl); err != nil {
			return err
		}
	}
	return nil
}

const logSchema = `
	CREATE TABLE IF NOT EXISTS job_logs (
		job_id TEXT NOT NULL,
		pos BIGINT NOT NULL,
		ts BIGINT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		line TEXT NOT NULL,
		PRIMARY KEY (job_id, pos)
	)`

type columnDef struct {
	name string
	ddl  string
}

// Columns added after the first release. Older databases are migrated in
// place on open.
var addedJobColumns = []columnDef{
	{name: "runtime", ddl: "ALTER TABLE jobs ADD COLUMN runtime TEXT NOT NULL DEFAULT ''"},
	{name: "worker_id", ddl: "ALTER TABLE jobs ADD COLUMN worker_id TEXT"},
}

type indexDef struct {
	name string
	ddl  string
}

var requiredIndexes = []indexDef{
	{name: "idx_jobs_state_created_at", ddl: "CREATE INDEX IF NOT EXISTS idx_jobs_state_created_at ON jobs(state, created_at, seq)"},
}

func (j *SQL) ensureJobColumns(ctx context.Context) error {
	columns, err := j.tableColumns(ctx, "jobs")
	if err != nil {
		return err
	}
	for _, col := range addedJobColumns {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := j.db.ExecContext(ctx, col.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQL) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	columns := map[string]struct{}{}
	if j.driver == DriverPostgres {
		rows, err := j.db.QueryContext(ctx, `SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			columns[name] = struct{}{}
		}
		return columns, rows.Err()
	}

	rows, err := j.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = struct{}{}
	}
	return columns, rows.Err()
}

// Save upserts the record and stores job.Logs[logsFrom:] at positions
// logsFrom onward, replacing any stored entries at or past logsFrom. Both
// writes share one transaction.
func (j *SQL) Save(ctx context.Context, job xibalba.Job, logsFrom int) error {
	if logsFrom < 0 || logsFrom > len(job.Logs) {
		return fmt.Errorf("log offset %d out of range for %d entries", logsFrom, len(job.Logs))
	}
	entries := job.Logs[logsFrom:]
	job.Logs = nil
	record, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var workerID sql.NullString
	if job.WorkerID != "" {
		workerID = sql.NullString{String: job.WorkerID, Valid: true}
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, j.rebind(`
		INSERT INTO jobs (job_id, seq, state, runtime, worker_id, created_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			seq = excluded.seq,
			state = excluded.state,
			runtime = excluded.runtime,
			worker_id = excluded.worker_id,
			updated_at = excluded.updated_at,
			record = excluded.record`),
		job.JobID,
		job.Seq,
		string(job.State),
		job.Runtime,
		workerID,
		job.CreatedAt.UnixNano(),
		time.Now().UnixNano(),
		string(record),
	)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, j.rebind(`DELETE FROM job_logs WHERE job_id = ? AND pos >= ?`), job.JobID, logsFrom); err != nil {
		return err
	}
	if err := j.insertLogs(ctx, tx, job.JobID, logsFrom, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendLogs stores entries at positions from onward without touching the
// job record.
func (j *SQL) AppendLogs(ctx context.Context, jobID string, from int, entries []logstream.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := j.insertLogs(ctx, tx, jobID, from, entries); err != nil {
		return err
	}
	return tx.Commit()
}

func (j *SQL) insertLogs(ctx context.Context, tx *sql.Tx, jobID string, from int, entries []logstream.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, j.rebind(`INSERT INTO job_logs (job_id, pos, ts, worker_id, line) VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, jobID, from+i, e.Timestamp.UnixNano(), e.WorkerID, e.Line); err != nil {
			return fmt.Errorf("insert log %d for job %s: %w", from+i, jobID, err)
		}
	}
	return nil
}

// LoadAll returns every stored job in insertion order with its log stream.
// Records written before job_logs existed carry their stream inline; those
// streams are moved into job_logs on load.
func (j *SQL) LoadAll(ctx context.Context) ([]xibalba.Job, error) {
	jobs, err := j.loadRecords(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := j.loadLogs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if stream, ok := logs[jobs[i].JobID]; ok {
			jobs[i].Logs = stream
			continue
		}
		if len(jobs[i].Logs) > 0 {
			if err := j.Save(ctx, jobs[i], 0); err != nil {
				return nil, fmt.Errorf("move logs of job %s: %w", jobs[i].JobID, err)
			}
		}
	}
	return jobs, nil
}

func (j *SQL) loadRecords(ctx context.Context) ([]xibalba.Job, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT job_id, record FROM jobs ORDER BY seq ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xibalba.Job
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		var job xibalba.Job
		if err := json.Unmarshal([]byte(record), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		if !job.State.Valid() {
			return nil, fmt.Errorf("decode job %s: unknown state %q", id, job.State)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (j *SQL) loadLogs(ctx context.Context) (map[string]logstream.Stream, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT job_id, ts, worker_id, line FROM job_logs ORDER BY job_id, pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]logstream.Stream{}
	for rows.Next() {
		var (
			jobID string
			ts    int64
			e     logstream.Entry
		)
		if err := rows.Scan(&jobID, &ts, &e.WorkerID, &e.Line); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out[jobID] = append(out[jobID], e)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $n for postgres.
func (j *SQL) rebind(query string) string {
	if j.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
