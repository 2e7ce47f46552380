package journal

import (
	"context"
)

// Diagnostics reports whether the jobs and job_logs tables match what this
// build expects.
type Diagnostics struct {
	Healthy         bool     `json:"healthy"`
	MissingTable    bool     `json:"missing_table,omitempty"`
	MissingLogTable bool     `json:"missing_log_table,omitempty"`
	MissingColumns  []string `json:"missing_columns,omitempty"`
	MissingIndexes  []string `json:"missing_indexes,omitempty"`
	JobCount        int64    `json:"job_count"`
	LogEntryCount   int64    `json:"log_entry_count"`
}

func (j *SQL) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var diag Diagnostics
	columns, err := j.tableColumns(ctx, "jobs")
	if err != nil {
		return diag, err
	}
	if len(columns) == 0 {
		diag.MissingTable = true
		return diag, nil
	}
	for _, name := range []string{"job_id", "seq", "state", "created_at", "updated_at", "record"} {
		if _, ok := columns[name]; !ok {
			diag.MissingColumns = append(diag.MissingColumns, name)
		}
	}
	for _, col := range addedJobColumns {
		if _, ok := columns[col.name]; !ok {
			diag.MissingColumns = append(diag.MissingColumns, col.name)
		}
	}

	indexes, err := j.indexNames(ctx)
	if err != nil {
		return diag, err
	}
	for _, idx := range requiredIndexes {
		if _, ok := indexes[idx.name]; !ok {
			diag.MissingIndexes = append(diag.MissingIndexes, idx.name)
		}
	}

	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&diag.JobCount); err != nil {
		return diag, err
	}

	logColumns, err := j.tableColumns(ctx, "job_logs")
	if err != nil {
		return diag, err
	}
	if len(logColumns) == 0 {
		diag.MissingLogTable = true
	} else if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_logs`).Scan(&diag.LogEntryCount); err != nil {
		return diag, err
	}
	diag.Healthy = !diag.MissingLogTable && len(diag.MissingColumns) == 0 && len(diag.MissingIndexes) == 0
	return diag, nil
}

func (j *SQL) indexNames(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'jobs'`
	if j.driver == DriverPostgres {
		query = `SELECT indexname FROM pg_indexes WHERE tablename = 'jobs'`
	}
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}
