// Copyright 2025 James Ross
// Package jobstore is the durable record of every job's status,
// parameters, and results, per spec.md §4.F.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
)

// Status mirrors spec.md §3's job lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// JobError is the structured failure record attached to a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ArtifactLocator is either a local absolute path (single-node mode) or
// a node-relative path (fleet mode); exactly one of the two is set.
type ArtifactLocator struct {
	LocalPath    string `json:"local_path,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
}

// Job is the full durable record of one request.
type Job struct {
	JobID               string
	BackendCorrelationID string
	Kind                 string
	ClientID             string
	SourceTag            string // "client" | "system"
	TemplateName         string
	Params               map[string]any
	Status               Status
	Progress             float64
	Message              string
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	UpdatedAt            time.Time
	Error                *JobError
	Results              []ArtifactLocator
	AssignedNodeID       string
	Priority             int
}

// ErrNotFound is returned when a job-id has no matching record.
var ErrNotFound = errors.New("jobstore: job not found")

// Store is the Job Store: dual-scope persistence over a SQL backend.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to the configured driver and bootstraps schema.
func Open(cfg config.JobStore) (*Store, error) {
	var driverName string
	switch cfg.Driver {
	case "postgres":
		driverName = "postgres"
	case "sqlite":
		driverName = "sqlite3"
	default:
		return nil, fmt.Errorf("jobstore: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", cfg.Driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("jobstore: ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, postgres: cfg.Driver == "postgres"}
	if err := s.bootstrap(cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rebind rewrites `?` placeholders to postgres's `$N` form; sqlite and
// its driver accept `?` natively, so this is a no-op there.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bootstrap(driver string) error {
	autoIncrement := "SERIAL"
	if driver == "sqlite" {
		autoIncrement = "INTEGER"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs_global (
			seq %s PRIMARY KEY,
			job_id TEXT UNIQUE NOT NULL,
			backend_correlation_id TEXT,
			kind TEXT NOT NULL,
			client_id TEXT NOT NULL,
			source_tag TEXT NOT NULL,
			template_name TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			message TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			error_kind TEXT,
			error_message TEXT,
			error_details TEXT,
			assigned_node_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0
		)`, autoIncrement),
		`CREATE INDEX IF NOT EXISTS idx_jobs_global_status ON jobs_global(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_global_correlation ON jobs_global(backend_correlation_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs_by_client (
			seq %s PRIMARY KEY,
			job_id TEXT UNIQUE NOT NULL,
			client_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, autoIncrement),
		`CREATE INDEX IF NOT EXISTS idx_jobs_by_client_owner ON jobs_by_client(client_id, created_at DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_params (
			seq %s PRIMARY KEY,
			job_id TEXT NOT NULL,
			params_json TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs_global(job_id)
		)`, autoIncrement),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_results (
			seq %s PRIMARY KEY,
			job_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			local_path TEXT,
			node_id TEXT,
			relative_path TEXT,
			FOREIGN KEY(job_id) REFERENCES jobs_global(job_id)
		)`, autoIncrement),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("jobstore: bootstrap schema: %w", err)
		}
	}
	return nil
}

// Create persists a freshly submitted job atomically into both scopes
// plus its parameter side table.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.UpdatedAt = j.CreatedAt
	if j.Status == "" {
		j.Status = StatusQueued
	}

	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("jobstore: marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO jobs_global
		(job_id, backend_correlation_id, kind, client_id, source_tag, template_name, status, progress, message, created_at, updated_at, assigned_node_id, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.JobID, j.BackendCorrelationID, j.Kind, j.ClientID, j.SourceTag, j.TemplateName,
		j.Status, j.Progress, j.Message, j.CreatedAt, j.UpdatedAt, j.AssignedNodeID, j.Priority)
	if err != nil {
		return fmt.Errorf("jobstore: insert global row: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO jobs_by_client
		(job_id, client_id, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		j.JobID, j.ClientID, j.Kind, j.Status, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("jobstore: insert client-scope row: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO job_params (job_id, params_json) VALUES (?, ?)`),
		j.JobID, string(paramsJSON))
	if err != nil {
		return fmt.Errorf("jobstore: insert params: %w", err)
	}

	return tx.Commit()
}

// Patch is the partial record UpdateStatus applies: any nil field is
// left untouched, so callers set only the fields they change.
type Patch struct {
	Status         *Status
	Progress       *float64
	Message        *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          *JobError
	AssignedNodeID *string
	Priority       *int
	BackendCorrelationID *string
}

// UpdateStatus applies a partial update to the global and client-scope
// rows. Parameter values are never touched here.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, p Patch) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"updated_at = ?"}
	args := []any{now}

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *p.Status)
	}
	if p.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *p.Progress)
	}
	if p.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *p.Message)
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *p.StartedAt)
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *p.CompletedAt)
	}
	if p.Error != nil {
		sets = append(sets, "error_kind = ?", "error_message = ?", "error_details = ?")
		args = append(args, p.Error.Kind, p.Error.Message, p.Error.Details)
	}
	if p.AssignedNodeID != nil {
		sets = append(sets, "assigned_node_id = ?")
		args = append(args, *p.AssignedNodeID)
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *p.Priority)
	}
	if p.BackendCorrelationID != nil {
		sets = append(sets, "backend_correlation_id = ?")
		args = append(args, *p.BackendCorrelationID)
	}

	query := "UPDATE jobs_global SET "
	for i, clause := range sets {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE job_id = ?"
	args = append(args, jobID)

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("jobstore: update global row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	clientSets := []string{"updated_at = ?"}
	clientArgs := []any{now}
	if p.Status != nil {
		clientSets = append(clientSets, "status = ?")
		clientArgs = append(clientArgs, *p.Status)
	}
	clientQuery := "UPDATE jobs_by_client SET "
	for i, clause := range clientSets {
		if i > 0 {
			clientQuery += ", "
		}
		clientQuery += clause
	}
	clientQuery += " WHERE job_id = ?"
	clientArgs = append(clientArgs, jobID)

	if _, err := tx.ExecContext(ctx, s.rebind(clientQuery), clientArgs...); err != nil {
		return fmt.Errorf("jobstore: update client-scope row: %w", err)
	}

	return tx.Commit()
}

// ReadByID reads a job preferentially from global-scope, falling back
// to client-scope (which only carries a status summary, not the full
// record — so the fallback path reconstructs what it can).
func (s *Store) ReadByID(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT
		job_id, backend_correlation_id, kind, client_id, source_tag, template_name,
		status, progress, message, created_at, started_at, completed_at, updated_at,
		error_kind, error_message, error_details, assigned_node_id, priority
		FROM jobs_global WHERE job_id = ?`), jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		var cj Job
		cerr := s.db.QueryRowContext(ctx, s.rebind(`SELECT job_id, client_id, kind, status, created_at, updated_at
			FROM jobs_by_client WHERE job_id = ?`), jobID).Scan(&cj.JobID, &cj.ClientID, &cj.Kind, &cj.Status, &cj.CreatedAt, &cj.UpdatedAt)
		if errors.Is(cerr, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if cerr != nil {
			return nil, fmt.Errorf("jobstore: read client-scope job %s: %w", jobID, cerr)
		}
		return &cj, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: read job %s: %w", jobID, err)
	}

	params, err := s.readParams(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j.Params = params

	results, err := s.readResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j.Results = results

	return j, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var backendCorrelation, errKind, errMsg, errDetails, assignedNode sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.JobID, &backendCorrelation, &j.Kind, &j.ClientID, &j.SourceTag, &j.TemplateName,
		&j.Status, &j.Progress, &j.Message, &j.CreatedAt, &startedAt, &completedAt, &j.UpdatedAt,
		&errKind, &errMsg, &errDetails, &assignedNode, &j.Priority)
	if err != nil {
		return nil, err
	}

	j.BackendCorrelationID = backendCorrelation.String
	j.AssignedNodeID = assignedNode.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if errKind.Valid && errKind.String != "" {
		j.Error = &JobError{Kind: errKind.String, Message: errMsg.String, Details: errDetails.String}
	}
	return &j, nil
}

func (s *Store) readParams(ctx context.Context, jobID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT params_json FROM job_params WHERE job_id = ?`), jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: read params for %s: %w", jobID, err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("jobstore: unmarshal params for %s: %w", jobID, err)
	}
	return params, nil
}

func (s *Store) readResults(ctx context.Context, jobID string) ([]ArtifactLocator, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT local_path, node_id, relative_path FROM job_results WHERE job_id = ? ORDER BY position ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: read results for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []ArtifactLocator
	for rows.Next() {
		var a ArtifactLocator
		var local, node, relative sql.NullString
		if err := rows.Scan(&local, &node, &relative); err != nil {
			return nil, fmt.Errorf("jobstore: scan result for %s: %w", jobID, err)
		}
		a.LocalPath = local.String
		a.NodeID = node.String
		a.RelativePath = relative.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttachResults writes the ordered artifact list for a completed job,
// replacing any prior rows.
func (s *Store) AttachResults(ctx context.Context, jobID string, results []ArtifactLocator) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM job_results WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("jobstore: clear results for %s: %w", jobID, err)
	}
	for i, r := range results {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO job_results (job_id, position, local_path, node_id, relative_path) VALUES (?, ?, ?, ?, ?)`),
			jobID, i, r.LocalPath, r.NodeID, r.RelativePath); err != nil {
			return fmt.Errorf("jobstore: insert result for %s: %w", jobID, err)
		}
	}
	return tx.Commit()
}

// ListByOwner lists a client's jobs newest-first.
func (s *Store) ListByOwner(ctx context.Context, clientID string, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT job_id, kind, status, created_at, updated_at
		FROM jobs_by_client WHERE client_id = ? ORDER BY created_at DESC LIMIT ?`), clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list by owner %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.JobID, &j.Kind, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("jobstore: scan client-scope row: %w", err)
		}
		j.ClientID = clientID
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListRunning lists every job currently queued or processing, for
// worker-level reconciliation.
func (s *Store) ListRunning(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT job_id, kind, client_id, status, assigned_node_id, backend_correlation_id
		FROM jobs_global WHERE status IN (?, ?)`), StatusQueued, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list running: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var assignedNode, correlation sql.NullString
		if err := rows.Scan(&j.JobID, &j.Kind, &j.ClientID, &j.Status, &assignedNode, &correlation); err != nil {
			return nil, fmt.Errorf("jobstore: scan running row: %w", err)
		}
		j.AssignedNodeID = assignedNode.String
		j.BackendCorrelationID = correlation.String
		out = append(out, j)
	}
	return out, rows.Err()
}

// Delete removes a job and its side-table rows from both scopes.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM job_results WHERE job_id = ?`,
		`DELETE FROM job_params WHERE job_id = ?`,
		`DELETE FROM jobs_by_client WHERE job_id = ?`,
		`DELETE FROM jobs_global WHERE job_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), jobID); err != nil {
			return fmt.Errorf("jobstore: delete %s: %w", jobID, err)
		}
	}
	return tx.Commit()
}

// Rerun resets a terminal job back to queued, preserving priority and
// parameters, clearing timestamps (except created-at), results, and
// error state.
func (s *Store) Rerun(ctx context.Context, jobID string) error {
	queued := StatusQueued
	var zeroProgress float64
	empty := ""

	if err := s.AttachResults(ctx, jobID, nil); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs_global SET
		status = ?, progress = ?, message = ?, started_at = NULL, completed_at = NULL,
		error_kind = NULL, error_message = NULL, error_details = NULL,
		assigned_node_id = ?, updated_at = ?
		WHERE job_id = ?`), queued, zeroProgress, empty, empty, now, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: rerun %s: %w", jobID, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs_by_client SET status = ?, updated_at = ? WHERE job_id = ?`), queued, now, jobID); err != nil {
		return fmt.Errorf("jobstore: rerun client-scope %s: %w", jobID, err)
	}

	return tx.Commit()
}
