package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Contracts: one row per address, never hard-deleted
	CREATE TABLE IF NOT EXISTS contracts (
		address TEXT PRIMARY KEY,
		bytecode_cid TEXT,
		computed_cid TEXT,
		submitter TEXT,
		status TEXT NOT NULL,
		license TEXT NOT NULL,
		language TEXT NOT NULL,
		dependencies TEXT NOT NULL,
		diagnostics TEXT,
		created_at TEXT NOT NULL,
		verified_at TEXT
	);

	-- Verification jobs: one row per attempt
	CREATE TABLE IF NOT EXISTS verification_jobs (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL REFERENCES contracts(address),
		worker_id TEXT NOT NULL,
		workspace_dir TEXT,
		outcome TEXT,
		computed_cid TEXT,
		diagnostics TEXT,
		started_at TEXT NOT NULL,
		heartbeat_at TEXT NOT NULL,
		finished_at TEXT
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_address ON verification_jobs(address);
	CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON verification_jobs(heartbeat_at) WHERE finished_at IS NULL;
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// CreateContract inserts a pending contract row if no row exists for the
// address. The ON CONFLICT DO NOTHING plus rows-affected check is the
// atomic insert-if-absent that enforces single-flight per address.
func (s *SQLiteStore) CreateContract(ctx context.Context, c *Contract) error {
	query := `
		INSERT INTO contracts (address, bytecode_cid, computed_cid, submitter, status, license, language, dependencies, diagnostics, created_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(address) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		c.Address, c.BytecodeCID, c.Submitter, StatusPending, c.License, c.Language, c.Dependencies, now())
	if err != nil {
		return fmt.Errorf("inserting contract: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert result: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetContract retrieves a contract by address
func (s *SQLiteStore) GetContract(ctx context.Context, address string) (*Contract, error) {
	query := `
		SELECT address, bytecode_cid, computed_cid, submitter, status, license, language, dependencies,
		       COALESCE(diagnostics, ''), created_at, COALESCE(verified_at, '')
		FROM contracts
		WHERE address = ?
	`
	var c Contract
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&c.Address, &c.BytecodeCID, &c.ComputedCID, &c.Submitter, &c.Status, &c.License, &c.Language,
		&c.Dependencies, &c.Diagnostics, &c.CreatedAt, &c.VerifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contract: %w", err)
	}
	return &c, nil
}

// FinalizeContract moves a pending contract to a terminal status. The
// status guard in the WHERE clause keeps terminal states irreversible.
func (s *SQLiteStore) FinalizeContract(ctx context.Context, address, status, bytecodeCID, computedCID, diagnostics string) error {
	if !TerminalStatus(status) {
		return fmt.Errorf("finalize to non-terminal status %q", status)
	}
	query := `
		UPDATE contracts
		SET status = ?, bytecode_cid = ?, computed_cid = ?, diagnostics = ?, verified_at = ?
		WHERE address = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, bytecodeCID, computedCID, diagnostics, now(), address, StatusPending)
	if err != nil {
		return fmt.Errorf("finalizing contract: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking finalize result: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetContract(ctx, address); getErr != nil {
			return getErr
		}
		return ErrNotPending
	}
	return nil
}

// CreateJob records the start of a verification attempt
func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO verification_jobs (id, address, worker_id, workspace_dir, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	ts := now()
	_, err := s.db.ExecContext(ctx, query, j.ID, j.Address, j.WorkerID, j.WorkspaceDir, ts, ts)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `
		SELECT id, address, worker_id, COALESCE(workspace_dir, ''), COALESCE(outcome, ''),
		       COALESCE(computed_cid, ''), COALESCE(diagnostics, ''), started_at, heartbeat_at, COALESCE(finished_at, '')
		FROM verification_jobs
		WHERE id = ?
	`
	var j Job
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.Address, &j.WorkerID, &j.WorkspaceDir, &j.Outcome,
		&j.ComputedCID, &j.Diagnostics, &j.StartedAt, &j.HeartbeatAt, &j.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return &j, nil
}

// HeartbeatJob refreshes the liveness timestamp of a running job
func (s *SQLiteStore) HeartbeatJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE verification_jobs SET heartbeat_at = ? WHERE id = ? AND finished_at IS NULL`, now(), id)
	if err != nil {
		return fmt.Errorf("updating job heartbeat: %w", err)
	}
	return nil
}

// FinishJob records the outcome of a verification attempt
func (s *SQLiteStore) FinishJob(ctx context.Context, id, outcome, computedCID, diagnostics string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_jobs
		SET outcome = ?, computed_cid = ?, diagnostics = ?, finished_at = ?
		WHERE id = ? AND finished_at IS NULL
	`, outcome, computedCID, diagnostics, now(), id)
	if err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking finish result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleJobs returns unfinished jobs with a heartbeat older than cutoff
func (s *SQLiteStore) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	query := `
		SELECT id, address, worker_id, COALESCE(workspace_dir, ''), COALESCE(outcome, ''),
		       COALESCE(computed_cid, ''), COALESCE(diagnostics, ''), started_at, heartbeat_at, COALESCE(finished_at, '')
		FROM verification_jobs
		WHERE finished_at IS NULL AND heartbeat_at < ?
		ORDER BY started_at
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.Address, &j.WorkerID, &j.WorkspaceDir, &j.Outcome,
			&j.ComputedCID, &j.Diagnostics, &j.StartedAt, &j.HeartbeatAt, &j.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning stale job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
