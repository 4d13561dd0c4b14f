package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
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
// address. Same insert-if-absent guarantee as the SQLite store, backed by
// the primary-key conflict clause.
func (s *PostgresStore) CreateContract(ctx context.Context, c *Contract) error {
	query := `
		INSERT INTO contracts (address, bytecode_cid, computed_cid, submitter, status, license, language, dependencies, diagnostics, created_at)
		VALUES ($1, $2, '', $3, $4, $5, $6, $7, '', $8)
		ON CONFLICT (address) DO NOTHING
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
func (s *PostgresStore) GetContract(ctx context.Context, address string) (*Contract, error) {
	query := `
		SELECT address, bytecode_cid, computed_cid, submitter, status, license, language, dependencies,
		       COALESCE(diagnostics, ''), created_at, COALESCE(verified_at, '')
		FROM contracts
		WHERE address = $1
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

// FinalizeContract moves a pending contract to a terminal status
func (s *PostgresStore) FinalizeContract(ctx context.Context, address, status, bytecodeCID, computedCID, diagnostics string) error {
	if !TerminalStatus(status) {
		return fmt.Errorf("finalize to non-terminal status %q", status)
	}
	query := `
		UPDATE contracts
		SET status = $1, bytecode_cid = $2, computed_cid = $3, diagnostics = $4, verified_at = $5
		WHERE address = $6 AND status = $7
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
func (s *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO verification_jobs (id, address, worker_id, workspace_dir, started_at, heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	ts := now()
	_, err := s.db.ExecContext(ctx, query, j.ID, j.Address, j.WorkerID, j.WorkspaceDir, ts, ts)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `
		SELECT id, address, worker_id, COALESCE(workspace_dir, ''), COALESCE(outcome, ''),
		       COALESCE(computed_cid, ''), COALESCE(diagnostics, ''), started_at, heartbeat_at, COALESCE(finished_at, '')
		FROM verification_jobs
		WHERE id = $1
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
func (s *PostgresStore) HeartbeatJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE verification_jobs SET heartbeat_at = $1 WHERE id = $2 AND finished_at IS NULL`, now(), id)
	if err != nil {
		return fmt.Errorf("updating job heartbeat: %w", err)
	}
	return nil
}

// FinishJob records the outcome of a verification attempt
func (s *PostgresStore) FinishJob(ctx context.Context, id, outcome, computedCID, diagnostics string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_jobs
		SET outcome = $1, computed_cid = $2, diagnostics = $3, finished_at = $4
		WHERE id = $5 AND finished_at IS NULL
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
func (s *PostgresStore) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	query := `
		SELECT id, address, worker_id, COALESCE(workspace_dir, ''), COALESCE(outcome, ''),
		       COALESCE(computed_cid, ''), COALESCE(diagnostics, ''), started_at, heartbeat_at, COALESCE(finished_at, '')
		FROM verification_jobs
		WHERE finished_at IS NULL AND heartbeat_at < $1
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
