package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pendergraft/veriforge/internal/config"
)

// Contract statuses. A contract starts pending and moves to exactly one
// terminal status; terminal statuses are never reversed.
const (
	StatusPending        = "pending"
	StatusVerified       = "verified"
	StatusFailedMismatch = "failed_mismatch"
	StatusFailedBuild    = "failed_build"
)

// TerminalStatus reports whether status is one of the three terminal states.
func TerminalStatus(status string) bool {
	switch status {
	case StatusVerified, StatusFailedMismatch, StatusFailedBuild:
		return true
	}
	return false
}

// Contract is the authoritative per-address verification record. Rows are
// created once at intake and never hard-deleted; only the verification
// state machine updates status, computed CID and diagnostics.
type Contract struct {
	Address      string
	BytecodeCID  string // on-chain CID, fetched once at job start
	ComputedCID  string // CID of the locally built bytecode, set on completion
	Submitter    string
	Status       string
	License      string
	Language     string
	Dependencies string // JSON array of {name, version} pins, manifest order
	Diagnostics  string
	CreatedAt    string
	VerifiedAt   string
}

// Job is one verification attempt for a contract address.
type Job struct {
	ID           string
	Address      string
	WorkerID     string
	WorkspaceDir string
	Outcome      string // empty while running, then a terminal status
	ComputedCID  string
	Diagnostics  string
	StartedAt    string
	HeartbeatAt  string
	FinishedAt   string
}

// ContractStore handles contract record operations.
type ContractStore interface {
	// CreateContract inserts a new pending contract row. The insert is
	// atomic insert-if-absent keyed by address: a row already present for
	// the address (any status) returns ErrAlreadyExists. This is the
	// single-flight primitive for the whole pipeline.
	CreateContract(ctx context.Context, c *Contract) error
	GetContract(ctx context.Context, address string) (*Contract, error)
	// FinalizeContract moves a pending contract to a terminal status.
	// Returns ErrNotPending if the row is not currently pending.
	FinalizeContract(ctx context.Context, address, status, bytecodeCID, computedCID, diagnostics string) error
}

// JobStore handles verification job bookkeeping.
type JobStore interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	HeartbeatJob(ctx context.Context, id string) error
	FinishJob(ctx context.Context, id, outcome, computedCID, diagnostics string) error
	// ListStaleJobs returns unfinished jobs whose heartbeat is older than
	// cutoff. These are jobs whose owning worker is presumed dead; they are
	// surfaced for the operator, never silently cleared.
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]Job, error)
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on actual usage.
type Store interface {
	ContractStore
	JobStore

	Close() error
	Migrate(ctx context.Context) error
}

// New creates a new store based on configuration.
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// now returns the canonical stored timestamp format.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
