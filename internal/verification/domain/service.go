package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pendergraft/veriforge/internal/cidutil"
	"github.com/pendergraft/veriforge/internal/indexer"
	"github.com/pendergraft/veriforge/internal/observability/metrics"
	"github.com/pendergraft/veriforge/internal/publisher"
	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/storage"
	"github.com/pendergraft/veriforge/internal/toolchain"
	"github.com/pendergraft/veriforge/internal/validation"
	"github.com/pendergraft/veriforge/internal/worker"
	"github.com/pendergraft/veriforge/internal/workspace"
)

// Common errors returned by the verification service.
var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidSubmitter = errors.New("invalid submitter")
	ErrBusy             = errors.New("verification backlog full")
)

// Store defines the storage operations needed by the verification domain.
type Store interface {
	storage.ContractStore
	storage.JobStore
}

// Deps carries the collaborators of the verification service.
type Deps struct {
	Store      Store
	Registry   *registry.Snapshot
	Workspaces *workspace.Builder
	Compiler   *toolchain.Driver
	Chain      indexer.Source
	Sink       publisher.Sink
	Pool       *worker.Pool
	WorkerID   string
	Logger     *slog.Logger
}

type service struct {
	store      Store
	registry   *registry.Snapshot
	workspaces *workspace.Builder
	compiler   *toolchain.Driver
	chain      indexer.Source
	sink       publisher.Sink
	pool       *worker.Pool
	workerID   string
	logger     *slog.Logger
}

// NewService creates a new verification service.
func NewService(d Deps) *service {
	return &service{
		store:      d.Store,
		registry:   d.Registry,
		workspaces: d.Workspaces,
		compiler:   d.Compiler,
		chain:      d.Chain,
		sink:       d.Sink,
		pool:       d.Pool,
		workerID:   d.WorkerID,
		logger:     d.Logger,
	}
}

// Submit validates a verification request, claims the address and starts
// the background job. The contract row insert is the single-flight
// primitive: the first submission for an address wins, every later one is
// rejected as already registered.
func (s *service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validation.ValidateAddress(req.Address); err != nil {
		metrics.VerificationRequest("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := validation.ValidateSubmitter(req.Submitter); err != nil {
		metrics.VerificationRequest("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmitter, err)
	}

	exists := true
	if _, err := s.store.GetContract(ctx, req.Address); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("checking existing registration: %w", err)
		}
		exists = false
	}

	lang, err := ValidateRequest(s.registry, req, exists)
	if err != nil {
		metrics.VerificationRequest("rejected")
		return nil, err
	}

	deps, err := json.Marshal(req.Manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding dependency manifest: %w", err)
	}

	err = s.store.CreateContract(ctx, &storage.Contract{
		Address:      req.Address,
		Submitter:    req.Submitter,
		Status:       storage.StatusPending,
		License:      req.License,
		Language:     req.Language,
		Dependencies: string(deps),
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost the insert race to a concurrent submission.
			metrics.VerificationRequest("rejected")
			return nil, &AlreadyRegisteredError{Address: req.Address}
		}
		return nil, fmt.Errorf("registering contract: %w", err)
	}

	jobID := uuid.New().String()
	if err := s.store.CreateJob(ctx, &storage.Job{
		ID:       jobID,
		Address:  req.Address,
		WorkerID: s.workerID,
	}); err != nil {
		// The address is already claimed but no job row exists, so the
		// recovery sweep would never see it. Fail it closed instead of
		// leaving the lease held forever.
		s.finalize(ctx, jobID, req, time.Now(), storage.StatusFailedBuild, "", "",
			"infrastructure failure: recording job: "+err.Error())
		return nil, fmt.Errorf("recording job: %w", err)
	}

	if err := s.pool.Submit(func(jobCtx context.Context) {
		s.runJob(jobCtx, jobID, req, lang)
	}); err != nil {
		// The address is claimed but no worker will pick the job up, so
		// fail it closed rather than leaving the row pending forever.
		s.finalize(ctx, jobID, req, time.Now(), storage.StatusFailedBuild, "", "",
			"infrastructure failure: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	metrics.VerificationRequest("accepted")
	s.logger.Info("verification accepted", "address", req.Address, "job_id", jobID, "language", req.Language)
	return &SubmitResult{Address: req.Address, JobID: jobID, Status: storage.StatusPending}, nil
}

// Status reports the current state of a contract record.
func (s *service) Status(ctx context.Context, address string) (*ContractStatus, error) {
	if err := validation.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	c, err := s.store.GetContract(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ContractStatus{Address: address, Status: StatusNotFound}, nil
		}
		return nil, fmt.Errorf("querying contract: %w", err)
	}

	manifest, err := workspace.ParseManifestJSON([]byte(c.Dependencies))
	if err != nil {
		return nil, fmt.Errorf("decoding stored manifest: %w", err)
	}

	return &ContractStatus{
		Address:      c.Address,
		Status:       c.Status,
		License:      c.License,
		Language:     c.Language,
		BytecodeCID:  c.BytecodeCID,
		ComputedCID:  c.ComputedCID,
		Submitter:    c.Submitter,
		Dependencies: manifest,
		Diagnostics:  c.Diagnostics,
		CreatedAt:    c.CreatedAt,
		VerifiedAt:   c.VerifiedAt,
	}, nil
}

// runJob drives one verification attempt from workspace to terminal
// status. Every exit path finalizes the contract row and destroys the
// workspace; no path leaves the address pending.
func (s *service) runJob(ctx context.Context, jobID string, req SubmitRequest, lang registry.Language) {
	start := time.Now()

	ws, err := s.workspaces.Build(ctx, jobID, req.Bundle, req.Manifest)
	if err != nil {
		s.finalize(ctx, jobID, req, start, storage.StatusFailedBuild, "", "", err.Error())
		return
	}
	defer ws.Destroy()

	if err := s.store.HeartbeatJob(ctx, jobID); err != nil {
		s.logger.Warn("job heartbeat failed", "job_id", jobID, "error", err)
	}

	canonical, err := s.compiler.Compile(ctx, ws, lang)
	if err != nil {
		s.finalize(ctx, jobID, req, start, storage.StatusFailedBuild, "", "", buildDiagnostics(err))
		return
	}

	computedCID, err := cidutil.Compute(canonical)
	if err != nil {
		s.finalize(ctx, jobID, req, start, storage.StatusFailedBuild, "", "",
			"infrastructure failure: computing bytecode CID: "+err.Error())
		return
	}

	if err := s.store.HeartbeatJob(ctx, jobID); err != nil {
		s.logger.Warn("job heartbeat failed", "job_id", jobID, "error", err)
	}

	// Fetched once per job; the on-chain CID is cached on the contract row
	// from here on.
	onChainCID, err := s.chain.BytecodeCID(ctx, req.Address)
	if err != nil {
		s.finalize(ctx, jobID, req, start, storage.StatusFailedBuild, "", computedCID,
			"infrastructure failure: fetching on-chain bytecode CID: "+err.Error())
		return
	}

	if computedCID != onChainCID {
		s.finalize(ctx, jobID, req, start, storage.StatusFailedMismatch, onChainCID, computedCID,
			fmt.Sprintf("computed CID %s does not match on-chain CID %s", computedCID, onChainCID))
		return
	}

	s.finalize(ctx, jobID, req, start, storage.StatusVerified, onChainCID, computedCID, "")
}

// buildDiagnostics renders a compile error as stored diagnostics, keeping
// compiler output intact for audit.
func buildDiagnostics(err error) string {
	var timeout *toolchain.BuildTimeoutError
	if errors.As(err, &timeout) {
		return timeout.Error()
	}
	var failure *toolchain.BuildFailureError
	if errors.As(err, &failure) {
		if failure.Diagnostics != "" {
			return fmt.Sprintf("%s\n%s", failure.Error(), failure.Diagnostics)
		}
		return failure.Error()
	}
	return "infrastructure failure: " + err.Error()
}

// finalize moves the contract to its terminal status, closes the job row
// and publishes the outcome.
func (s *service) finalize(ctx context.Context, jobID string, req SubmitRequest, start time.Time, status, bytecodeCID, computedCID, diagnostics string) {
	if err := s.store.FinalizeContract(ctx, req.Address, status, bytecodeCID, computedCID, diagnostics); err != nil {
		s.logger.Error("finalizing contract failed", "address", req.Address, "status", status, "error", err)
	}
	if err := s.store.FinishJob(ctx, jobID, status, computedCID, diagnostics); err != nil {
		s.logger.Error("finishing job failed", "job_id", jobID, "error", err)
	}

	metrics.JobOutcome(status, req.Language)
	metrics.JobDuration(req.Language, time.Since(start))
	s.logger.Info("verification finished",
		"address", req.Address, "job_id", jobID, "status", status, "duration", time.Since(start).String())

	ev := publisher.Event{
		Address:     req.Address,
		Status:      status,
		JobID:       jobID,
		ComputedCID: computedCID,
		Diagnostics: diagnostics,
		OccurredAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Error("publishing outcome failed", "address", req.Address, "error", err)
	} else {
		metrics.OutcomePublished(status)
	}
}
