package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/veriforge/internal/cidutil"
	"github.com/pendergraft/veriforge/internal/publisher"
	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/storage"
	"github.com/pendergraft/veriforge/internal/toolchain"
	"github.com/pendergraft/veriforge/internal/worker"
	"github.com/pendergraft/veriforge/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testWasm is a minimal well-formed module: one type section plus one
// custom section that canonicalization strips.
var testWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section
	0x00, 0x05, 0x04, 'n', 'a', 'm', 'e', // custom section
}

var testWasmCanonical = testWasm[:14]

// stubExecutor writes a canned artifact, or fails the way a sandbox can.
type stubExecutor struct {
	artifact []byte
	result   *toolchain.Result
	err      error
}

func (e *stubExecutor) Run(_ context.Context, spec toolchain.Spec) (*toolchain.Result, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.artifact != nil {
		if err := os.WriteFile(filepath.Join(spec.OutDir, "build.wasm"), e.artifact, 0644); err != nil {
			return nil, err
		}
	}
	return e.result, nil
}

// stubChain serves a fixed on-chain CID.
type stubChain struct {
	cid string
	err error
}

func (c *stubChain) BytecodeCID(context.Context, string) (string, error) {
	return c.cid, c.err
}

// captureSink records published outcomes.
type captureSink struct {
	mu     sync.Mutex
	events []publisher.Event
}

func (s *captureSink) Publish(_ context.Context, ev publisher.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) captured() []publisher.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publisher.Event(nil), s.events...)
}

type testEnv struct {
	svc   *service
	store storage.Store
	sink  *captureSink
	root  string
}

func newTestEnv(t *testing.T, exec toolchain.Executor, chain *stubChain) *testEnv {
	t.Helper()
	logger := discardLogger()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	builder := workspace.NewBuilder(root, &workspace.DirResolver{Root: t.TempDir()}, logger)
	driver := toolchain.NewDriver(exec, toolchain.Quotas{
		Timeout:     5 * time.Second,
		MemoryBytes: 256 << 20,
		CPUs:        1,
	}, logger)

	pool := worker.NewPool(4, 16, logger)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	sink := &captureSink{}
	svc := NewService(Deps{
		Store:      store,
		Registry:   registry.Default(),
		Workspaces: builder,
		Compiler:   driver,
		Chain:      chain,
		Sink:       sink,
		Pool:       pool,
		WorkerID:   "worker-test",
		Logger:     logger,
	})
	return &testEnv{svc: svc, store: store, sink: sink, root: root}
}

func testRequest(address string) SubmitRequest {
	return SubmitRequest{
		Address:   address,
		Submitter: "hive:alice",
		License:   "MIT",
		Language:  "golang",
		Bundle:    []workspace.SourceFile{{Name: "main.go", Content: []byte("package main\n")}},
	}
}

func (e *testEnv) waitTerminal(t *testing.T, address string) *ContractStatus {
	t.Helper()
	var st *ContractStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = e.svc.Status(context.Background(), address)
		return err == nil && storage.TerminalStatus(st.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestSubmit_EndToEndVerified(t *testing.T) {
	wantCID, err := cidutil.Compute(testWasmCanonical)
	require.NoError(t, err)

	env := newTestEnv(t,
		&stubExecutor{artifact: testWasm, result: &toolchain.Result{ExitCode: 0}},
		&stubChain{cid: wantCID})

	res, err := env.svc.Submit(context.Background(), testRequest("vsc1match"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, res.Status)
	assert.NotEmpty(t, res.JobID)

	st := env.waitTerminal(t, "vsc1match")
	assert.Equal(t, storage.StatusVerified, st.Status)
	assert.Equal(t, wantCID, st.ComputedCID)
	assert.Equal(t, wantCID, st.BytecodeCID)

	events := env.sink.captured()
	require.Len(t, events, 1)
	assert.Equal(t, storage.StatusVerified, events[0].Status)
	assert.Equal(t, res.JobID, events[0].JobID)

	job, err := env.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusVerified, job.Outcome)
	assert.NotEmpty(t, job.FinishedAt)
}

func TestSubmit_EndToEndMismatch(t *testing.T) {
	env := newTestEnv(t,
		&stubExecutor{artifact: testWasm, result: &toolchain.Result{ExitCode: 0}},
		&stubChain{cid: "bafkreialtogetherdifferentcid"})

	_, err := env.svc.Submit(context.Background(), testRequest("vsc1diff"))
	require.NoError(t, err)

	st := env.waitTerminal(t, "vsc1diff")
	assert.Equal(t, storage.StatusFailedMismatch, st.Status)

	// Both CIDs are retained for audit.
	computed, err := cidutil.Compute(testWasmCanonical)
	require.NoError(t, err)
	assert.Equal(t, computed, st.ComputedCID)
	assert.Equal(t, "bafkreialtogetherdifferentcid", st.BytecodeCID)
	assert.Contains(t, st.Diagnostics, "does not match")
}

func TestSubmit_EndToEndBuildTimeout(t *testing.T) {
	env := newTestEnv(t,
		&stubExecutor{err: context.DeadlineExceeded},
		&stubChain{cid: "bafkreiunused"})

	_, err := env.svc.Submit(context.Background(), testRequest("vsc1slow"))
	require.NoError(t, err)

	st := env.waitTerminal(t, "vsc1slow")
	assert.Equal(t, storage.StatusFailedBuild, st.Status)
	assert.Contains(t, st.Diagnostics, "quota")

	// Workspace torn down on the failure path.
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(env.root)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The lease is released only by reaching a terminal state; a new
	// submission for the address is still rejected.
	_, err = env.svc.Submit(context.Background(), testRequest("vsc1slow"))
	var regErr *AlreadyRegisteredError
	require.ErrorAs(t, err, &regErr)
}

func TestSubmit_BuildFailureKeepsDiagnostics(t *testing.T) {
	env := newTestEnv(t,
		&stubExecutor{result: &toolchain.Result{ExitCode: 1, Output: "contract.go:7: undefined: mint"}},
		&stubChain{cid: "bafkreiunused"})

	_, err := env.svc.Submit(context.Background(), testRequest("vsc1broken"))
	require.NoError(t, err)

	st := env.waitTerminal(t, "vsc1broken")
	assert.Equal(t, storage.StatusFailedBuild, st.Status)
	assert.Contains(t, st.Diagnostics, "undefined: mint")
}

func TestSubmit_IndexerDownFailsClosed(t *testing.T) {
	env := newTestEnv(t,
		&stubExecutor{artifact: testWasm, result: &toolchain.Result{ExitCode: 0}},
		&stubChain{err: errors.New("indexer unreachable")})

	_, err := env.svc.Submit(context.Background(), testRequest("vsc1island"))
	require.NoError(t, err)

	st := env.waitTerminal(t, "vsc1island")
	assert.Equal(t, storage.StatusFailedBuild, st.Status)
	assert.Contains(t, st.Diagnostics, "infrastructure failure")
}

func TestSubmit_DependencyConflictFailsBuild(t *testing.T) {
	env := newTestEnv(t,
		&stubExecutor{artifact: testWasm, result: &toolchain.Result{ExitCode: 0}},
		&stubChain{cid: "bafkreiunused"})

	req := testRequest("vsc1conflict")
	req.Manifest = workspace.Manifest{
		{Name: "sdk", Version: "1.0.0"},
		{Name: "sdk", Version: "2.0.0"},
	}

	_, err := env.svc.Submit(context.Background(), req)
	require.NoError(t, err, "manifest faults are job failures, not rejections")

	st := env.waitTerminal(t, "vsc1conflict")
	assert.Equal(t, storage.StatusFailedBuild, st.Status)
	assert.Contains(t, st.Diagnostics, "conflict")
}

func TestSubmit_RejectsUnsupportedLicense(t *testing.T) {
	env := newTestEnv(t, &stubExecutor{}, &stubChain{})

	req := testRequest("vsc1badlicense")
	req.License = "SSPL-1.0"

	_, err := env.svc.Submit(context.Background(), req)
	var licErr *LicenseUnsupportedError
	require.ErrorAs(t, err, &licErr)
	assert.Equal(t, "SSPL-1.0", licErr.Name)

	// Rejected synchronously: no contract row was created.
	st, err := env.svc.Status(context.Background(), "vsc1badlicense")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st.Status)
}

func TestSubmit_RejectsUnsupportedLanguage(t *testing.T) {
	env := newTestEnv(t, &stubExecutor{}, &stubChain{})

	req := testRequest("vsc1badlang")
	req.Language = "cobol"

	_, err := env.svc.Submit(context.Background(), req)
	var langErr *LanguageUnsupportedError
	require.ErrorAs(t, err, &langErr)
	assert.Equal(t, "cobol", langErr.Name)
}

func TestSubmit_RejectsInvalidAddress(t *testing.T) {
	env := newTestEnv(t, &stubExecutor{}, &stubChain{})

	_, err := env.svc.Submit(context.Background(), testRequest("no spaces allowed"))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSubmit_ConcurrentSameAddressRace(t *testing.T) {
	wantCID, err := cidutil.Compute(testWasmCanonical)
	require.NoError(t, err)

	env := newTestEnv(t,
		&stubExecutor{artifact: testWasm, result: &toolchain.Result{ExitCode: 0}},
		&stubChain{cid: wantCID})

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Submit(context.Background(), testRequest("vsc1contested"))
		}(i)
	}
	wg.Wait()

	var accepted, rejected int
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var regErr *AlreadyRegisteredError
		require.ErrorAs(t, err, &regErr)
		rejected++
	}
	assert.Equal(t, 1, accepted, "exactly one submission wins the insert race")
	assert.Equal(t, racers-1, rejected)

	st := env.waitTerminal(t, "vsc1contested")
	assert.Equal(t, storage.StatusVerified, st.Status)
}

// createJobFailStore makes job bookkeeping fail while contract operations
// keep working.
type createJobFailStore struct {
	storage.Store
	err error
}

func (s *createJobFailStore) CreateJob(context.Context, *storage.Job) error {
	return s.err
}

func TestSubmit_JobRecordFailureReleasesLease(t *testing.T) {
	env := newTestEnv(t, &stubExecutor{}, &stubChain{})
	env.svc.store = &createJobFailStore{Store: env.store, err: errors.New("disk full")}

	_, err := env.svc.Submit(context.Background(), testRequest("vsc1nojobrow"))
	require.Error(t, err)

	// The claimed address must not stay pending: with no job row, the
	// stale-job sweep could never find it.
	st, err := env.svc.Status(context.Background(), "vsc1nojobrow")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailedBuild, st.Status)
	assert.Contains(t, st.Diagnostics, "infrastructure failure")
}

func TestStatus_NotFound(t *testing.T) {
	env := newTestEnv(t, &stubExecutor{}, &stubChain{})

	st, err := env.svc.Status(context.Background(), "vsc1ghost")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st.Status)
}

func TestStatus_ReportsStoredManifest(t *testing.T) {
	wantCID, err := cidutil.Compute(testWasmCanonical)
	require.NoError(t, err)

	env := newTestEnv(t,
		&stubExecutor{artifact: testWasm, result: &toolchain.Result{ExitCode: 0}},
		&stubChain{cid: wantCID})

	req := testRequest("vsc1manifest")
	req.Manifest = workspace.Manifest{
		{Name: "zlib", Version: "1.3.1"},
		{Name: "assemblyscript", Version: "0.27.1"},
	}
	// Pins must resolve for the build to proceed; swap in a mirror that
	// has them.
	env.svc.workspaces = workspace.NewBuilder(env.root, &workspace.DirResolver{Root: seedMirror(t)}, discardLogger())

	_, err = env.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	env.waitTerminal(t, "vsc1manifest")

	st, err := env.svc.Status(context.Background(), "vsc1manifest")
	require.NoError(t, err)
	require.Len(t, st.Dependencies, 2)
	assert.Equal(t, "zlib", st.Dependencies[0].Name, "manifest order survives storage")
	assert.Equal(t, "assemblyscript", st.Dependencies[1].Name)
}

func seedMirror(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, pin := range []struct{ name, version string }{
		{"zlib", "1.3.1"},
		{"assemblyscript", "0.27.1"},
	} {
		dir := filepath.Join(root, pin.name, pin.version)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.ts"), []byte("export {}\n"), 0644))
	}
	return root
}
