package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "veriforge.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func testContract(address string) *Contract {
	return &Contract{
		Address:      address,
		BytecodeCID:  "bafkreibwwj3fypek5uz6l3scacy47yw3b2adgbxmfab2ybmkarljaggbey",
		Submitter:    "alice",
		License:      "MIT",
		Language:     "golang",
		Dependencies: `[{"name":"assemblyscript","version":"0.27.1"}]`,
	}
}

func TestCreateContract_InsertIfAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xA1")))

	got, err := store.GetContract(ctx, "0xA1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "alice", got.Submitter)

	// Second insert for the same address is rejected regardless of status.
	err = store.CreateContract(ctx, testContract("0xA1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateContract_ConcurrentRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateContract(ctx, testContract("0xRACE"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyExists)
		}
	}
	assert.Equal(t, 1, winners, "exactly one insert must win the race")
}

func TestGetContract_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetContract(context.Background(), "0xMISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeContract_Transitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xA2")))
	require.NoError(t, store.FinalizeContract(ctx, "0xA2", StatusVerified,
		"bafkreicid111", "bafkreicid111", ""))

	got, err := store.GetContract(ctx, "0xA2")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Status)
	assert.Equal(t, "bafkreicid111", got.ComputedCID)
	assert.NotEmpty(t, got.VerifiedAt)

	// Terminal states are never reversed.
	err = store.FinalizeContract(ctx, "0xA2", StatusFailedBuild, "", "", "late failure")
	assert.ErrorIs(t, err, ErrNotPending)

	got, err = store.GetContract(ctx, "0xA2")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Status)
}

func TestFinalizeContract_MismatchKeepsBothCIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xA3")))
	require.NoError(t, store.FinalizeContract(ctx, "0xA3", StatusFailedMismatch,
		"bafkreicid111", "bafkreicid999", "computed CID does not match on-chain CID"))

	got, err := store.GetContract(ctx, "0xA3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedMismatch, got.Status)
	assert.Equal(t, "bafkreicid111", got.BytecodeCID)
	assert.Equal(t, "bafkreicid999", got.ComputedCID)
}

func TestFinalizeContract_RejectsNonTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xA4")))
	err := store.FinalizeContract(ctx, "0xA4", StatusPending, "", "", "")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotPending))
}

func TestFinalizeContract_UnknownAddress(t *testing.T) {
	store := newTestStore(t)

	err := store.FinalizeContract(context.Background(), "0xNONE", StatusVerified, "", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobs_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xB1")))
	job := &Job{ID: "job-1", Address: "0xB1", WorkerID: "worker-a", WorkspaceDir: "/tmp/ws/job-1"}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, got.Outcome)
	assert.Empty(t, got.FinishedAt)

	require.NoError(t, store.FinishJob(ctx, "job-1", StatusVerified, "bafkreicid111", ""))

	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Outcome)
	assert.NotEmpty(t, got.FinishedAt)

	// Finishing twice is rejected; the first outcome stands.
	err = store.FinishJob(ctx, "job-1", StatusFailedBuild, "", "second")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStaleJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xC1")))
	require.NoError(t, store.CreateContract(ctx, testContract("0xC2")))
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "job-stale", Address: "0xC1", WorkerID: "worker-dead"}))
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "job-done", Address: "0xC2", WorkerID: "worker-a"}))
	require.NoError(t, store.FinishJob(ctx, "job-done", StatusVerified, "", ""))

	// Every unfinished job is stale relative to a future cutoff.
	stale, err := store.ListStaleJobs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "job-stale", stale[0].ID)

	// Nothing is stale relative to a cutoff in the past.
	stale, err = store.ListStaleJobs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestHeartbeatJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContract(ctx, testContract("0xD1")))
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "job-hb", Address: "0xD1", WorkerID: "worker-a"}))

	before, err := store.GetJob(ctx, "job-hb")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.HeartbeatJob(ctx, "job-hb"))

	after, err := store.GetJob(ctx, "job-hb")
	require.NoError(t, err)
	assert.NotEqual(t, before.HeartbeatAt, after.HeartbeatAt)
}
