//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pendergraft/veriforge/internal/config"
	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/server"
	"github.com/pendergraft/veriforge/internal/storage"
	"github.com/pendergraft/veriforge/pkg/client"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	TestServer        *httptest.Server
	IndexerStub       *httptest.Server
	Store             storage.Store

	mu          sync.Mutex
	indexerCIDs map[string]string
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("veriforge"),
		postgres.WithUsername("veriforge"),
		postgres.WithPassword("veriforge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return postgresContainer, connString, nil
}

// setupServerE wires the full server against the container database and a
// stubbed chain indexer.
func setupServerE(ctx context.Context, tc *TestContext) error {
	tc.indexerCIDs = make(map[string]string)
	tc.IndexerStub = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Path shape: /api/v1/contracts/{address}/bytecode-cid
		address := strings.TrimPrefix(r.URL.Path, "/api/v1/contracts/")
		address = strings.TrimSuffix(address, "/bytecode-cid")
		tc.mu.Lock()
		cid, ok := tc.indexerCIDs[address]
		tc.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"cid": cid})
	}))

	workDir, err := os.MkdirTemp("", "veriforge-e2e-work-*")
	if err != nil {
		return err
	}
	depsDir, err := os.MkdirTemp("", "veriforge-e2e-deps-*")
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Server: config.ServerConfig{MaxBodyMB: 10},
		Storage: config.StorageConfig{
			Type:     "postgres",
			Postgres: config.PostgresConfig{URL: tc.ConnString},
		},
		Compiler: config.CompilerConfig{
			WorkDir:        workDir,
			DepsDir:        depsDir,
			TimeoutSeconds: 120,
			MemoryBytes:    1 << 30,
			CPUs:           1,
			Workers:        2,
		},
		Indexer:   config.IndexerConfig{URL: tc.IndexerStub.URL, TimeoutSeconds: 5, Retries: 1},
		RateLimit: config.RateLimitConfig{Enabled: false},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tc.Store, err = storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	if err := tc.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	srv := server.New(cfg, tc.Store, registry.Default(), logger)
	tc.TestServer = httptest.NewServer(srv.Handler())
	return nil
}

// setIndexerCID registers the on-chain CID the stub indexer reports for
// an address.
func setIndexerCID(address, cid string) {
	testCtx.mu.Lock()
	defer testCtx.mu.Unlock()
	testCtx.indexerCIDs[address] = cid
}

// newClient returns an API client against the test server.
func newClient() *client.Client {
	return client.New(testCtx.TestServer.URL)
}

// waitTerminal polls the contract record until it leaves pending.
func waitTerminal(t *testing.T, c *client.Client, address string) *client.Contract {
	t.Helper()
	var record *client.Contract
	require.Eventually(t, func() bool {
		var err error
		record, err = c.Contract(context.Background(), address)
		return err == nil && record.Status != "pending" && record.Status != "not_found"
	}, 3*time.Minute, 500*time.Millisecond, "contract %s never reached a terminal status", address)
	return record
}

// assertAPIError asserts err is an API error with the given code.
func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := err.(*client.APIError)
	require.True(t, ok, "expected APIError, got %T: %v", err, err)
	require.Equal(t, code, apiErr.Code)
}
