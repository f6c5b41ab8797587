//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bissquit/incident-engine/internal/app"
	"github.com/bissquit/incident-engine/internal/config"
	"github.com/bissquit/incident-engine/internal/pkg/postgres"
	"github.com/bissquit/incident-engine/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testApp       *app.App
	redisAddr     string
)

// OpenAPI spec path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

// newTestClient returns a validating client authenticated as subject.
func newTestClient(t *testing.T, subject string, role string) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	return client.As(t, testutil.MintToken(t, subject, roleOf(role)))
}

// newTestClientWithoutValidation is for tests that send malformed requests.
func newTestClientWithoutValidation(t *testing.T, subject string, role string) *testutil.Client {
	t.Helper()
	return testutil.NewClient(testServer.URL).As(t, testutil.MintToken(t, subject, roleOf(role)))
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	redisContainer, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			log.Printf("terminate redis: %v", err)
		}
	}()
	redisAddr = redisContainer.Addr

	if err := postgres.MigrateUp("file://../../migrations", pgContainer.ConnectionString); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Storage.Mode = config.StoragePostgres
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.MaxOpenConns = 10
	cfg.Database.MaxIdleConns = 2
	cfg.Database.ConnectAttempts = 3
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.JWT.SecretKey = testutil.TestJWTSecret
	cfg.JWT.Issuer = testutil.TestJWTIssuer
	cfg.Idempotency.PollInitialDelay = 10 * time.Millisecond
	cfg.Idempotency.PollMaxDelay = 100 * time.Millisecond
	cfg.Idempotency.PollTimeout = 3 * time.Second
	cfg.Audit.Bus = config.BusRedis
	cfg.Audit.Redis.Addr = redisAddr
	cfg.Audit.Topic = "incident-events-it"

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid test config: %v", err)
	}

	testApp, err = app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	// Direct connection for tests that inspect or tamper with rows
	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(testApp.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := testApp.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
