// Package testutil starts throwaway backing services for integration tests.
// Every helper skips the calling test when Docker is unavailable or -short is set.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 90 * time.Second

func start(t *testing.T, what string) context.Context {
	t.Helper()
	if testing.Short() {
		t.Skipf("%s integration test skipped in short mode", what)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func terminate(t *testing.T, c testcontainers.Container) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.Terminate(ctx)
	})
}

// Postgres returns a pgx-compatible DSN of a fresh database.
func Postgres(t *testing.T) string {
	t.Helper()
	ctx := start(t, "postgres")
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("streamnexus"),
		postgres.WithUsername("streamnexus"),
		postgres.WithPassword("streamnexus"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout)),
	)
	if c != nil {
		terminate(t, c)
	}
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	return dsn
}

// ClickHouse returns the host:port of the native protocol endpoint.
func ClickHouse(t *testing.T) string {
	t.Helper()
	ctx := start(t, "clickhouse")
	c, err := clickhouse.Run(ctx, "clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(startupTimeout)),
	)
	if c != nil {
		terminate(t, c)
	}
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}
	return endpoint(ctx, t, c, "9000/tcp")
}

// Redis returns a redis:// URL for database 0.
func Redis(t *testing.T) string {
	t.Helper()
	ctx := start(t, "redis")
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(startupTimeout),
		},
		Started: true,
	})
	if c != nil {
		terminate(t, c)
	}
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	return "redis://" + endpoint(ctx, t, c, "6379/tcp") + "/0"
}

func endpoint(ctx context.Context, t *testing.T, c testcontainers.Container, port string) string {
	t.Helper()
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("container port %s: %v", port, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}
