package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/postgres"
)

// testCatalog returns a Catalog connected to the test database. It skips the
// test when DATABASE_URL is unset, runs migrations, and cleans all tables.
func testCatalog(t *testing.T) *postgres.Catalog {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return postgres.NewCatalog(pool)
}

// cleanTables truncates all tables. Order matters for FK constraints.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"incoming_flight_streams", "query_task_remote", "query_task", "query_request",
		"relay_source_permission", "user_source_permission", "default_source_permission",
		"remote_info_mapping", "remote_entity_mapping", "field_mappings",
		"data_field", "data_source", "data_connection",
		"information", "entities", "users", "relays",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
}

// seedRelay registers a relay row for FK purposes.
func seedRelay(t *testing.T, c *postgres.Catalog, name string) *domain.Relay {
	t.Helper()
	relay, err := c.UpsertRelay(context.Background(), &domain.Relay{
		Name:           name,
		RestEndpoint:   "https://" + name + ":8443",
		FlightEndpoint: "https://" + name + ":50051",
		X509Sha256:     "FP-" + name + "-" + uuid.NewString(),
		X509Subject:    "CN=" + name,
		X509Issuer:     "CN=mesh-ca",
	})
	if err != nil {
		t.Fatalf("seed relay: %v", err)
	}
	return relay
}
