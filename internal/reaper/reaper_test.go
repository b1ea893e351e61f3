package reaper

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCatalog returns a Catalog plus its pool, connected to the test
// database. It skips the test when DATABASE_URL is unset, runs migrations,
// and cleans the query tables.
func testCatalog(t *testing.T) (*postgres.Catalog, *pgxpool.Pool) {
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

	// Order matters — FK constraints.
	for _, table := range []string{
		"incoming_flight_streams", "query_task_remote", "query_task", "query_request", "relays",
	} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	return postgres.NewCatalog(pool), pool
}

// seedTask creates a request plus one task in the given status and returns
// the task id.
func seedTask(t *testing.T, c *postgres.Catalog, pool *pgxpool.Pool, status domain.QueryTaskStatus) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	relay, err := c.UpsertRelay(ctx, &domain.Relay{
		Name:           "relay-" + uuid.NewString(),
		RestEndpoint:   "https://relay:8443",
		FlightEndpoint: "https://relay:50051",
		X509Sha256:     "FP-" + uuid.NewString(),
		X509Subject:    "CN=relay",
		X509Issuer:     "CN=mesh-ca",
	})
	require.NoError(t, err)

	request, err := c.CreateQueryRequest(ctx, uuid.New(), relay.ID, uuid.New(),
		"select foo from {tbl}", domain.SubstitutionBlocks{
			InfoSubstitutions:   map[string]domain.InfoSubstitution{},
			SourceSubstitutions: map[string]domain.SourceSubstitution{},
			NumCaptureBraces:    1,
		}, domain.QueryOriginationInfo{})
	require.NoError(t, err)

	// The task table has an FK to data_source; seed a minimal chain.
	var connectionID, sourceID uuid.UUID
	err = pool.QueryRow(ctx, `
		INSERT INTO data_connection (name, connection_options)
		VALUES ($1, '{"trino":{"user":"relay","host":"trino","port":8080}}')
		RETURNING id`, "con-"+uuid.NewString()).Scan(&connectionID)
	require.NoError(t, err)
	err = pool.QueryRow(ctx, `
		INSERT INTO data_source (name, source_sql, data_connection_id, source_options)
		VALUES ($1, 'select * from test', $2, '{"trino":{}}')
		RETURNING id`, "src-"+uuid.NewString(), connectionID).Scan(&sourceID)
	require.NoError(t, err)

	tasks, err := c.CreateQueryTasks(ctx, []domain.QueryTask{{
		QueryRequestID: request.ID,
		DataSourceID:   sourceID,
		Task:           domain.Query{SQL: "select 1"},
		Status:         status,
	}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0].ID
}

// backdate pushes a task's updated_at into the past.
func backdate(t *testing.T, pool *pgxpool.Pool, taskID uuid.UUID, age string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		"UPDATE query_task SET updated_at = now() - $2::interval WHERE id = $1", taskID, age)
	require.NoError(t, err)
}

func taskStatus(t *testing.T, c *postgres.Catalog, taskID uuid.UUID) domain.QueryTaskStatus {
	t.Helper()
	taskCtx, err := c.GetQueryTask(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, taskCtx)
	return taskCtx.Task.Status
}

func TestReapFailsStaleInProgressTasks(t *testing.T) {
	c, pool := testCatalog(t)

	stale := seedTask(t, c, pool, domain.TaskInProgress)
	backdate(t, pool, stale, "2 hours")
	fresh := seedTask(t, c, pool, domain.TaskInProgress)
	queued := seedTask(t, c, pool, domain.TaskQueued)
	backdate(t, pool, queued, "2 hours")
	complete := seedTask(t, c, pool, domain.TaskComplete)
	backdate(t, pool, complete, "2 hours")

	r := New(c, "@every 1h", "")
	r.reap(context.Background())

	// Only the stale InProgress task is reaped; queued and terminal tasks
	// keep their status regardless of age.
	assert.Equal(t, domain.TaskFailed, taskStatus(t, c, stale))
	assert.Equal(t, domain.TaskInProgress, taskStatus(t, c, fresh))
	assert.Equal(t, domain.TaskQueued, taskStatus(t, c, queued))
	assert.Equal(t, domain.TaskComplete, taskStatus(t, c, complete))
}

func TestReapHonorsConfiguredTTL(t *testing.T) {
	c, pool := testCatalog(t)

	task := seedTask(t, c, pool, domain.TaskInProgress)
	backdate(t, pool, task, "10 minutes")

	// Older than a 5 minute TTL but younger than the default hour.
	r := New(c, "@every 1h", "5 minutes")
	r.reap(context.Background())
	assert.Equal(t, domain.TaskFailed, taskStatus(t, c, task))
}

func TestStartReapsOnSchedule(t *testing.T) {
	c, pool := testCatalog(t)

	stale := seedTask(t, c, pool, domain.TaskInProgress)
	backdate(t, pool, stale, "2 hours")

	r := New(c, "@every 100ms", "")
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Eventually(t, func() bool {
		return taskStatus(t, c, stale) == domain.TaskFailed
	}, 5*time.Second, 100*time.Millisecond, "cron tick never reaped the stale task")
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	r := New(nil, "not a cron expression", "")
	assert.Error(t, r.Start(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	r := New(nil, "@every 1h", "")
	// Stop before Start must be a no-op, not a panic.
	r.Stop()
}

func TestDefaultTTLApplied(t *testing.T) {
	r := New(nil, "@every 1h", "")
	assert.Equal(t, DefaultTTL, r.ttl)

	r = New(nil, "@every 1h", "30 minutes")
	assert.Equal(t, "30 minutes", r.ttl)
}
