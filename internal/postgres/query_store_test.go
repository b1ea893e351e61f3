package postgres_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyBlocks() domain.SubstitutionBlocks {
	return domain.SubstitutionBlocks{
		InfoSubstitutions:   map[string]domain.InfoSubstitution{},
		SourceSubstitutions: map[string]domain.SourceSubstitution{},
		NumCaptureBraces:    1,
	}
}

func TestCreateQueryRequestDedup(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	relay := seedRelay(t, c, "relay-a")

	originator := uuid.New()
	first, err := c.CreateQueryRequest(ctx, uuid.New(), relay.ID, originator,
		"select foo from {tbl}", emptyBlocks(), domain.QueryOriginationInfo{})
	require.NoError(t, err)

	// Second insert with the same originator id must surface the prior
	// request and create nothing.
	_, err = c.CreateQueryRequest(ctx, uuid.New(), relay.ID, originator,
		"select foo from {tbl}", emptyBlocks(), domain.QueryOriginationInfo{})
	var dup *postgres.DuplicateQueryRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.Existing.ID)

	req, tasks, remoteTasks, err := c.GetQueryRequest(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Zero(t, len(tasks)+len(remoteTasks), "duplicate submission must not create tasks")
}

func TestCheckRequestAlreadyReceivedMatchesBothColumns(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	relay := seedRelay(t, c, "relay-a")

	localID := uuid.New()
	originator := uuid.New()
	_, err := c.CreateQueryRequest(ctx, localID, relay.ID, originator,
		"select 1 from {tbl}", emptyBlocks(), domain.QueryOriginationInfo{})
	require.NoError(t, err)

	byOriginator, err := c.CheckRequestAlreadyReceived(ctx, originator)
	require.NoError(t, err)
	require.NotNil(t, byOriginator)

	byLocal, err := c.CheckRequestAlreadyReceived(ctx, localID)
	require.NoError(t, err)
	require.NotNil(t, byLocal)
	assert.Equal(t, byOriginator.ID, byLocal.ID)

	missing, err := c.CheckRequestAlreadyReceived(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFlightStreamUpsertIsIdempotent(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	relay := seedRelay(t, c, "relay-a")

	req, err := c.CreateQueryRequest(ctx, uuid.New(), relay.ID, uuid.New(),
		"select 1 from {tbl}", emptyBlocks(), domain.QueryOriginationInfo{})
	require.NoError(t, err)

	remote := domain.QueryTaskRemote{
		ID:             uuid.New(),
		QueryRequestID: req.ID,
		RelayID:        relay.ID,
		Task:           domain.RawQueryRequest{SQL: "select 1 from {tbl}", SubstitutionBlocks: emptyBlocks()},
		Status:         domain.RemoteTaskQueued,
	}
	_, err = c.CreateRemoteQueryTasks(ctx, []domain.QueryTaskRemote{remote})
	require.NoError(t, err)

	flightID := uuid.New()
	stream := &domain.FlightStream{
		QueryTaskRemoteID: remote.ID,
		RemoteFingerprint: "FP-peer",
		FlightID:          flightID,
		Status:            domain.FlightStarted,
	}
	require.NoError(t, c.UpsertFlightStream(ctx, stream))

	stream.Status = domain.FlightComplete
	require.NoError(t, c.UpsertFlightStream(ctx, stream))

	streams, err := c.GetAllFlightStreams(ctx, []domain.QueryTaskRemote{remote})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, domain.FlightComplete, streams[0].Status)
}

func TestGetQueryRequestUnknownID(t *testing.T) {
	c := testCatalog(t)

	req, tasks, remoteTasks, err := c.GetQueryRequest(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Empty(t, tasks)
	assert.Empty(t, remoteTasks)
}
