package api

import (
	"testing"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCountTaskStatus(t *testing.T) {
	tasks := []domain.QueryTask{
		{ID: uuid.New(), Status: domain.TaskComplete},
		{ID: uuid.New(), Status: domain.TaskFailed},
		{ID: uuid.New(), Status: domain.TaskQueued},
		{ID: uuid.New(), Status: domain.TaskInProgress},
	}
	flights := []domain.FlightStream{
		{ID: uuid.New(), Status: domain.FlightComplete},
		{ID: uuid.New(), Status: domain.FlightStarted},
		{ID: uuid.New(), Status: domain.FlightFailed},
		{ID: uuid.New(), Status: domain.FlightInvalid},
	}

	complete, failed, inProgress := countTaskStatus(tasks, flights)
	assert.Equal(t, 2, complete)
	assert.Equal(t, 2, failed)
	// Queued and InProgress local tasks plus the started flight stream;
	// invalid streams are not counted.
	assert.Equal(t, 3, inProgress)
}
