// Package worker consumes task messages from the work queue and executes
// them: local tasks run against their data source and either persist a
// parquet result or push it to the originating relay; remote tasks are
// submitted to the peer's REST surface.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/messaging"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/results"
	"github.com/relaymesh/relay/internal/runner"
	"golang.org/x/sync/errgroup"
)

// maxConnectionErrors is how many consecutive broker/catalog failures a
// worker tolerates before giving up.
const maxConnectionErrors = 5

// Worker drives task execution for one subscription.
type Worker struct {
	Catalog *postgres.Catalog
	Queue   *messaging.Queue
	Results *results.Manager
	// HTTPClient carries the relay's mTLS identity for submitting remote
	// tasks to peer REST endpoints.
	HTTPClient *http.Client
}

// PoolSize computes the worker count: max(1, parallelism / minPerWorker).
func PoolSize(minPerWorker int) int {
	if minPerWorker < 1 {
		minPerWorker = 1
	}
	n := runtime.NumCPU() / minPerWorker
	if n < 1 {
		n = 1
	}
	return n
}

// RunPool runs n workers until the context is cancelled or a worker exhausts
// its error budget.
func RunPool(ctx context.Context, w *Worker, n int) error {
	slog.Info("starting query worker pool", "workers", n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// Run consumes and processes messages one by one. Connection-level failures
// back off exponentially; per-task failures flip the task to Failed and ack
// the message so it is not redelivered forever.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.Queue.Messages(ctx)
	if err != nil {
		return err
	}

	connectionErrors := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return relayerr.New(relayerr.Messaging, "task queue channel has been closed!")
			}
			if err := w.process(ctx, msg); err != nil {
				connectionErrors++
				slog.Error("got connection error", "error", err, "consecutive", connectionErrors)
				if connectionErrors > maxConnectionErrors {
					return fmt.Errorf("got more than %d connection errors, worker shutting down: %w",
						maxConnectionErrors, err)
				}
				backoff := time.Duration(1<<connectionErrors) * time.Second
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			connectionErrors = 0
		}
	}
}

// process handles a single delivery. The returned error is reserved for
// connection-level failures: anything task-scoped is absorbed here with the
// message acked.
func (w *Worker) process(ctx context.Context, msg *message.Message) error {
	task, err := messaging.Decode(msg)
	if err != nil {
		slog.Error("invalid message, deleting", "message_uuid", msg.UUID, "error", err)
		msg.Ack()
		return nil
	}

	switch task.Kind {
	case messaging.KindLocalTask:
		err = w.processLocalTask(ctx, task)
	case messaging.KindRemoteTask:
		err = w.processRemoteTask(ctx, task)
	}
	if err != nil {
		if relayerr.Is(err, relayerr.DbError) || relayerr.Is(err, relayerr.Messaging) {
			msg.Nack()
			return err
		}
		// Task-level failure: already recorded as Failed, drop the message.
		slog.Error("task failed", "task_id", task.ID, "error", err)
		msg.Ack()
		return nil
	}

	msg.Ack()
	return nil
}

// processLocalTask executes one local query task. Locally originated results
// are written as parquet for later retrieval; remotely originated results
// are pushed straight to the originator's flight endpoint.
func (w *Worker) processLocalTask(ctx context.Context, task messaging.TaskMessage) error {
	taskCtx, err := w.Catalog.GetQueryTask(ctx, task.ID)
	if err != nil {
		return relayerr.Wrap(relayerr.DbError, "", err)
	}
	if taskCtx == nil {
		slog.Warn("task message references unknown task, dropping", "task_id", task.ID)
		return nil
	}
	if taskCtx.Task.Status != domain.TaskQueued {
		// Redelivery of an already claimed task; status transitions are
		// idempotent so there is nothing to do.
		return nil
	}

	if err := w.Catalog.UpdateTaskStatus(ctx, task.ID, domain.TaskInProgress); err != nil {
		return relayerr.Wrap(relayerr.DbError, "", err)
	}

	failTask := func(cause error) error {
		if err := w.Catalog.UpdateTaskStatus(ctx, task.ID, domain.TaskFailed); err != nil {
			slog.Error("failed to mark task as failed", "task_id", task.ID, "error", err)
		}
		return cause
	}

	run, err := runner.Connect(taskCtx.Connection, taskCtx.Source)
	if err != nil {
		return failTask(err)
	}
	batches, err := run.Execute(ctx, taskCtx.Task.Task)
	if err != nil {
		return failTask(err)
	}
	defer batches.Close()

	origin := taskCtx.Request.OriginInfo
	switch {
	case origin.OriginRelay == nil && origin.OriginTaskID == nil:
		err = w.Results.WriteTaskResult(ctx, task.ID, batches)
	case origin.OriginRelay != nil && origin.OriginTaskID != nil:
		err = w.Results.PushResultFlight(ctx, task.ID, *origin.OriginTaskID, batches, origin.OriginRelay)
	default:
		err = relayerr.New(relayerr.BadMessage,
			"only one of origin_relay or origin_task_id was set. Either both or neither should be set!")
	}
	if err != nil {
		return failTask(err)
	}

	if err := w.Catalog.UpdateTaskStatus(ctx, task.ID, domain.TaskComplete); err != nil {
		return relayerr.Wrap(relayerr.DbError, "", err)
	}
	return nil
}

// processRemoteTask submits a rewritten request to the peer's REST surface.
func (w *Worker) processRemoteTask(ctx context.Context, task messaging.TaskMessage) error {
	remoteTask, relay, err := w.Catalog.GetRemoteQueryTask(ctx, task.ID)
	if err != nil {
		return relayerr.Wrap(relayerr.DbError, "", err)
	}
	if remoteTask == nil {
		slog.Warn("remote task message references unknown task, dropping", "task_id", task.ID)
		return nil
	}

	payload, err := json.Marshal(remoteTask.Task)
	if err != nil {
		return relayerr.Wrap(relayerr.SerDe, "encode remote request", err)
	}

	slog.Info("submitting remote task", "task_id", task.ID, "relay", relay.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		relay.RestEndpoint+"/query", bytes.NewReader(payload))
	if err != nil {
		return relayerr.Wrap(relayerr.Internal, "build remote request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		if uerr := w.Catalog.UpdateRemoteTaskStatus(ctx, task.ID, domain.RemoteTaskFailed); uerr != nil {
			slog.Error("failed to mark remote task as failed", "task_id", task.ID, "error", uerr)
		}
		return relayerr.Wrap(relayerr.RemoteError, "submit to peer "+relay.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	slog.Info("response from remote", "relay", relay.Name, "status", resp.StatusCode, "body", string(body))

	if resp.StatusCode >= 400 {
		if uerr := w.Catalog.UpdateRemoteTaskStatus(ctx, task.ID, domain.RemoteTaskFailed); uerr != nil {
			slog.Error("failed to mark remote task as failed", "task_id", task.ID, "error", uerr)
		}
		return relayerr.Newf(relayerr.RemoteError, "peer %s rejected request with status %d", relay.Name, resp.StatusCode)
	}

	if err := w.Catalog.UpdateRemoteTaskStatus(ctx, task.ID, domain.RemoteTaskSubmitted); err != nil {
		return relayerr.Wrap(relayerr.DbError, "", err)
	}
	return nil
}
