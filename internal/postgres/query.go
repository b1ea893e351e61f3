package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/relaymesh/relay/internal/domain"
)

// DuplicateQueryRequestError is returned by CreateQueryRequest when the
// originator request id (or local id) already exists. It carries the prior
// request so callers can acknowledge the duplicate without side effects.
type DuplicateQueryRequestError struct {
	Existing domain.QueryRequest
}

func (e *DuplicateQueryRequestError) Error() string {
	return fmt.Sprintf("query request %s already received as %s",
		e.Existing.OriginatorRequestID, e.Existing.ID)
}

const queryRequestColumns = `id, originator_request_id, sql, substitution_blocks, relay_id, origin_info`

func scanQueryRequest(row pgx.Row) (*domain.QueryRequest, error) {
	var out domain.QueryRequest
	var blocksRaw, originRaw []byte
	err := row.Scan(&out.ID, &out.OriginatorRequestID, &out.SQL, &blocksRaw, &out.RelayID, &originRaw)
	if err != nil {
		return nil, err
	}
	if err := fromJSONB(blocksRaw, &out.SubstitutionBlocks); err != nil {
		return nil, err
	}
	if err := fromJSONB(originRaw, &out.OriginInfo); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateQueryRequest inserts the persisted form of a received request. A
// unique violation means the request was already processed: the existing
// record is fetched and returned inside DuplicateQueryRequestError. The
// unique index is the authoritative dedup mechanism; any fast-path check
// callers perform first is only an optimization.
func (c *Catalog) CreateQueryRequest(
	ctx context.Context,
	localID, relayID, originatorRequestID uuid.UUID,
	sql string,
	blocks domain.SubstitutionBlocks,
	originInfo domain.QueryOriginationInfo,
) (*domain.QueryRequest, error) {
	blocksRaw, err := toJSONB(blocks)
	if err != nil {
		return nil, err
	}
	originRaw, err := toJSONB(originInfo)
	if err != nil {
		return nil, err
	}

	out, err := scanQueryRequest(c.pool.QueryRow(ctx, `
		INSERT INTO query_request (id, originator_request_id, sql, substitution_blocks, relay_id, origin_info)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+queryRequestColumns,
		localID, originatorRequestID, sql, blocksRaw, relayID, originRaw))
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := c.CheckRequestAlreadyReceived(ctx, originatorRequestID)
			if lookupErr != nil {
				return nil, fmt.Errorf("lookup duplicate request: %w", lookupErr)
			}
			if existing != nil {
				return nil, &DuplicateQueryRequestError{Existing: *existing}
			}
		}
		return nil, fmt.Errorf("create query request: %w", err)
	}
	return out, nil
}

// CheckRequestAlreadyReceived finds a prior request matching the originator
// request id on either dedup column, nil if none exists.
func (c *Catalog) CheckRequestAlreadyReceived(ctx context.Context, originatorRequestID uuid.UUID) (*domain.QueryRequest, error) {
	out, err := scanQueryRequest(c.pool.QueryRow(ctx, `
		SELECT `+queryRequestColumns+` FROM query_request
		WHERE originator_request_id = $1 OR id = $1`, originatorRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("check request received: %w", err)
	}
	return out, nil
}

// GetQueryRequest fetches a request with its local and remote tasks. Returns
// nil when the id is unknown.
func (c *Catalog) GetQueryRequest(ctx context.Context, id uuid.UUID) (*domain.QueryRequest, []domain.QueryTask, []domain.QueryTaskRemote, error) {
	request, err := scanQueryRequest(c.pool.QueryRow(ctx,
		`SELECT `+queryRequestColumns+` FROM query_request WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("get query request: %w", err)
	}

	tasks, err := c.tasksForRequest(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	remoteTasks, err := c.remoteTasksForRequest(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return request, tasks, remoteTasks, nil
}

func (c *Catalog) tasksForRequest(ctx context.Context, requestID uuid.UUID) ([]domain.QueryTask, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, query_request_id, data_source_id, task, status
		FROM query_task WHERE query_request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list query tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.QueryTask
	for rows.Next() {
		var t domain.QueryTask
		var taskRaw []byte
		if err := rows.Scan(&t.ID, &t.QueryRequestID, &t.DataSourceID, &taskRaw, &t.Status); err != nil {
			return nil, fmt.Errorf("scan query task: %w", err)
		}
		if err := fromJSONB(taskRaw, &t.Task); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *Catalog) remoteTasksForRequest(ctx context.Context, requestID uuid.UUID) ([]domain.QueryTaskRemote, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, query_request_id, relay_id, task, status
		FROM query_task_remote WHERE query_request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list remote tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.QueryTaskRemote
	for rows.Next() {
		var t domain.QueryTaskRemote
		var taskRaw []byte
		if err := rows.Scan(&t.ID, &t.QueryRequestID, &t.RelayID, &taskRaw, &t.Status); err != nil {
			return nil, fmt.Errorf("scan remote task: %w", err)
		}
		if err := fromJSONB(taskRaw, &t.Task); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateQueryTasks inserts the local task slices for a request.
func (c *Catalog) CreateQueryTasks(ctx context.Context, tasks []domain.QueryTask) ([]domain.QueryTask, error) {
	out := make([]domain.QueryTask, 0, len(tasks))
	for _, t := range tasks {
		taskRaw, err := toJSONB(t.Task)
		if err != nil {
			return nil, err
		}
		var created domain.QueryTask
		var createdRaw []byte
		err = c.pool.QueryRow(ctx, `
			INSERT INTO query_task (query_request_id, data_source_id, task, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, query_request_id, data_source_id, task, status`,
			t.QueryRequestID, t.DataSourceID, taskRaw, t.Status).
			Scan(&created.ID, &created.QueryRequestID, &created.DataSourceID, &createdRaw, &created.Status)
		if err != nil {
			return nil, fmt.Errorf("create query task: %w", err)
		}
		if err := fromJSONB(createdRaw, &created.Task); err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// CreateRemoteQueryTasks inserts the outbound task slices for a request.
// Ids are caller-assigned: the id doubles as the originating task id on the
// outgoing payload.
func (c *Catalog) CreateRemoteQueryTasks(ctx context.Context, tasks []domain.QueryTaskRemote) ([]domain.QueryTaskRemote, error) {
	out := make([]domain.QueryTaskRemote, 0, len(tasks))
	for _, t := range tasks {
		taskRaw, err := toJSONB(t.Task)
		if err != nil {
			return nil, err
		}
		_, err = c.pool.Exec(ctx, `
			INSERT INTO query_task_remote (id, query_request_id, relay_id, task, status)
			VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.QueryRequestID, t.RelayID, taskRaw, t.Status)
		if err != nil {
			return nil, fmt.Errorf("create remote task: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// UpsertFlightStream records an inbound result push, keyed by the remote
// flight id so duplicate pushes collapse into status updates.
func (c *Catalog) UpsertFlightStream(ctx context.Context, f *domain.FlightStream) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO incoming_flight_streams (query_task_remote_id, remote_fingerprint, flight_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (flight_id) DO UPDATE SET status = EXCLUDED.status`,
		f.QueryTaskRemoteID, f.RemoteFingerprint, f.FlightID, f.Status)
	if err != nil {
		return fmt.Errorf("upsert flight stream: %w", err)
	}
	return nil
}

// GetAllFlightStreams returns the inbound streams recorded against the given
// remote tasks.
func (c *Catalog) GetAllFlightStreams(ctx context.Context, remoteTasks []domain.QueryTaskRemote) ([]domain.FlightStream, error) {
	ids := make([]uuid.UUID, len(remoteTasks))
	for i, t := range remoteTasks {
		ids[i] = t.ID
	}

	rows, err := c.pool.Query(ctx, `
		SELECT id, query_task_remote_id, remote_fingerprint, flight_id, status
		FROM incoming_flight_streams WHERE query_task_remote_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list flight streams: %w", err)
	}
	defer rows.Close()

	var out []domain.FlightStream
	for rows.Next() {
		var f domain.FlightStream
		if err := rows.Scan(&f.ID, &f.QueryTaskRemoteID, &f.RemoteFingerprint, &f.FlightID, &f.Status); err != nil {
			return nil, fmt.Errorf("scan flight stream: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TaskContext is the full join needed to execute one local task.
type TaskContext struct {
	Connection domain.DataConnection
	Source     domain.DataSource
	Task       domain.QueryTask
	Request    domain.QueryRequest
	Relay      domain.Relay
}

// GetQueryTask fetches a task along with its source, connection, parent
// request, and the relay the request arrived through.
func (c *Catalog) GetQueryTask(ctx context.Context, id uuid.UUID) (*TaskContext, error) {
	var (
		tc           TaskContext
		conOptsRaw   []byte
		srcOptsRaw   []byte
		taskRaw      []byte
		blocksRaw    []byte
		originRaw    []byte
	)
	err := c.pool.QueryRow(ctx, `
		SELECT
			dc.id, dc.name, dc.connection_options,
			ds.id, ds.name, ds.source_sql, ds.data_connection_id, ds.source_options,
			t.id, t.query_request_id, t.data_source_id, t.task, t.status,
			qr.id, qr.originator_request_id, qr.sql, qr.substitution_blocks, qr.relay_id, qr.origin_info,
			r.id, r.name, r.rest_endpoint, r.flight_endpoint, r.x509_sha256, r.x509_subject, r.x509_issuer
		FROM query_task t
		JOIN data_source ds ON ds.id = t.data_source_id
		JOIN data_connection dc ON dc.id = ds.data_connection_id
		JOIN query_request qr ON qr.id = t.query_request_id
		JOIN relays r ON r.id = qr.relay_id
		WHERE t.id = $1`, id).
		Scan(
			&tc.Connection.ID, &tc.Connection.Name, &conOptsRaw,
			&tc.Source.ID, &tc.Source.Name, &tc.Source.SourceSQL, &tc.Source.DataConnectionID, &srcOptsRaw,
			&tc.Task.ID, &tc.Task.QueryRequestID, &tc.Task.DataSourceID, &taskRaw, &tc.Task.Status,
			&tc.Request.ID, &tc.Request.OriginatorRequestID, &tc.Request.SQL, &blocksRaw, &tc.Request.RelayID, &originRaw,
			&tc.Relay.ID, &tc.Relay.Name, &tc.Relay.RestEndpoint, &tc.Relay.FlightEndpoint,
			&tc.Relay.X509Sha256, &tc.Relay.X509Subject, &tc.Relay.X509Issuer,
		)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get query task: %w", err)
	}
	if err := fromJSONB(conOptsRaw, &tc.Connection.ConnectionOptions); err != nil {
		return nil, err
	}
	if err := fromJSONB(srcOptsRaw, &tc.Source.SourceOptions); err != nil {
		return nil, err
	}
	if err := fromJSONB(taskRaw, &tc.Task.Task); err != nil {
		return nil, err
	}
	if err := fromJSONB(blocksRaw, &tc.Request.SubstitutionBlocks); err != nil {
		return nil, err
	}
	if err := fromJSONB(originRaw, &tc.Request.OriginInfo); err != nil {
		return nil, err
	}
	return &tc, nil
}

// GetRemoteQueryTask fetches an outbound task with the peer relay it targets.
func (c *Catalog) GetRemoteQueryTask(ctx context.Context, id uuid.UUID) (*domain.QueryTaskRemote, *domain.Relay, error) {
	var t domain.QueryTaskRemote
	var relay domain.Relay
	var taskRaw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT
			t.id, t.query_request_id, t.relay_id, t.task, t.status,
			r.id, r.name, r.rest_endpoint, r.flight_endpoint, r.x509_sha256, r.x509_subject, r.x509_issuer
		FROM query_task_remote t
		JOIN relays r ON r.id = t.relay_id
		WHERE t.id = $1`, id).
		Scan(
			&t.ID, &t.QueryRequestID, &t.RelayID, &taskRaw, &t.Status,
			&relay.ID, &relay.Name, &relay.RestEndpoint, &relay.FlightEndpoint,
			&relay.X509Sha256, &relay.X509Subject, &relay.X509Issuer,
		)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get remote task: %w", err)
	}
	if err := fromJSONB(taskRaw, &t.Task); err != nil {
		return nil, nil, err
	}
	return &t, &relay, nil
}

// UpdateTaskStatus transitions a local task. Transitions are idempotent: the
// broker may redeliver messages.
func (c *Catalog) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status domain.QueryTaskStatus) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE query_task SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// UpdateRemoteTaskStatus transitions an outbound task.
func (c *Catalog) UpdateRemoteTaskStatus(ctx context.Context, id uuid.UUID, status domain.QueryTaskRemoteStatus) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE query_task_remote SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update remote task status: %w", err)
	}
	return nil
}

// FailStaleTasks flips InProgress tasks older than ttl to Failed and returns
// how many were reaped.
func (c *Catalog) FailStaleTasks(ctx context.Context, ttl string) (int64, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE query_task SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < now() - $3::interval`,
		domain.TaskFailed, domain.TaskInProgress, ttl)
	if err != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
