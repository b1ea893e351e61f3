package flightserv

import (
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/runner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DoPut ingests a result stream pushed by a peer for a previously forwarded
// request. The first frame must carry a two-element descriptor path
// [remote_task_id, local_task_id] plus the schema; the stream is persisted as
// the parquet result for the remote flight id.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()

	id, err := s.extractIdentity(ctx)
	if err != nil {
		return err
	}
	slog.Info("got do_put request",
		"subject", id.SubjectDN, "issuer", id.IssuerDN, "fingerprint", id.Fingerprint)

	first, err := stream.Recv()
	if err != nil {
		return status.Error(codes.Internal, "missing first flight data message!")
	}

	remoteTaskID, localTaskID, err := s.verifyFirstPutFrame(stream, first)
	if err != nil {
		return err
	}

	flightRecord := &domain.FlightStream{
		QueryTaskRemoteID: localTaskID,
		RemoteFingerprint: id.Fingerprint,
		FlightID:          remoteTaskID,
		Status:            domain.FlightStarted,
	}
	if err := s.Catalog.UpsertFlightStream(ctx, flightRecord); err != nil {
		return status.Errorf(codes.Internal, "Failed to upsert new flight! Error: %v", err)
	}

	// The sender's record encoder emits its own schema message after the
	// descriptor frame. The record reader consumes that duplicate as its
	// schema and decodes the data frames that follow.
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		flightRecord.Status = domain.FlightInvalid
		_ = s.Catalog.UpsertFlightStream(ctx, flightRecord)
		return status.Error(codes.InvalidArgument, "could not read record stream in do_put")
	}

	batches := runner.NewReaderStream(reader)
	if err := s.Results.WriteTaskResult(ctx, remoteTaskID, batches); err != nil {
		flightRecord.Status = domain.FlightFailed
		_ = s.Catalog.UpsertFlightStream(ctx, flightRecord)
		return status.Errorf(codes.Internal, "Writing stream failed with err %v", err)
	}

	flightRecord.Status = domain.FlightComplete
	if err := s.Catalog.UpsertFlightStream(ctx, flightRecord); err != nil {
		return status.Errorf(codes.Internal, "Failed to update flight status! Error: %v", err)
	}

	return stream.Send(&flight.PutResult{AppMetadata: []byte("success")})
}

// verifyFirstPutFrame validates the descriptor of the first do_put frame and
// ties it to a known remote task.
func (s *Server) verifyFirstPutFrame(stream flight.FlightService_DoPutServer, first *flight.FlightData) (remoteTaskID, localTaskID uuid.UUID, err error) {
	desc := first.FlightDescriptor
	if desc == nil || len(desc.Path) != 2 {
		return uuid.Nil, uuid.Nil, status.Error(codes.InvalidArgument,
			"do_put expects first batch flight_descriptor.path to contain exactly two strings, "+
				"representing the task uuid from the remote relay and the corresponding local task uuid respectively.")
	}

	remoteTaskID, err = uuid.Parse(desc.Path[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, status.Errorf(codes.InvalidArgument,
			"Could not parse task_id as uuid: %s", desc.Path[0])
	}
	localTaskID, err = uuid.Parse(desc.Path[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, status.Errorf(codes.InvalidArgument,
			"Could not parse task_id as uuid: %s", desc.Path[1])
	}

	remoteTask, _, err := s.Catalog.GetRemoteQueryTask(stream.Context(), localTaskID)
	if err != nil || remoteTask == nil {
		return uuid.Nil, uuid.Nil, status.Errorf(codes.Internal,
			"Did not find remote task id %s", localTaskID)
	}
	return remoteTaskID, localTaskID, nil
}
