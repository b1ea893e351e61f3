package flightserv

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/relaymesh/relay/internal/runner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DoGet executes the local task named by a ticket and streams the result
// batches back. Authorization failures and unknown ids share one response to
// prevent UUID enumeration.
func (s *Server) DoGet(req *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := stream.Context()

	id, err := s.extractIdentity(ctx)
	if err != nil {
		return err
	}
	slog.Info("got do_get request",
		"subject", id.SubjectDN, "issuer", id.IssuerDN, "fingerprint", id.Fingerprint)

	var t ticket
	if err := json.Unmarshal(req.Ticket, &t); err != nil {
		return status.Error(codes.InvalidArgument, "Passed Ticket is not valid!")
	}

	noSuchQuery := status.Errorf(codes.InvalidArgument, "No query exists with id %s", t.TaskID)

	taskCtx, err := s.Catalog.GetQueryTask(ctx, t.TaskID)
	if err != nil {
		slog.Error("failed to load query task", "task_id", t.TaskID, "error", err)
		return noSuchQuery
	}
	if taskCtx == nil {
		return noSuchQuery
	}

	originUser := taskCtx.Request.OriginInfo.OriginUser
	if originUser == nil || originUser.X509Sha256 != id.Fingerprint {
		slog.Warn("rejecting do_get for valid uuid from non-originating user",
			"fingerprint", id.Fingerprint, "task_id", t.TaskID)
		return noSuchQuery
	}

	run, err := runner.Connect(taskCtx.Connection, taskCtx.Source)
	if err != nil {
		slog.Error("execution error", "task_id", t.TaskID, "error", err)
		return status.Errorf(codes.Internal,
			"An unexpected error occurred while processing local task %s", t.TaskID)
	}
	batches, err := run.Execute(ctx, taskCtx.Task.Task)
	if err != nil {
		slog.Error("execution error", "task_id", t.TaskID, "error", err)
		return status.Errorf(codes.Internal,
			"An unexpected error occurred while processing local task %s", t.TaskID)
	}
	defer batches.Close()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(batches.Schema()))
	defer writer.Close()

	for {
		rec, err := batches.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := writer.Write(rec); err != nil {
			rec.Release()
			return status.Error(codes.Internal, err.Error())
		}
		rec.Release()
	}
}
