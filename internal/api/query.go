package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/domain"
)

// SubmitQueryResponse is the body returned by POST /query.
type SubmitQueryResponse struct {
	ID uuid.UUID `json:"id"`
}

// QueryStatus reports aggregate task progress for one request.
type QueryStatus struct {
	RequestID  uuid.UUID `json:"request_id"`
	Message    string    `json:"message"`
	Complete   int       `json:"complete"`
	Failed     int       `json:"failed"`
	InProgress int       `json:"in_progress"`
}

// handleSubmitQuery accepts a RawQueryRequest, creates catalog state, and
// dispatches work to the queue. Duplicate submissions return the prior id.
func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		errorJSON(w, http.StatusUnauthorized, "no authenticated identity")
		return
	}
	slog.Info("got new query request",
		"subject", id.SubjectDN, "issuer", id.IssuerDN, "fingerprint", id.Fingerprint)

	var raw domain.RawQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		errorJSON(w, http.StatusBadRequest, "request body is not a valid RawQueryRequest")
		return
	}

	origin, err := s.Engine.VerifyOrigination(r.Context(), &raw, id)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	result, err := s.Engine.ProcessRequest(r.Context(), &raw, origin)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	if err := s.Engine.Dispatch(r.Context(), result); err != nil {
		writeRelayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitQueryResponse{ID: result.Request.ID})
}

// countTaskStatus folds local task and flight-stream states into aggregate
// counts. Invalid flight streams are logged, not counted.
func countTaskStatus(tasks []domain.QueryTask, flights []domain.FlightStream) (complete, failed, inProgress int) {
	for _, task := range tasks {
		switch task.Status {
		case domain.TaskComplete:
			complete++
		case domain.TaskFailed:
			failed++
		default:
			inProgress++
		}
	}
	for _, flight := range flights {
		switch flight.Status {
		case domain.FlightComplete:
			complete++
		case domain.FlightFailed:
			failed++
		case domain.FlightStarted:
			inProgress++
		case domain.FlightInvalid:
			slog.Warn("flight stream is logged as invalid",
				"flight_id", flight.FlightID, "remote_task_id", flight.QueryTaskRemoteID)
		}
	}
	return complete, failed, inProgress
}

func boolQueryParam(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// handleGetQueryResults returns either a status object or an NDJSON stream of
// all local and remote result records. Authorization failures and unknown ids
// intentionally share one response to prevent UUID enumeration.
func (s *Server) handleGetQueryResults(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		errorJSON(w, http.StatusUnauthorized, "no authenticated identity")
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "request id is not a valid uuid")
		return
	}

	allowPartial := boolQueryParam(r, "allow_partial")
	statusOnly := boolQueryParam(r, "status_only")

	noSuchQuery := func() {
		errorJSON(w, http.StatusBadRequest, "No query exists with id "+requestID.String())
	}

	request, tasks, remoteTasks, err := s.Catalog.GetQueryRequest(r.Context(), requestID)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	if request == nil {
		noSuchQuery()
		return
	}

	// The retrieving user must be the origin user; denial is masked as an
	// unknown id.
	if request.OriginInfo.OriginUser == nil ||
		request.OriginInfo.OriginUser.X509Sha256 != id.Fingerprint {
		noSuchQuery()
		return
	}

	flights, err := s.Catalog.GetAllFlightStreams(r.Context(), remoteTasks)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	complete, failed, inProgress := countTaskStatus(tasks, flights)

	switch {
	case !allowPartial && failed > 0:
		writeJSON(w, http.StatusOK, QueryStatus{
			RequestID: requestID,
			Message: "Some tasks have failed for " + requestID.String() +
				"! Pass allow_partial=true for partial results or try query again.",
			Complete: complete, Failed: failed, InProgress: inProgress,
		})
		return
	case !allowPartial && inProgress > 0:
		writeJSON(w, http.StatusOK, QueryStatus{
			RequestID: requestID,
			Message: "Some tasks are still in progress for " + requestID.String() +
				"! Pass allow_partial=true for partial results or try to retrieve again later.",
			Complete: complete, Failed: failed, InProgress: inProgress,
		})
		return
	case statusOnly:
		writeJSON(w, http.StatusOK, QueryStatus{
			RequestID: requestID,
			Message:   "Pass status_only=false to collect result when complete.",
			Complete:  complete, Failed: failed, InProgress: inProgress,
		})
		return
	}

	s.streamAllTaskResults(w, r, tasks, flights)
}

// relayMetadata tags every streamed record with its provenance.
type relayMetadata struct {
	SourceRelay string `json:"_source_relay_"`
	SourceID    string `json:"_source_id_"`
}

// streamAllTaskResults writes all complete local and remote results as one
// NDJSON stream, interleaved in iteration order, each record carrying
// _relay_metadata_.
func (s *Server) streamAllTaskResults(
	w http.ResponseWriter,
	r *http.Request,
	tasks []domain.QueryTask,
	flights []domain.FlightStream,
) {
	localRelay, err := s.Catalog.GetRelayByFingerprint(r.Context(), s.LocalFingerprint)
	if err != nil || localRelay == nil {
		writeRelayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	emit := func(taskID uuid.UUID, meta relayMetadata) {
		stream, err := s.Results.ReadTaskResult(r.Context(), taskID)
		if err != nil {
			slog.Error("failed to open task result", "task_id", taskID, "error", err)
			return
		}
		defer stream.Close()

		for {
			rec, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				slog.Error("result stream failed mid-flight", "task_id", taskID, "error", err)
				return
			}
			for _, row := range arrowutil.RecordToRows(rec) {
				row["_relay_metadata_"] = meta
				if err := enc.Encode(row); err != nil {
					rec.Release()
					return
				}
			}
			rec.Release()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	for _, task := range tasks {
		if task.Status != domain.TaskComplete {
			continue
		}
		emit(task.ID, relayMetadata{
			SourceRelay: localRelay.ID.String(),
			SourceID:    task.DataSourceID.String(),
		})
	}

	for _, flight := range flights {
		if flight.Status != domain.FlightComplete {
			continue
		}
		emit(flight.FlightID, relayMetadata{
			SourceRelay: flight.RemoteFingerprint,
			SourceID:    flight.FlightID.String(),
		})
	}
}
