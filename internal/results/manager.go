// Package results persists and transports query results. Local results are
// written as parquet objects for the asynchronous retrieval path; results for
// remotely originated requests are pushed back to the originator's flight
// endpoint as an Arrow batch stream.
package results

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/objstore"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/runner"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// parquetWriteBufferSize is the in-memory buffer between the parquet encoder
// and the object store upload.
const parquetWriteBufferSize = 10 << 20 // 10 MiB

// TaskResultKey is the object key holding a task's parquet result.
func TaskResultKey(taskID uuid.UUID) string {
	return fmt.Sprintf("task_%s/result.parquet", taskID)
}

// Manager stores and retrieves task results and pushes result streams to
// originating relays.
type Manager struct {
	store objstore.Store
	// clientTLS is the relay's client identity used when dialing peer flight
	// endpoints.
	clientTLS *tls.Config
}

// NewManager builds a result manager over the configured object store.
func NewManager(store objstore.Store, clientTLS *tls.Config) *Manager {
	return &Manager{store: store, clientTLS: clientTLS}
}

// WriteTaskResult drains a batch stream into a single parquet object at
// task_<uuid>/result.parquet. Any parquet or IO failure surfaces as Internal.
func (m *Manager) WriteTaskResult(ctx context.Context, taskID uuid.UUID, stream runner.BatchStream) error {
	pr, pw := io.Pipe()

	writeErr := make(chan error, 1)
	go func() {
		buf := bufio.NewWriterSize(pw, parquetWriteBufferSize)

		writer, err := pqarrow.NewFileWriter(stream.Schema(), buf,
			parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
		if err != nil {
			pw.CloseWithError(err)
			writeErr <- relayerr.Wrap(relayerr.Internal, "parquet serialization error in task serialization!", err)
			return
		}

		for {
			rec, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				writer.Close()
				pw.CloseWithError(err)
				writeErr <- relayerr.Wrap(relayerr.Internal, "reading result stream", err)
				return
			}
			if err := writer.Write(rec); err != nil {
				rec.Release()
				writer.Close()
				pw.CloseWithError(err)
				writeErr <- relayerr.Wrap(relayerr.Internal, "parquet serialization error in task serialization!", err)
				return
			}
			rec.Release()
		}

		if err := writer.Close(); err != nil {
			pw.CloseWithError(err)
			writeErr <- relayerr.Wrap(relayerr.Internal, "parquet serialization error in task serialization!", err)
			return
		}
		if err := buf.Flush(); err != nil {
			pw.CloseWithError(err)
			writeErr <- relayerr.Wrap(relayerr.Internal, "flush parquet buffer", err)
			return
		}
		pw.Close()
		writeErr <- nil
	}()

	if _, err := m.store.Put(ctx, TaskResultKey(taskID), pr); err != nil {
		pr.CloseWithError(err)
		<-writeErr
		return relayerr.Wrap(relayerr.Internal, "store task result", err)
	}
	return <-writeErr
}

// ReadTaskResult opens a stored parquet result as a batch stream.
func (m *Manager) ReadTaskResult(ctx context.Context, taskID uuid.UUID) (runner.BatchStream, error) {
	obj, err := m.store.Get(ctx, TaskResultKey(taskID))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Internal, "open task result", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Internal, "read task result", err)
	}

	parquetReader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Internal, "open parquet result", err)
	}

	arrowReader, err := pqarrow.NewFileReader(parquetReader,
		pqarrow.ArrowReadProperties{BatchSize: 64 * 1024}, memory.DefaultAllocator)
	if err != nil {
		parquetReader.Close()
		return nil, relayerr.Wrap(relayerr.Internal, "open parquet arrow reader", err)
	}

	recordReader, err := arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		parquetReader.Close()
		return nil, relayerr.Wrap(relayerr.Internal, "read parquet records", err)
	}

	return runner.NewReaderStream(recordReader, parquetReader.Close), nil
}

// PushResultFlight streams batches to the originating relay's flight endpoint
// via do_put. The first frame carries the schema and a two-element descriptor
// path [local_task_id, origin_task_id]; data frames follow. Put responses are
// read and discarded until stream end.
func (m *Manager) PushResultFlight(
	ctx context.Context,
	localTaskID, originTaskID uuid.UUID,
	stream runner.BatchStream,
	relay *domain.Relay,
) error {
	client, err := flight.NewClientWithMiddleware(relay.FlightEndpoint, nil, nil,
		grpc.WithTransportCredentials(credentials.NewTLS(m.clientTLS)))
	if err != nil {
		return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
	}
	defer client.Close()

	putStream, err := client.DoPut(ctx)
	if err != nil {
		return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
	}

	// First frame: schema plus the descriptor tying this push to the
	// originator's remote task.
	first := &flight.FlightData{
		FlightDescriptor: &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{localTaskID.String(), originTaskID.String()},
		},
		DataHeader: flight.SerializeSchema(stream.Schema(), memory.DefaultAllocator),
	}
	if err := putStream.Send(first); err != nil {
		return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
	}

	// The record writer emits its own schema message before the batches; the
	// receiving side discards that duplicate frame.
	writer := flight.NewRecordWriter(putStream, ipc.WithSchema(stream.Schema()))
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
		}
		if err := writer.Write(rec); err != nil {
			rec.Release()
			writer.Close()
			return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
		}
		rec.Release()
	}
	if err := writer.Close(); err != nil {
		return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
	}
	if err := putStream.CloseSend(); err != nil {
		return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
	}

	for {
		if _, err := putStream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return relayerr.Newf(relayerr.RemoteError, "error in do_put to relay %s: %v", relay.ID, err)
		}
		// nothing to do with the response for now
	}
	return nil
}
