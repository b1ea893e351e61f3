package runner

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/relaymesh/relay/internal/arrowutil"
)

// readerStream adapts an array.RecordReader into a BatchStream. The optional
// closers run once when the stream is closed, releasing the connection that
// owns the reader.
type readerStream struct {
	reader  array.RecordReader
	closers []func() error
}

// NewReaderStream wraps an array.RecordReader as a BatchStream.
func NewReaderStream(reader array.RecordReader, closers ...func() error) BatchStream {
	return &readerStream{reader: reader, closers: closers}
}

func newReaderStream(reader array.RecordReader, closers ...func() error) *readerStream {
	return &readerStream{reader: reader, closers: closers}
}

func (s *readerStream) Schema() *arrow.Schema { return s.reader.Schema() }

func (s *readerStream) Next() (arrow.RecordBatch, error) {
	if !s.reader.Next() {
		if err := s.reader.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	rec := s.reader.RecordBatch()
	rec.Retain()
	return rec, nil
}

func (s *readerStream) Close() error {
	s.reader.Release()
	var first error
	for _, closer := range s.closers {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// castStream casts every batch of an inner stream to a declared schema.
type castStream struct {
	inner  BatchStream
	schema *arrow.Schema
}

// withReturnSchema wraps stream so each batch is cast to the declared return
// schema. A nil schema returns the stream unchanged.
func withReturnSchema(stream BatchStream, schema *arrow.Schema) BatchStream {
	if schema == nil {
		return stream
	}
	return &castStream{inner: stream, schema: schema}
}

func (s *castStream) Schema() *arrow.Schema { return s.schema }

func (s *castStream) Next() (arrow.RecordBatch, error) {
	rec, err := s.inner.Next()
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return arrowutil.CastBatch(context.Background(), rec, s.schema)
}

func (s *castStream) Close() error { return s.inner.Close() }

// batchesStream serves a materialized batch slice.
type batchesStream struct {
	schema  *arrow.Schema
	batches []arrow.RecordBatch
	idx     int
}

// NewBatchesStream wraps pre-built record batches as a BatchStream. The
// stream takes ownership of the batches.
func NewBatchesStream(schema *arrow.Schema, batches []arrow.RecordBatch) BatchStream {
	return &batchesStream{schema: schema, batches: batches}
}

func (s *batchesStream) Schema() *arrow.Schema { return s.schema }

func (s *batchesStream) Next() (arrow.RecordBatch, error) {
	if s.idx >= len(s.batches) {
		return nil, io.EOF
	}
	rec := s.batches[s.idx]
	s.idx++
	return rec, nil
}

func (s *batchesStream) Close() error {
	for ; s.idx < len(s.batches); s.idx++ {
		s.batches[s.idx].Release()
	}
	return nil
}

// concatStream chains several streams into one, in order.
type concatStream struct {
	streams []BatchStream
	idx     int
}

// NewConcatStream concatenates streams end to end. The first stream's schema
// is reported for the whole.
func NewConcatStream(streams ...BatchStream) BatchStream {
	return &concatStream{streams: streams}
}

func (s *concatStream) Schema() *arrow.Schema {
	if len(s.streams) == 0 {
		return arrow.NewSchema(nil, nil)
	}
	return s.streams[0].Schema()
}

func (s *concatStream) Next() (arrow.RecordBatch, error) {
	for s.idx < len(s.streams) {
		rec, err := s.streams[s.idx].Next()
		if err == io.EOF {
			s.idx++
			continue
		}
		return rec, err
	}
	return nil, io.EOF
}

func (s *concatStream) Close() error {
	var first error
	for _, stream := range s.streams {
		if err := stream.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
