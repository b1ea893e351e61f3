// Package objstore abstracts the object stores backing query results and
// file-directory sources: the local filesystem for development and
// single-node deployments, and any S3-compatible store via MinIO. Azure and
// GCP variants are declared but gated off.
package objstore

import (
	"context"
	"io"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
)

// Store is the minimal object interface the relay needs: whole-object
// streaming reads and writes plus existence checks.
type Store interface {
	// Put streams r into the object at key, returning bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the object at key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object at key. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

// Options selects and configures a store backend.
type Options struct {
	Kind   domain.SupportedObjectStore
	Bucket string
	Region string
	// Prefix is prepended to every key (or used as the root directory for
	// the local filesystem backend).
	Prefix string
}

// New builds a Store for the configured backend. S3 credentials and endpoint
// come from the S3_* environment variables read by NewS3StoreFromEnv.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case domain.ObjectStoreLocal:
		return NewLocalStore(opts.Prefix)
	case domain.ObjectStoreS3:
		return NewS3StoreFromEnv(ctx, opts)
	case domain.ObjectStoreAzure, domain.ObjectStoreGCP:
		return nil, relayerr.Newf(relayerr.NotImplemented,
			"object store backend %s is not implemented", opts.Kind)
	default:
		return nil, relayerr.Newf(relayerr.SerDe, "unknown object store backend %q", opts.Kind)
	}
}
