package runner

import (
	"context"
	"crypto/tls"
	"os"

	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/relayerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// flightSQLRunner executes queries against a remote Arrow FlightSQL
// endpoint, optionally after a basic-auth handshake or over mTLS.
type flightSQLRunner struct {
	endpoint string
	dialOpts []grpc.DialOption
	// basicAuth holds resolved credentials when the endpoint requires a
	// handshake; nil otherwise.
	basicAuth *resolvedBasicAuth
}

type resolvedBasicAuth struct {
	username string
	password string
}

func newFlightSQLRunner(con *domain.FlightSQLConnection) (*flightSQLRunner, error) {
	r := &flightSQLRunner{endpoint: con.Endpoint}

	switch {
	case con.Auth.Basic != nil:
		// The stored password names an env variable, never the plaintext.
		password := os.Getenv(con.Auth.Basic.Password)
		if password == "" {
			return nil, relayerr.Newf(relayerr.Internal,
				"expected FlightSQL basic auth password to be set in %s env variable, but it is unset!",
				con.Auth.Basic.Password)
		}
		r.basicAuth = &resolvedBasicAuth{username: con.Auth.Basic.Username, password: password}
		r.dialOpts = append(r.dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))

	case con.Auth.PKI != nil:
		cert, err := tls.LoadX509KeyPair(con.Auth.PKI.ClientCertFile, con.Auth.PKI.ClientKeyFile)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Internal, "load flightsql client cert", err)
		}
		pool, err := pki.LoadCertPool(con.Auth.PKI.CACertBundle)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Internal, "load flightsql ca bundle", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		}
		r.dialOpts = append(r.dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))

	default:
		// Connecting to an unauthenticated endpoint is allowed but not
		// recommended.
		r.dialOpts = append(r.dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return r, nil
}

func (r *flightSQLRunner) Execute(ctx context.Context, query domain.Query) (BatchStream, error) {
	client, err := flightsql.NewClient(r.endpoint, nil, nil, r.dialOpts...)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.RemoteError, "connect to flightsql endpoint", err)
	}

	if r.basicAuth != nil {
		ctx, err = client.Client.AuthenticateBasicToken(ctx, r.basicAuth.username, r.basicAuth.password)
		if err != nil {
			client.Close()
			return nil, relayerr.Wrap(relayerr.RemoteError, "flightsql basic auth handshake", err)
		}
	}

	prepared, err := client.Prepare(ctx, query.SQL)
	if err != nil {
		client.Close()
		return nil, relayerr.Wrap(relayerr.RemoteError, "prepare flightsql statement", err)
	}

	info, err := prepared.Execute(ctx)
	if err != nil {
		prepared.Close(ctx)
		client.Close()
		return nil, relayerr.Wrap(relayerr.RemoteError, "execute flightsql statement", err)
	}

	// One sub-stream per endpoint, concatenated into a single stream.
	streams := make([]BatchStream, 0, len(info.Endpoint))
	for _, endpoint := range info.Endpoint {
		reader, err := client.DoGet(ctx, endpoint.Ticket)
		if err != nil {
			for _, s := range streams {
				s.Close()
			}
			prepared.Close(ctx)
			client.Close()
			return nil, relayerr.Wrap(relayerr.RemoteError, "flightsql do_get", err)
		}
		streams = append(streams, newReaderStream(reader))
	}

	combined := NewConcatStream(streams...)
	closer := &closeOnDone{
		BatchStream: combined,
		closers: []func() error{
			func() error { return prepared.Close(context.Background()) },
			client.Close,
		},
	}

	schema, err := arrowutil.SchemaFromDef(query.ReturnSchema)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return withReturnSchema(closer, schema), nil
}

// closeOnDone tacks extra closers onto a stream.
type closeOnDone struct {
	BatchStream
	closers []func() error
}

func (c *closeOnDone) Close() error {
	err := c.BatchStream.Close()
	for _, closer := range c.closers {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
