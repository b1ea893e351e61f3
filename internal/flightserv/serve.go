package flightserv

import (
	"crypto/tls"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Serve starts the flight service on addr and blocks. When serverTLS is set
// the listener terminates mTLS itself; otherwise a trusted reverse proxy is
// assumed to forward client certificates in the configured header.
func Serve(addr string, svc *Server, serverTLS *tls.Config) error {
	var opts []grpc.ServerOption
	if serverTLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
	}

	server := flight.NewServerWithMiddleware(nil, opts...)
	server.RegisterFlightService(svc)
	if err := server.Init(addr); err != nil {
		return err
	}

	slog.Info("flight service listening", "addr", addr, "mtls", serverTLS != nil)
	return server.Serve()
}
