// Package flightserv serves the relay's Arrow-wire surface: synchronous
// scatter/gather via get_flight_info + do_get, asynchronous result ingestion
// via do_put, and entity discovery via list_flights.
package flightserv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/engine"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/results"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// maxPeerFanout bounds how many peer get_flight_info calls run concurrently.
const maxPeerFanout = 8

// ticket identifies one retrievable result slice. It doubles as client-facing
// metadata about which source produced the slice.
type ticket struct {
	DataSourceID uuid.UUID `json:"data_source_id"`
	TaskID       uuid.UUID `json:"task_id"`
}

// Server implements the flight service over the relay engine.
type Server struct {
	flight.BaseFlightServer

	Engine  *engine.Engine
	Catalog *postgres.Catalog
	Results *results.Manager

	// ClientTLS is the relay's identity for dialing peer flight endpoints.
	ClientTLS *tls.Config
	// ClientCertHeader selects proxy-header authentication on incoming
	// calls; empty means the mTLS peer certificate is used directly.
	ClientCertHeader string
	LocalFingerprint string
}

// extractIdentity authenticates an incoming call from its peer certificate
// or, behind a terminating proxy, from the configured metadata header.
func (s *Server) extractIdentity(ctx context.Context) (pki.Identity, error) {
	if s.ClientCertHeader != "" {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok || len(md.Get(s.ClientCertHeader)) == 0 {
			return pki.Identity{}, status.Error(codes.Unauthenticated,
				"unable to retrieve client certificate from header")
		}
		id, err := pki.ParseURLEncodedPEM(md.Get(s.ClientCertHeader)[0])
		if err != nil {
			return pki.Identity{}, status.Errorf(codes.Unauthenticated,
				"cert header authentication failed with error: %v", err)
		}
		return id, nil
	}

	p, ok := peer.FromContext(ctx)
	if !ok {
		return pki.Identity{}, status.Error(codes.PermissionDenied, "expected client cert, found none")
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return pki.Identity{}, status.Error(codes.PermissionDenied, "expected client cert, found none")
	}
	id, err := pki.ParseCertificate(tlsInfo.State.PeerCertificates[0].Raw)
	if err != nil {
		return pki.Identity{}, status.Error(codes.PermissionDenied, "found client cert, but unable to parse")
	}
	return id, nil
}

// dialPeer opens a flight client toward a peer relay with the relay's mTLS
// identity.
func (s *Server) dialPeer(endpoint string) (flight.Client, error) {
	return flight.NewClientWithMiddleware(endpoint, nil, nil,
		grpc.WithTransportCredentials(credentials.NewTLS(s.ClientTLS)))
}

// GetFlightInfo synchronously propagates a query through the mesh and
// returns one endpoint per relevant data slice, local and remote. It is the
// Arrow-wire analog of POST /query.
func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	id, err := s.extractIdentity(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("got get_flight_info request",
		"subject", id.SubjectDN, "issuer", id.IssuerDN, "fingerprint", id.Fingerprint)

	var raw domain.RawQueryRequest
	if err := json.Unmarshal(desc.Cmd, &raw); err != nil {
		return nil, status.Error(codes.InvalidArgument,
			"FlightDescriptor.cmd is not a valid JSON encoded RawQueryRequest")
	}

	origin, err := s.Engine.VerifyOrigination(ctx, &raw, id)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument,
			"unable to parse origination info with error: %v", err)
	}

	result, err := s.Engine.ProcessRequest(ctx, &raw, origin)
	if err != nil {
		return nil, toStatus(err)
	}
	if result.Deduped {
		// Already in progress somewhere: acknowledge with an empty info.
		return &flight.FlightInfo{FlightDescriptor: desc}, nil
	}

	info, err := s.localFlightInfo(ctx, desc, result)
	if err != nil {
		return nil, err
	}
	return s.gatherPeerEndpoints(ctx, info, result)
}

// localFlightInfo lists one endpoint per local task.
func (s *Server) localFlightInfo(ctx context.Context, desc *flight.FlightDescriptor, result *engine.ProcessResult) (*flight.FlightInfo, error) {
	info := &flight.FlightInfo{FlightDescriptor: desc}

	localRelay, err := s.Catalog.GetRelayByFingerprint(ctx, s.LocalFingerprint)
	if err != nil || localRelay == nil {
		return nil, status.Errorf(codes.Internal, "unable to get local relay info with error %v", err)
	}

	for _, task := range result.Tasks {
		payload, err := json.Marshal(ticket{DataSourceID: task.DataSourceID, TaskID: task.ID})
		if err != nil {
			return nil, status.Error(codes.Internal, "unexpected internal error")
		}
		info.Endpoint = append(info.Endpoint, &flight.FlightEndpoint{
			Ticket:   &flight.Ticket{Ticket: payload},
			Location: []*flight.Location{{Uri: localRelay.FlightEndpoint}},
		})
	}
	return info, nil
}

// gatherPeerEndpoints issues get_flight_info to every peer with a remote
// task, in parallel with a bounded group, concatenating whatever endpoints
// come back. A failing peer is logged and omitted; it never fails the call.
func (s *Server) gatherPeerEndpoints(ctx context.Context, info *flight.FlightInfo, result *engine.ProcessResult) (*flight.FlightInfo, error) {
	endpoints := make([][]*flight.FlightEndpoint, len(result.RemoteTasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPeerFanout)

	for i := range result.RemoteTasks {
		remoteTask := result.RemoteTasks[i]
		idx := i
		g.Go(func() error {
			relay, err := s.Catalog.GetRelayByID(gctx, remoteTask.RelayID)
			if err != nil || relay == nil {
				slog.Error("failed to resolve peer relay", "relay_id", remoteTask.RelayID, "error", err)
				return nil
			}

			client, err := s.dialPeer(relay.FlightEndpoint)
			if err != nil {
				slog.Error("failed to connect to peer", "relay", relay.Name, "error", err)
				return nil
			}
			defer client.Close()

			cmd, err := json.Marshal(remoteTask.Task)
			if err != nil {
				slog.Error("failed to encode remote request", "relay", relay.Name, "error", err)
				return nil
			}

			peerInfo, err := client.GetFlightInfo(gctx, &flight.FlightDescriptor{
				Type: flight.DescriptorCMD,
				Cmd:  cmd,
			})
			if err != nil {
				slog.Error("failed to get_flight_info from peer", "relay", relay.Name, "error", err)
				return nil
			}
			endpoints[idx] = peerInfo.Endpoint
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, status.Error(codes.Internal, "unexpected internal error")
	}

	for _, peerEndpoints := range endpoints {
		info.Endpoint = append(info.Endpoint, peerEndpoints...)
	}
	return info, nil
}

func toStatus(err error) error {
	return status.Error(codes.Internal, err.Error())
}
