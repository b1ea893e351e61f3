package flightserv

import (
	"encoding/json"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ListFlights is the discovery stream: one FlightInfo per Entity, whose
// ticket payload is the entity's Information list.
func (s *Server) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	allInformation, err := s.Catalog.GetAllInformation(stream.Context())
	if err != nil {
		return status.Errorf(codes.Internal, "failed to list entities: %v", err)
	}

	for entityName, infos := range allInformation {
		payload, err := json.Marshal(map[string]any{
			"entity":      entityName,
			"information": infos,
		})
		if err != nil {
			return status.Error(codes.Internal, "unexpected internal error")
		}
		info := &flight.FlightInfo{
			FlightDescriptor: &flight.FlightDescriptor{
				Type: flight.DescriptorPATH,
				Path: []string{entityName},
			},
			Endpoint: []*flight.FlightEndpoint{
				{Ticket: &flight.Ticket{Ticket: payload}},
			},
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}
