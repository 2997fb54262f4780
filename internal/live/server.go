package live

import (
	"log/slog"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName      = "tradesim.Events"
	subscribeMethod  = "/" + serviceName + "/Subscribe"
	defaultStreamBuf = 256
)

// EventsServer is the server API of the tradesim.Events service.
type EventsServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// eventsServiceDesc describes tradesim.Events. Messages are
// google.protobuf.Struct, so no generated code is needed.
var eventsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EventsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "tradesim/events.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventsServer).Subscribe(req, stream)
}

// Server streams hub events to gRPC subscribers.
type Server struct {
	hub *Hub
	log *slog.Logger
}

var _ EventsServer = (*Server)(nil)

// NewServer creates a gRPC server backed by the given hub.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{hub: hub, log: log.With("component", "grpc")}
}

// RegisterGRPC registers the service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&eventsServiceDesc, s)
}

// Subscribe streams events until the client disconnects or the hub evicts
// the subscription. The request may carry a "types" list; an entry matches
// either an event type ("order") or a full key ("order/executed").
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	filter := typesFilter(req)

	subID, ch := s.hub.Subscribe(defaultStreamBuf)
	defer s.hub.Unsubscribe(subID)
	s.log.Info("grpc client subscribed", "subID", subID, "types", filter)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if !Matches(filter, evt) {
				continue
			}
			msg, err := evt.ToStruct()
			if err != nil {
				s.log.Error("encoding event", "error", err, "event", evt.Key())
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Matches reports whether e passes filter. An empty filter matches all.
func Matches(filter []string, e Event) bool {
	return len(filter) == 0 || slices.Contains(filter, e.Type) || slices.Contains(filter, e.Key())
}

func typesFilter(req *structpb.Struct) []string {
	list := req.GetFields()["types"].GetListValue()
	var out []string
	for _, v := range list.GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
