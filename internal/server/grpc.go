package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/controller"
	"github.com/caesar-terminal/depthbook/internal/host"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

const (
	serviceName   = "depthbook.v1.BookService"
	sessionMethod = "/" + serviceName + "/Session"
)

// BookServiceServer is the server API for depthbook.v1.BookService.
type BookServiceServer interface {
	// Session is a bidirectional stream: the caller sends commands and
	// receives every event the controller publishes.
	Session(grpc.ServerStream) error
}

var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    "Session",
	Handler:       sessionHandler,
	ServerStreams: true,
	ClientStreams: true,
}

// BookServiceDesc describes depthbook.v1.BookService for grpc.Server.
var BookServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BookServiceServer)(nil),
	Streams:     []grpc.StreamDesc{sessionStreamDesc},
	Metadata:    "depthbook/v1/book.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BookServiceServer).Session(stream)
}

// Commander is the part of the controller the service drives. Rejections
// of a dispatched command come back on reply, never on the shared stream.
type Commander interface {
	Dispatch(cmd host.CommandType, value string, reply chan<- host.Event) error
	Status() controller.Status
	Latest() (book.Snapshot, bool)
}

// BookService serves Session streams on top of a Commander and the
// Broadcaster carrying its events.
type BookService struct {
	ctrl    Commander
	bc      *adapter.Broadcaster
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBookService wires the service. m may be nil.
func NewBookService(ctrl Commander, bc *adapter.Broadcaster, m *metrics.Metrics, logger *slog.Logger) *BookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookService{
		ctrl:    ctrl,
		bc:      bc,
		metrics: m,
		logger:  logger.With("component", "grpc"),
	}
}

// Session sends the current state first (CONNECTED plus the latest UPDATE
// when there is one, both without a timestamp), then relays commands and
// events until the caller hangs up.
func (s *BookService) Session(stream grpc.ServerStream) error {
	ctx := stream.Context()
	events := s.bc.SubscribeAll()
	defer s.bc.Unsubscribe(events)

	if s.metrics != nil {
		s.metrics.GRPCStreams.Inc()
		defer s.metrics.GRPCStreams.Dec()
	}
	s.logger.Info("session stream opened")
	defer s.logger.Info("session stream closed")

	if err := s.sendInitial(stream); err != nil {
		return err
	}

	replies := make(chan host.Event, 16)
	recvErr := make(chan error, 1)
	go s.receive(stream, replies, recvErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case ev := <-replies:
			fe := adapter.FeedEvent{Event: ev, Subscription: s.ctrl.Status().Subscription, Timestamp: time.Now()}
			if err := s.send(stream, fe); err != nil {
				return err
			}
		case fe, ok := <-events:
			if !ok {
				return status.Error(codes.Unavailable, "event stream closed")
			}
			if err := s.send(stream, fe); err != nil {
				return err
			}
		}
	}
}

func (s *BookService) sendInitial(stream grpc.ServerStream) error {
	st := s.ctrl.Status()
	if !st.Connected {
		return nil
	}
	if err := s.send(stream, adapter.FeedEvent{
		Event:        host.Event{Type: host.EventConnected, Value: st.Subscription},
		Subscription: st.Subscription,
	}); err != nil {
		return err
	}
	if snap, ok := s.ctrl.Latest(); ok {
		return s.send(stream, adapter.FeedEvent{
			Event:        host.Event{Type: host.EventUpdate, Value: snap},
			Subscription: st.Subscription,
		})
	}
	return nil
}

// receive reads commands until the stream ends. Malformed and rejected
// commands are answered on this stream only.
func (s *BookService) receive(stream grpc.ServerStream, replies chan<- host.Event, errc chan<- error) {
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			errc <- nil
			return
		}

		cmd, err := decodeCommand(msg)
		if err != nil {
			s.logger.Debug("malformed command", "error", err)
			select {
			case replies <- host.ActionError(err.Error()):
			case <-stream.Context().Done():
				return
			}
			continue
		}

		s.logger.Debug("command", "type", cmd.Type, "value", cmd.Value)
		if err := s.ctrl.Dispatch(cmd.Type, cmd.Value, replies); err != nil {
			errc <- status.Error(codes.Unavailable, err.Error())
			return
		}
	}
}

func (s *BookService) send(stream grpc.ServerStream, fe adapter.FeedEvent) error {
	msg, err := encodeEvent(fe)
	if err != nil {
		s.logger.Error("encode event", "type", fe.Event.Type, "error", err)
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

// GRPCServer wraps the gRPC server and its listener.
type GRPCServer struct {
	grpcServer *grpc.Server
	listener   net.Listener
	network    string
	address    string
}

// NewGRPCServer registers svc and binds network ("unix" or "tcp") to
// address. Unix sockets get a fresh file restricted to the owner.
func NewGRPCServer(network, address string, svc BookServiceServer) (*GRPCServer, error) {
	lis, err := listen(network, address)
	if err != nil {
		return nil, err
	}

	gs := grpc.NewServer()
	gs.RegisterService(&BookServiceDesc, svc)

	return &GRPCServer{
		grpcServer: gs,
		listener:   lis,
		network:    network,
		address:    address,
	}, nil
}

func listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		lis, err := net.Listen(network, address)
		if err != nil {
			return nil, fmt.Errorf("listen on %s %s: %w", network, address, err)
		}
		return lis, nil
	}

	// Ensure the socket directory exists.
	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	// Remove any stale socket file from a previous run.
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", address, err)
	}

	if err := os.Chmod(address, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *GRPCServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the server is stopped.
func (s *GRPCServer) Serve() error {
	err := s.grpcServer.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// GracefulStop drains in-flight streams and removes the socket file.
func (s *GRPCServer) GracefulStop() {
	s.grpcServer.GracefulStop()
	if s.network == "unix" {
		os.Remove(s.address)
	}
}

// Stop closes every stream immediately. Session streams end once the
// broadcaster stops; Shutdown falls back to this when one does not.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
	if s.network == "unix" {
		os.Remove(s.address)
	}
}

// Shutdown tries GracefulStop and falls back to Stop when ctx ends first.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
		<-done
	}
}
