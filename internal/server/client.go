package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/host"
)

// Client talks to a BookService over a unix socket or TCP.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for network ("unix" or "tcp") and address. The
// connection is established lazily by the first stream.
func Dial(network, address string) (*Client, error) {
	target := address
	if network == "unix" {
		target = "unix:" + address
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Session opens a Session stream. Cancelling ctx ends it.
func (c *Client) Session(ctx context.Context) (*SessionStream, error) {
	stream, err := c.conn.NewStream(ctx, &sessionStreamDesc, sessionMethod)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &SessionStream{stream: stream}, nil
}

// SessionStream is the caller side of a Session. Send and Recv may be used
// from different goroutines, but neither from more than one.
type SessionStream struct {
	stream grpc.ClientStream
}

func (s *SessionStream) Send(cmd host.Command) error {
	msg, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	return s.stream.SendMsg(msg)
}

// Recv blocks for the next event.
func (s *SessionStream) Recv() (adapter.FeedEvent, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return adapter.FeedEvent{}, err
	}
	return decodeEvent(msg)
}

// CloseSend tells the server no more commands follow, which ends the
// session.
func (s *SessionStream) CloseSend() error {
	return s.stream.CloseSend()
}
