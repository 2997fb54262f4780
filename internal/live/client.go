package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrStopWatch can be returned by a Watch callback to end the stream
// without an error.
var ErrStopWatch = errors.New("stop watching")

// Client subscribes to a remote tradesim.Events service.
type Client struct {
	addr string
	opts []grpc.DialOption
	log  *slog.Logger
}

// NewClient creates a client targeting addr. Without dial options the
// connection is plaintext.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{addr: addr, opts: opts, log: log}
}

// Watch streams events matching types (all when empty) into fn. It blocks
// until ctx is canceled, the server ends the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, types []string, fn func(Event) error) error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &eventsServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	filter := make([]any, len(types))
	for i, t := range types {
		filter[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"types": filter})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending subscription: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to event stream", "addr", c.addr, "types", types)

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}

		evt, err := EventFromStruct(msg)
		if err != nil {
			c.log.Warn("undecodable event", "error", err)
			continue
		}
		if err := fn(evt); err != nil {
			if errors.Is(err, ErrStopWatch) {
				return nil
			}
			return err
		}
	}
}
