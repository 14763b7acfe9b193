package serverlink

import (
	"bufio"
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/cuemby/ankaios-agent/pkg/controlapi"
)

// linkMethod and linkStreamDesc name the single bidirectional-streaming
// RPC this link uses. No service is compiled from a .proto file here
// (§6); the method path only needs to match whatever the server side
// registers it under.
const linkMethod = "/ankaios.agent.v1.AgentLink/Connect"

var linkStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

// Connection is the agent's abstract view of the server transport
// (§6): send a ToServer message, receive a FromServer message, close.
type Connection interface {
	Send(controlapi.ToServer) error
	Recv() (controlapi.FromServer, error)
	Close() error
}

// GRPCConnection is the concrete Connection: one gRPC bidirectional
// stream carrying length-delimited, hand-rolled protobuf-wire frames.
type GRPCConnection struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	writeMu sync.Mutex
	io      *streamIO
	reader  *bufio.Reader
}

// Dial opens the gRPC channel and the single link stream.
func Dial(ctx context.Context, cfg Config) (*GRPCConnection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	creds, err := cfg.credentials()
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(cfg.ServerURL,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
	)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(ctx, &linkStreamDesc, linkMethod)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sio := &streamIO{stream: stream}
	return &GRPCConnection{
		conn:   conn,
		stream: stream,
		io:     sio,
		reader: bufio.NewReader(sio),
	}, nil
}

// Send marshals msg and writes it as one length-delimited frame.
func (c *GRPCConnection) Send(msg controlapi.ToServer) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return controlapi.WriteFrame(c.io, msg.Marshal())
}

// Recv blocks for the next length-delimited frame and decodes it.
func (c *GRPCConnection) Recv() (controlapi.FromServer, error) {
	payload, err := controlapi.ReadFrame(c.reader)
	if err != nil {
		return controlapi.FromServer{}, err
	}
	return controlapi.UnmarshalFromServer(payload)
}

// Close tears down the stream and the underlying channel.
func (c *GRPCConnection) Close() error {
	_ = c.stream.CloseSend()
	return c.conn.Close()
}

// streamIO adapts a grpc.ClientStream's message-oriented SendMsg/RecvMsg
// into io.Writer/io.Reader so pkg/controlapi's byte-oriented framing
// helpers (written for FIFO files) work unchanged against a gRPC stream.
type streamIO struct {
	stream  grpc.ClientStream
	pending []byte
}

func (s *streamIO) Write(p []byte) (int, error) {
	chunk := append([]byte(nil), p...)
	if err := s.stream.SendMsg(&chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *streamIO) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		var chunk []byte
		if err := s.stream.RecvMsg(&chunk); err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
