// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

const (
	grpcServiceName = "luxfi.packet.Stream"
	grpcStreamName  = "Packets"
	grpcMethod      = "/" + grpcServiceName + "/" + grpcStreamName
)

// grpcFrame is one message of the packet stream: raw bytes of one or
// more framed lines.
type grpcFrame struct {
	data []byte
}

// frameCodec moves grpcFrame payloads without any re-encoding.
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*grpcFrame)
	if !ok {
		return nil, fmt.Errorf("packet frame codec: cannot marshal %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*grpcFrame)
	if !ok {
		return fmt.Errorf("packet frame codec: cannot unmarshal into %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (frameCodec) Name() string {
	return "packetframe"
}

type grpcPacketsHandler interface {
	servePackets(stream grpc.ServerStream) error
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*grpcPacketsHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: grpcStreamName,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(grpcPacketsHandler).servePackets(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

type grpcMsgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// grpcStreamConn adapts a bidirectional gRPC stream to io.ReadWriteCloser
// so the packet parser and sender run on it unchanged. Read and Write
// may be called from different goroutines; neither is safe for
// concurrent use with itself, which PacketParser and PacketSender
// already guarantee.
type grpcStreamConn struct {
	stream    grpcMsgStream
	readBuf   []byte
	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func (c *grpcStreamConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		var f grpcFrame
		if err := c.stream.RecvMsg(&f); err != nil {
			return 0, err
		}
		c.readBuf = f.data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write copies p: gRPC may still hold the message after SendMsg returns.
func (c *grpcStreamConn) Write(p []byte) (int, error) {
	if err := c.stream.SendMsg(&grpcFrame{data: append([]byte(nil), p...)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *grpcStreamConn) Close() error {
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (*Conn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}, o.grpcOpts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	// the stream outlives ctx, which only bounds connection setup
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &grpcServiceDesc.Streams[0], grpcMethod, grpc.WaitForReady(true))
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("grpc open stream: %w", err)
	}
	rwc := &grpcStreamConn{
		stream: stream,
		closeFn: func() error {
			sendErr := stream.CloseSend()
			cancel()
			return errors.Join(sendErr, cc.Close())
		},
	}
	logger().WithFields(logrus.Fields{"addr": addr, "transport": TransportGRPC}).Debug("packet conn established")
	return NewConn(rwc), nil
}

func listenGRPC(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &grpcServer{
		connMux:  newConnMux(o),
		listener: listener,
		server:   grpc.NewServer(grpc.ForceServerCodec(frameCodec{})),
	}
	s.server.RegisterService(&grpcServiceDesc, s)
	logger().WithFields(logrus.Fields{"addr": listener.Addr().String(), "transport": TransportGRPC}).Info("packet server listening")
	return s, nil
}

var _ Server = (*grpcServer)(nil)

// grpcServer implements Server with one gRPC stream per connection
type grpcServer struct {
	*connMux
	listener net.Listener
	server   *grpc.Server
}

func (s *grpcServer) servePackets(stream grpc.ServerStream) error {
	s.serveConn(stream.Context(), &grpcStreamConn{stream: stream})
	return nil
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.server.Stop)
	defer stop()
	err := s.server.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *grpcServer) Close() error {
	s.server.Stop()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}
