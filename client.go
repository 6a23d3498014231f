// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// Client is the packet connection seen by command code. Conn is the
// implementation returned by Dial.
type Client interface {
	// SendPacket writes one packet without waiting for anything back
	SendPacket(pk PacketType) error

	// PacketRpc sends a request and waits for its single response
	PacketRpc(ctx context.Context, pk RpcPacketType) (RpcResponsePacketType, error)

	// PacketRpcIter sends a request whose responses are streamed
	PacketRpcIter(ctx context.Context, pk RpcPacketType) (*RpcResponseIter, error)

	// MainCh carries every inbound packet not claimed by an RPC
	MainCh() <-chan PacketType

	// Close closes the connection
	Close() error
}

// Server accepts packet connections and dispatches inbound packets by
// type.
type Server interface {
	// Handle registers handler for packets of packetType
	Handle(packetType string, handler HandlerFunc)

	// Serve accepts connections (blocks until ctx is cancelled or Close)
	Serve(ctx context.Context) error

	// Close stops the server and drops open connections
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// HandlerFunc handles one inbound packet. Replies go through s. Handlers
// run on their own goroutine; ctx ends when the connection does.
type HandlerFunc func(ctx context.Context, pk PacketType, s *PacketSender)

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	transport string
	grpcOpts  []grpc.DialOption
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithGRPCDialOptions passes extra options to grpc.NewClient
func WithGRPCDialOptions(opts ...grpc.DialOption) DialOption {
	return func(o *dialOptions) { o.grpcOpts = append(o.grpcOpts, opts...) }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport    string
	pingInterval time.Duration
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithPingInterval makes the server send a heartbeat to every connection
// at the given interval. Zero disables heartbeats.
func WithPingInterval(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.pingInterval = d }
}
