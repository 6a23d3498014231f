// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package packet is the packet transport between the terminal server and
// the shells it supervises: line framing, a streaming parser, and RPC
// multiplexing over one shared byte stream.
//
// # Wire Format
//
// Every packet is one line:
//
//	##<len><json>\n
//	##15{"type":"ping"}\n
//	##N{"type":"ping"}\n
//
// <len> is the byte length of the JSON object, or N when undeclared. The
// object's "type" field selects the packet type. Lines that do not match
// (log output, a wrong length, unknown types, bad JSON) are delivered as
// RawPacketType instead of failing the stream. Blank lines are skipped, a
// "ping" packet is dropped and a "done" packet ends the stream.
//
// # Usage
//
// Parsing a stream:
//
//	parser := packet.MakePacketParser(conn, true)
//	for pk := range parser.MainCh {
//	    handle(pk)
//	}
//	if err := parser.GetErr(); err != nil {
//	    // the stream failed; otherwise it ended cleanly
//	}
//
// Request/response over a connection:
//
//	conn, err := packet.Dial(ctx, "unix:/run/pktmux.sock")
//	pk := packet.MakeStreamFilePacket()
//	pk.ReqId = packet.NewReqId()
//	iter, err := conn.PacketRpcIter(ctx, pk)
//	defer iter.Close()
//	for resp, err := range iter.All(ctx) {
//	    ...
//	}
//
// Serving:
//
//	server, err := packet.Listen(":9000")
//	server.Handle(packet.StreamFilePacketStr, func(ctx context.Context, pk packet.PacketType, s *packet.PacketSender) {
//	    ...
//	})
//	server.Serve(ctx)
//
// # RPC Delivery
//
// A parser created with rpcHandler set checks every inbound packet that
// implements RpcResponsePacketType against its registered request ids.
// A match goes to that request's channel and never to MainCh. Delivery
// never blocks the parser: when a request's buffer is full the response
// is dropped.
//
// # Architecture
//
//   - packet.go: packet interfaces, type registry and built-in packets
//   - codec.go: line framing (MarshalPacket, DecodeLine)
//   - parser.go: PacketParser read loop
//   - rpc.go: RPC registry, waits and response iterators
//   - combine.go: merging two parsers into one
//   - sender.go: serialized packet writer and heartbeats
//   - conn.go: client connection (sender + parser)
//   - transport.go: transport registry
//   - dial.go: Dial, Listen and the stream (TCP / unix) transport
//   - dial_grpc.go: gRPC stream transport
//   - json.go: JSON-RPC 2.0 gateway over HTTP
package packet
