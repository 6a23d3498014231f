// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

var (
	ErrConnClosed = errors.New("packet: connection closed")
	ErrNoReqId    = errors.New("packet: request has no reqid")
)

// DefaultIterQueueSize is the response buffer used by PacketRpcIter.
// Streaming responses beyond it that the caller has not consumed yet are
// dropped and the iterator fails with ErrResponsesDropped. Streams larger
// than the queue need flow control (see StreamFilePacketType.Window).
const DefaultIterQueueSize = 16

var _ Client = (*Conn)(nil)

// Conn is a client connection: one sender and one RPC-enabled parser
// over the same stream.
type Conn struct {
	rwc    io.ReadWriteCloser
	sender *PacketSender
	parser *PacketParser
	closed atomic.Bool
}

// NewConn starts parsing rwc immediately.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		sender: MakePacketSender(rwc),
		parser: MakePacketParser(rwc, true),
	}
}

func (c *Conn) Parser() *PacketParser {
	return c.parser
}

func (c *Conn) MainCh() <-chan PacketType {
	return c.parser.MainCh
}

func (c *Conn) SendPacket(pk PacketType) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.sender.SendPacket(pk)
}

// PacketRpc sends pk and waits for one response. It fails with
// ErrConnClosed when the inbound stream ends first.
func (c *Conn) PacketRpc(ctx context.Context, pk RpcPacketType) (RpcResponsePacketType, error) {
	reqId := pk.GetReqId()
	if reqId == "" {
		return nil, ErrNoReqId
	}
	respCh := c.parser.RegisterRpc(reqId)
	rpcCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-c.parser.Done():
			cancel(ErrConnClosed)
		case <-rpcCtx.Done():
		}
	}()
	if err := c.SendPacket(pk); err != nil {
		c.parser.UnRegisterRpc(reqId)
		return nil, err
	}
	resp, err := c.parser.WaitForResponse(rpcCtx, reqId)
	if err != nil {
		// a response that raced the end of the stream is still buffered
		select {
		case resp, ok := <-respCh:
			if ok {
				return resp, nil
			}
		default:
		}
		return nil, context.Cause(rpcCtx)
	}
	if resp == nil {
		return nil, ErrConnClosed
	}
	return resp, nil
}

// PacketRpcIter sends pk and returns an iterator over its responses. The
// caller must Close the iterator unless it reads through the final
// response. Like PacketRpc, the iterator fails with ErrConnClosed when
// the inbound stream ends before the final response.
func (c *Conn) PacketRpcIter(ctx context.Context, pk RpcPacketType) (*RpcResponseIter, error) {
	reqId := pk.GetReqId()
	if reqId == "" {
		return nil, ErrNoReqId
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.parser.RegisterRpcSz(reqId, DefaultIterQueueSize)
	if err := c.SendPacket(pk); err != nil {
		c.parser.UnRegisterRpc(reqId)
		return nil, err
	}
	return c.parser.GetCheckedResponseIter(reqId), nil
}

// Close closes the underlying stream. The parser then drains and closes
// MainCh on its own.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	logger().Debug("packet conn closing")
	return c.rwc.Close()
}
