// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/sirupsen/logrus"
)

// DefaultRpcQueueSize is the response buffer of RegisterRpc.
const DefaultRpcQueueSize = 2

// ErrResponsesDropped is returned by checked iterators once a response
// of their request did not fit the queue.
var ErrResponsesDropped = errors.New("packet: rpc responses dropped")

// RpcEntry is one outstanding request. The parser never blocks on
// RespCh: a response that does not fit is dropped and counted.
type RpcEntry struct {
	ReqId  string
	RespCh chan RpcResponsePacketType

	dropped int // guarded by the parser lock
}

// RegisterRpc registers reqId with DefaultRpcQueueSize buffered responses.
func (p *PacketParser) RegisterRpc(reqId string) chan RpcResponsePacketType {
	return p.RegisterRpcSz(reqId, DefaultRpcQueueSize)
}

// RegisterRpcSz registers reqId with room for queueSize undelivered
// responses. An existing registration for reqId is replaced; its channel
// is left open and simply stops receiving.
func (p *PacketParser) RegisterRpcSz(reqId string, queueSize int) chan RpcResponsePacketType {
	if queueSize < 0 {
		queueSize = 0
	}
	ch := make(chan RpcResponsePacketType, queueSize)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.rpcMap[reqId] = &RpcEntry{ReqId: reqId, RespCh: ch}
	return ch
}

// UnRegisterRpc closes the response channel of reqId and forgets it.
// Unknown ids are ignored.
func (p *PacketParser) UnRegisterRpc(reqId string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	entry := p.rpcMap[reqId]
	if entry == nil {
		return
	}
	close(entry.RespCh)
	delete(p.rpcMap, reqId)
}

func (p *PacketParser) getRpcEntry(reqId string) *RpcEntry {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rpcMap[reqId]
}

// WaitForResponse waits for a single response to an already registered
// request and unregisters it, whatever the outcome. It returns (nil, nil)
// when reqId is not registered.
func (p *PacketParser) WaitForResponse(ctx context.Context, reqId string) (RpcResponsePacketType, error) {
	defer p.UnRegisterRpc(reqId)
	entry := p.getRpcEntry(reqId)
	if entry == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-entry.RespCh:
		if !ok {
			return nil, nil
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetNextResponse waits for the next response to reqId. The request is
// unregistered once its final response has been handed out; after that
// (or for an id that was never registered) it returns (nil, nil).
func (p *PacketParser) GetNextResponse(ctx context.Context, reqId string) (RpcResponsePacketType, error) {
	entry := p.getRpcEntry(reqId)
	if entry == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-entry.RespCh:
		if !ok {
			return nil, nil
		}
		if resp.GetResponseDone() {
			p.UnRegisterRpc(reqId)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// trySendRpcResponse hands pk to its registered waiter. It reports
// whether a waiter claimed pk, including when the waiter's buffer was
// full and pk was dropped.
func (p *PacketParser) trySendRpcResponse(pk PacketType) bool {
	respPk, ok := pk.(RpcResponsePacketType)
	if !ok {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	entry := p.rpcMap[respPk.GetResponseId()]
	if entry == nil {
		return false
	}
	select {
	case entry.RespCh <- respPk:
	default:
		entry.dropped++
		logger().WithFields(logrus.Fields{
			"reqid": entry.ReqId,
			"type":  respPk.GetType(),
		}).Warn("rpc response dropped, waiter queue full")
	}
	return true
}

// RpcResponseIter pulls the responses of one streaming request. Callers
// that stop before the final response must Close it.
type RpcResponseIter struct {
	ReqId  string
	Parser *PacketParser

	checked bool
}

func (p *PacketParser) GetResponseIter(reqId string) *RpcResponseIter {
	return &RpcResponseIter{ReqId: reqId, Parser: p}
}

// GetCheckedResponseIter is GetResponseIter for streams that must arrive
// whole. Its Next fails with ErrResponsesDropped once a response of
// reqId was dropped, and with ErrConnClosed when the parser has finished
// and no buffered response is left.
func (p *PacketParser) GetCheckedResponseIter(reqId string) *RpcResponseIter {
	return &RpcResponseIter{ReqId: reqId, Parser: p, checked: true}
}

// Next returns the next response, or (nil, nil) after the final one.
func (it *RpcResponseIter) Next(ctx context.Context) (RpcResponsePacketType, error) {
	if !it.checked {
		return it.Parser.GetNextResponse(ctx, it.ReqId)
	}
	return it.Parser.getNextCheckedResponse(ctx, it.ReqId)
}

func (it *RpcResponseIter) Close() {
	it.Parser.UnRegisterRpc(it.ReqId)
}

// All ranges over the remaining responses. The iterator is closed when
// the loop ends, including on break. An error (a cancelled ctx, or the
// failures of a checked iterator) is yielded once as a final (nil, err)
// pair.
func (it *RpcResponseIter) All(ctx context.Context) iter.Seq2[RpcResponsePacketType, error] {
	return func(yield func(RpcResponsePacketType, error) bool) {
		defer it.Close()
		for {
			resp, err := it.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if resp == nil {
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (p *PacketParser) takeDropped(entry *RpcEntry) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := entry.dropped
	entry.dropped = 0
	return n
}

func (p *PacketParser) getNextCheckedResponse(ctx context.Context, reqId string) (RpcResponsePacketType, error) {
	entry := p.getRpcEntry(reqId)
	if entry == nil {
		return nil, nil
	}
	if n := p.takeDropped(entry); n > 0 {
		p.UnRegisterRpc(reqId)
		return nil, fmt.Errorf("%w: %d for %s", ErrResponsesDropped, n, reqId)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	receive := func(resp RpcResponsePacketType, ok bool) (RpcResponsePacketType, error) {
		if !ok {
			return nil, nil
		}
		if resp.GetResponseDone() {
			p.UnRegisterRpc(reqId)
		}
		return resp, nil
	}
	select {
	case resp, ok := <-entry.RespCh:
		return receive(resp, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.doneCh:
		// everything the parser routed is already buffered
		select {
		case resp, ok := <-entry.RespCh:
			return receive(resp, ok)
		default:
		}
		p.UnRegisterRpc(reqId)
		return nil, ErrConnClosed
	}
}
