// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import "sync"

// CombinePacketParsers merges the output of p1 and p2 into one parser.
// Order is kept per source only. The combined MainCh closes after both
// sources close. RPC responses from either source are matched against
// requests registered on the combined parser.
//
// Read errors of p1 and p2 stay on those parsers; the combined parser's
// GetErr is always nil.
func CombinePacketParsers(p1 *PacketParser, p2 *PacketParser, rpcHandler bool) *PacketParser {
	rtnParser := newPacketParser(rpcHandler)
	var wg sync.WaitGroup
	wg.Add(2)
	go rtnParser.forwardFrom(p1, &wg)
	go rtnParser.forwardFrom(p2, &wg)
	go func() {
		wg.Wait()
		rtnParser.finish()
	}()
	return rtnParser
}

func (p *PacketParser) forwardFrom(src *PacketParser, wg *sync.WaitGroup) {
	defer wg.Done()
	for pk := range src.MainCh {
		if p.RpcHandler && p.trySendRpcResponse(pk) {
			continue
		}
		p.MainCh <- pk
	}
}
