// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// PacketParser reads framed packets from one input on a background
// goroutine and publishes them on MainCh. When RpcHandler is set,
// responses addressed to a registered request id are routed to that
// request's channel instead of MainCh.
//
// MainCh is unbuffered and closed exactly once, when the input ends, a
// read fails or a done packet arrives. After it closes, GetErr tells a
// read failure apart from a clean end.
type PacketParser struct {
	MainCh     chan PacketType
	RpcHandler bool

	lock   sync.Mutex
	rpcMap map[string]*RpcEntry
	err    error
	doneCh chan struct{}
}

func newPacketParser(rpcHandler bool) *PacketParser {
	return &PacketParser{
		MainCh:     make(chan PacketType),
		RpcHandler: rpcHandler,
		rpcMap:     make(map[string]*RpcEntry),
		doneCh:     make(chan struct{}),
	}
}

// MakePacketParser starts parsing input right away. The parser owns the
// reading side only; it never closes input.
func MakePacketParser(input io.Reader, rpcHandler bool) *PacketParser {
	parser := newPacketParser(rpcHandler)
	go parser.readLoop(bufio.NewReader(input))
	return parser
}

func (p *PacketParser) readLoop(bufReader *bufio.Reader) {
	defer p.finish()
	for {
		line, err := bufReader.ReadString(frameDelimiter)
		if errors.Is(err, io.EOF) {
			if line != "" {
				logger().WithField("len", len(line)).Debug("packet parser dropping unterminated final line")
			}
			return
		}
		if err != nil {
			logger().WithError(err).Warn("packet parser read failed")
			p.SetErr(err)
			return
		}
		if line == "\n" {
			continue
		}
		pk := DecodeLine(line)
		switch pk.GetType() {
		case DonePacketStr:
			return
		case PingPacketStr:
			continue
		case RawPacketStr:
			if l := logger(); isDebug(l) {
				l.WithField("line", line[:len(line)-1]).Debug("packet parser raw line")
			}
		}
		if p.RpcHandler && p.trySendRpcResponse(pk) {
			continue
		}
		p.MainCh <- pk
	}
}

func (p *PacketParser) finish() {
	close(p.MainCh)
	close(p.doneCh)
}

// Done is closed after MainCh has been closed.
func (p *PacketParser) Done() <-chan struct{} {
	return p.doneCh
}

// GetErr returns the first read error seen, or nil after a clean end.
func (p *PacketParser) GetErr() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.err
}

// SetErr records err unless an earlier error is already recorded.
func (p *PacketParser) SetErr(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func isDebug(l logrus.FieldLogger) bool {
	switch lg := l.(type) {
	case *logrus.Logger:
		return lg.IsLevelEnabled(logrus.DebugLevel)
	case *logrus.Entry:
		return lg.Logger.IsLevelEnabled(logrus.DebugLevel)
	}
	return true
}
