// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// unixPrefix selects a unix socket in stream addresses: "unix:/run/x.sock".
const unixPrefix = "unix:"

// Dial connects to a packet server using the default transport (stream).
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	o := &dialOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen creates a packet server using the default transport (stream).
func Listen(addr string, opts ...ServerOption) (Server, error) {
	o := &serverOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.listen(addr, o)
}

func splitStreamAddr(addr string) (network, address string) {
	if path, ok := strings.CutPrefix(addr, unixPrefix); ok {
		return "unix", path
	}
	return "tcp", addr
}

func dialStream(ctx context.Context, addr string, o *dialOptions) (*Conn, error) {
	network, address := splitStreamAddr(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	logger().WithFields(logrus.Fields{"addr": addr, "transport": TransportStream}).Debug("packet conn established")
	return NewConn(conn), nil
}

func listenStream(addr string, o *serverOptions) (Server, error) {
	network, address := splitStreamAddr(addr)
	if network == "unix" {
		if err := os.RemoveAll(address); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	logger().WithFields(logrus.Fields{"addr": listener.Addr().String(), "transport": TransportStream}).Info("packet server listening")
	return &streamServer{
		connMux:  newConnMux(o),
		listener: listener,
	}, nil
}

type connParserKey struct{}

// ConnParser returns the parser of the connection a handler is serving.
// Handlers use it to register for packets the client addresses to them,
// e.g. the data of an upload.
func ConnParser(ctx context.Context) *PacketParser {
	p, _ := ctx.Value(connParserKey{}).(*PacketParser)
	return p
}

// connMux holds the handler table shared by every transport's server.
type connMux struct {
	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	pingInterval time.Duration
}

func newConnMux(o *serverOptions) *connMux {
	return &connMux{
		handlers:     make(map[string]HandlerFunc),
		pingInterval: o.pingInterval,
	}
}

func (m *connMux) Handle(packetType string, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[packetType] = handler
}

func (m *connMux) handler(packetType string) HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[packetType]
}

// serveConn runs one connection until its inbound stream ends, then
// cancels outstanding handlers, waits for them and closes rwc.
func (m *connMux) serveConn(ctx context.Context, rwc io.ReadWriteCloser) {
	ctx, cancel := context.WithCancel(ctx)
	defer rwc.Close()
	parser := MakePacketParser(rwc, true)
	sender := MakePacketSender(rwc)
	ctx = context.WithValue(ctx, connParserKey{}, parser)
	var wg sync.WaitGroup
	if m.pingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sender.RunPinger(ctx, m.pingInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger().WithError(err).Debug("packet pinger stopped")
			}
		}()
	}
	for pk := range parser.MainCh {
		h := m.handler(pk.GetType())
		if h == nil {
			m.unhandled(pk, sender)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h(ctx, pk, sender)
		}()
	}
	cancel()
	wg.Wait()
	if err := parser.GetErr(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger().WithError(err).Debug("packet conn ended with error")
	}
}

func (m *connMux) unhandled(pk PacketType, sender *PacketSender) {
	log := logger().WithField("type", pk.GetType())
	if rpcPk, ok := pk.(RpcPacketType); ok && rpcPk.GetReqId() != "" {
		log.WithField("reqid", rpcPk.GetReqId()).Warn("no handler for request")
		if err := sender.SendErrorResponse(rpcPk.GetReqId(), fmt.Errorf("no handler for packet type %q", pk.GetType())); err != nil {
			log.WithError(err).Error("failed to send error response")
		}
		return
	}
	log.Debug("dropping unhandled packet")
}

var _ Server = (*streamServer)(nil)

// streamServer implements Server over a net.Listener
type streamServer struct {
	*connMux
	listener net.Listener
	conns    sync.Map
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func (s *streamServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.wg.Wait()
	var retryDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			retryDelay = acceptBackoff(retryDelay)
			logger().WithError(err).WithField("retry", retryDelay).Warn("packet server accept failed")
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
			}
			continue
		}
		retryDelay = 0
		s.conns.Store(conn, struct{}{})
		if s.closed.Load() {
			// raced Close's sweep of conns
			conn.Close()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptBackoff doubles the delay after a failed Accept, capped at
// maxAcceptDelay.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(2*prev, maxAcceptDelay)
}

// Close closes the server
func (s *streamServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *streamServer) Addr() string {
	addr := s.listener.Addr()
	if addr.Network() == "unix" {
		return unixPrefix + addr.String()
	}
	return addr.String()
}
