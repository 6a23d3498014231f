// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoPacketStr = "echo"

// echoPacket asks the test server to answer Count responses.
type echoPacket struct {
	Type  string `json:"type"`
	ReqId string `json:"reqid"`
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

func (*echoPacket) GetType() string { return echoPacketStr }

func (pk *echoPacket) GetReqId() string { return pk.ReqId }

func init() {
	RegisterPacketType(echoPacketStr, &echoPacket{})
}

func handleEcho(ctx context.Context, pk PacketType, s *PacketSender) {
	req := pk.(*echoPacket)
	if req.Count <= 1 {
		s.SendResponse(req.ReqId, req.Text)
		return
	}
	for i := 0; i < req.Count; i++ {
		data := MakeFileDataPacket(req.ReqId)
		data.Data = []byte(fmt.Sprintf("%s-%d", req.Text, i))
		data.Eof = i == req.Count-1
		s.SendPacket(data)
	}
}

func startServer(t *testing.T, transport, addr string, opts ...ServerOption) Server {
	t.Helper()
	srv, err := Listen(addr, append([]ServerOption{WithServerTransport(transport)}, opts...)...)
	require.NoError(t, err)
	srv.Handle(echoPacketStr, handleEcho)
	srv.Handle(MessagePacketStr, func(ctx context.Context, pk PacketType, s *PacketSender) {
		s.SendPacket(MakeMessagePacket("re: " + pk.(*MessagePacketType).Message))
	})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return srv
}

func dialServer(t *testing.T, transport string, srv Server) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, srv.Addr(), WithTransport(transport))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnTransports(t *testing.T) {
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			srv := startServer(t, transport, "127.0.0.1:0")
			conn := dialServer(t, transport, srv)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			t.Run("rpc", func(t *testing.T) {
				resp, err := conn.PacketRpc(ctx, &echoPacket{ReqId: NewReqId(), Text: "hello"})
				require.NoError(t, err)
				respPk := resp.(*ResponsePacketType)
				require.NoError(t, respPk.Err())
				assert.Equal(t, "hello", respPk.Data)
			})

			t.Run("concurrent rpc", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						text := fmt.Sprintf("msg-%d", i)
						resp, err := conn.PacketRpc(ctx, &echoPacket{ReqId: NewReqId(), Text: text})
						if assert.NoError(t, err) {
							assert.Equal(t, text, resp.(*ResponsePacketType).Data)
						}
					}()
				}
				wg.Wait()
			})

			t.Run("streaming rpc", func(t *testing.T) {
				it, err := conn.PacketRpcIter(ctx, &echoPacket{ReqId: NewReqId(), Text: "part", Count: 5})
				require.NoError(t, err)
				var got []string
				for resp, err := range it.All(ctx) {
					require.NoError(t, err)
					got = append(got, string(resp.(*FileDataPacketType).Data))
				}
				assert.Equal(t, []string{"part-0", "part-1", "part-2", "part-3", "part-4"}, got)
			})

			t.Run("unhandled request", func(t *testing.T) {
				req := MakeStreamFilePacket()
				req.ReqId = NewReqId()
				resp, err := conn.PacketRpc(ctx, req)
				require.NoError(t, err)
				assert.EqualError(t, resp.(*ResponsePacketType).Err(), `remote error: no handler for packet type "streamfile"`)
			})

			t.Run("main channel", func(t *testing.T) {
				require.NoError(t, conn.SendPacket(MakeMessagePacket("hi")))
				select {
				case pk := <-conn.MainCh():
					assert.Equal(t, "re: hi", pk.(*MessagePacketType).Message)
				case <-ctx.Done():
					t.Fatal("no reply on main channel")
				}
			})
		})
	}
}

func TestConnUnixSocket(t *testing.T) {
	addr := unixPrefix + filepath.Join(t.TempDir(), "pkt.sock")
	srv := startServer(t, TransportStream, addr)
	assert.Equal(t, addr, srv.Addr())
	conn := dialServer(t, TransportStream, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := conn.PacketRpc(ctx, &echoPacket{ReqId: NewReqId(), Text: "unix"})
	require.NoError(t, err)
	assert.Equal(t, "unix", resp.(*ResponsePacketType).Data)
}

func TestConnRpcNoReqId(t *testing.T) {
	srv := startServer(t, TransportStream, "127.0.0.1:0")
	conn := dialServer(t, TransportStream, srv)

	_, err := conn.PacketRpc(context.Background(), &echoPacket{Text: "x"})
	require.ErrorIs(t, err, ErrNoReqId)
	_, err = conn.PacketRpcIter(context.Background(), &echoPacket{Text: "x"})
	require.ErrorIs(t, err, ErrNoReqId)
}

func TestConnClosed(t *testing.T) {
	srv := startServer(t, TransportStream, "127.0.0.1:0")
	conn := dialServer(t, TransportStream, srv)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.SendPacket(MakeMessagePacket("late")), ErrConnClosed)
	_, err := conn.PacketRpc(context.Background(), &echoPacket{ReqId: NewReqId()})
	require.ErrorIs(t, err, ErrConnClosed)

	select {
	case <-conn.Parser().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("parser still running after close")
	}
}

func TestConnRpcServerGone(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	// the handler never answers; the server goes away instead
	srv.Handle(echoPacketStr, func(ctx context.Context, pk PacketType, s *PacketSender) {
		<-ctx.Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(ctx)
	}()
	conn := dialServer(t, TransportStream, srv)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rpcCancel()
	_, err = conn.PacketRpc(rpcCtx, &echoPacket{ReqId: NewReqId()})
	require.ErrorIs(t, err, ErrConnClosed)
	<-served
}

// pipePeer returns a Conn whose peer reads one request line, writes
// replies and hangs up.
func pipePeer(t *testing.T, replies ...PacketType) *Conn {
	t.Helper()
	client, server := net.Pipe()
	conn := NewConn(client)
	t.Cleanup(func() { conn.Close() })
	go func() {
		defer server.Close()
		if _, err := bufio.NewReader(server).ReadString('\n'); err != nil {
			return
		}
		sender := MakePacketSender(server)
		for _, pk := range replies {
			if sender.SendPacket(pk) != nil {
				return
			}
		}
	}()
	return conn
}

func TestConnRpcIterPeerGone(t *testing.T) {
	conn := pipePeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	it, err := conn.PacketRpcIter(ctx, &echoPacket{ReqId: "req-1", Count: 3})
	require.NoError(t, err)
	<-conn.Parser().Done()

	start := time.Now()
	resp, err := it.Next(ctx)
	require.ErrorIs(t, err, ErrConnClosed)
	assert.Nil(t, resp)
	assert.Less(t, time.Since(start), time.Second)
	assert.Nil(t, conn.Parser().getRpcEntry("req-1"))
}

func TestConnRpcIterDrainsBeforeClosed(t *testing.T) {
	first := MakeFileDataPacket("req-1")
	first.Data = []byte("a")
	second := MakeFileDataPacket("req-1")
	second.Seq = 1
	second.Data = []byte("b")
	conn := pipePeer(t, first, second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	it, err := conn.PacketRpcIter(ctx, &echoPacket{ReqId: "req-1", Count: 3})
	require.NoError(t, err)
	<-conn.Parser().Done()

	var got []string
	var lastErr error
	for resp, err := range it.All(ctx) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, string(resp.(*FileDataPacketType).Data))
	}
	assert.Equal(t, []string{"a", "b"}, got)
	require.ErrorIs(t, lastErr, ErrConnClosed)
}

func TestServerPings(t *testing.T) {
	srv := startServer(t, TransportStream, "127.0.0.1:0", WithPingInterval(10*time.Millisecond))
	conn := dialServer(t, TransportStream, srv)

	// pings never surface; the next packet on MainCh is the reply
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.SendPacket(MakeMessagePacket("after pings")))
	select {
	case pk := <-conn.MainCh():
		assert.Equal(t, "re: after pings", pk.(*MessagePacketType).Message)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestUnknownTransport(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", WithTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)
	_, err = Listen("127.0.0.1:0", WithServerTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)
	assert.Equal(t, []string{TransportGRPC, TransportStream}, AvailableTransports())
	assert.True(t, HasTransport(DefaultTransport))
}
