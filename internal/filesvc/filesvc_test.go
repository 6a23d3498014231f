// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filesvc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/packet"
)

func newTestService(t *testing.T) (string, *packet.Conn) {
	t.Helper()
	root := t.TempDir()
	srv, err := packet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	_, err = Register(srv, root, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	conn, err := packet.Dial(ctx, srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return root, conn
}

func streamFile(t *testing.T, conn *packet.Conn, req *packet.StreamFilePacketType) (*packet.StreamFileResponseType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.ReqId = packet.NewReqId()
	it, err := conn.PacketRpcIter(ctx, req)
	require.NoError(t, err)
	defer it.Close()

	first, err := it.Next(ctx)
	require.NoError(t, err)
	resp, ok := first.(*packet.StreamFileResponseType)
	require.True(t, ok, "got %T", first)
	if resp.Done {
		return resp, nil
	}
	var data []byte
	for next, err := range it.All(ctx) {
		require.NoError(t, err)
		dataPk := next.(*packet.FileDataPacketType)
		require.Empty(t, dataPk.Error)
		data = append(data, dataPk.Data...)
	}
	return resp, data
}

func TestStreamFile(t *testing.T) {
	root, conn := newTestService(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8+3)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), content, 0644))

	req := packet.MakeStreamFilePacket()
	req.Path = "big.txt"
	resp, data := streamFile(t, conn, req)
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Info)
	assert.Equal(t, int64(len(content)), resp.Info.Size)
	assert.False(t, resp.Info.IsDir)
	assert.Equal(t, content, data)
}

func TestStreamFileByteRange(t *testing.T) {
	root, conn := newTestService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("hello world"), 0644))

	req := packet.MakeStreamFilePacket()
	req.Path = "f.txt"
	req.ByteRange = []int64{6, 11}
	_, data := streamFile(t, conn, req)
	assert.Equal(t, "world", string(data))
}

func TestStreamFileStatOnly(t *testing.T) {
	root, conn := newTestService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("abc"), 0600))

	req := packet.MakeStreamFilePacket()
	req.Path = "f.txt"
	req.StatOnly = true
	resp, data := streamFile(t, conn, req)
	require.True(t, resp.Done)
	assert.Nil(t, data)
	assert.Equal(t, int64(3), resp.Info.Size)
	assert.Equal(t, 0600, resp.Info.Perm)
}

func TestStreamFileNotFound(t *testing.T) {
	_, conn := newTestService(t)

	req := packet.MakeStreamFilePacket()
	req.Path = "missing.txt"
	resp, _ := streamFile(t, conn, req)
	require.True(t, resp.Done)
	require.NotNil(t, resp.Info)
	assert.True(t, resp.Info.NotFound)
}

func TestStreamFileDirectory(t *testing.T) {
	root, conn := newTestService(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	req := packet.MakeStreamFilePacket()
	req.Path = "sub"
	resp, _ := streamFile(t, conn, req)
	require.True(t, resp.Done)
	assert.True(t, resp.Info.IsDir)
}

func TestResolveStaysInRoot(t *testing.T) {
	s := &Service{root: "/srv/files"}
	for _, p := range []string{"../../etc/passwd", "/etc/passwd", "a/../../b"} {
		got, err := s.resolve(p)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, "/srv/files/"), got)
	}
	_, err := s.resolve("")
	require.Error(t, err)
}

func writeFile(t *testing.T, conn *packet.Conn, path string, useTemp bool, chunks ...[]byte) *packet.WriteFileDonePacketType {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := packet.MakeWriteFilePacket()
	req.ReqId = packet.NewReqId()
	req.Path = path
	req.UseTemp = useTemp
	it, err := conn.PacketRpcIter(ctx, req)
	require.NoError(t, err)
	defer it.Close()

	ready, err := it.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &packet.WriteFileReadyPacketType{}, ready)
	require.Empty(t, ready.(*packet.WriteFileReadyPacketType).Error)

	for i, chunk := range chunks {
		dataPk := packet.MakeFileDataPacket(req.ReqId)
		dataPk.Data = chunk
		dataPk.Eof = i == len(chunks)-1
		require.NoError(t, conn.SendPacket(dataPk))
	}
	done, err := it.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &packet.WriteFileDonePacketType{}, done)
	return done.(*packet.WriteFileDonePacketType)
}

func TestWriteFile(t *testing.T) {
	root, conn := newTestService(t)

	done := writeFile(t, conn, "out.txt", false, []byte("hello "), []byte("world"))
	require.Empty(t, done.Error)
	got, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestWriteFileTemp(t *testing.T) {
	root, conn := newTestService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "out.txt"), []byte("old"), 0644))

	done := writeFile(t, conn, "out.txt", true, []byte("new content"))
	require.Empty(t, done.Error)
	got, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileClientError(t *testing.T) {
	root, conn := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := packet.MakeWriteFilePacket()
	req.ReqId = packet.NewReqId()
	req.Path = "aborted.txt"
	req.UseTemp = true
	it, err := conn.PacketRpcIter(ctx, req)
	require.NoError(t, err)
	defer it.Close()
	_, err = it.Next(ctx)
	require.NoError(t, err)

	dataPk := packet.MakeFileDataPacket(req.ReqId)
	dataPk.Error = "local read failed"
	require.NoError(t, conn.SendPacket(dataPk))

	done, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Contains(t, done.(*packet.WriteFileDonePacketType).Error, "local read failed")

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteFileMissingDir(t *testing.T) {
	_, conn := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := packet.MakeWriteFilePacket()
	req.ReqId = packet.NewReqId()
	req.Path = "no/such/dir/out.txt"
	it, err := conn.PacketRpcIter(ctx, req)
	require.NoError(t, err)
	defer it.Close()

	ready, err := it.Next(ctx)
	require.NoError(t, err)
	readyPk := ready.(*packet.WriteFileReadyPacketType)
	assert.NotEmpty(t, readyPk.Error)
	assert.True(t, readyPk.GetResponseDone())
}

func TestStreamFileWindowWaitsForAcks(t *testing.T) {
	root, conn := newTestService(t)
	content := bytes.Repeat([]byte{'w'}, 5*ChunkSize+10)
	require.NoError(t, os.WriteFile(filepath.Join(root, "window.bin"), content, 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := packet.MakeStreamFilePacket()
	req.ReqId = packet.NewReqId()
	req.Path = "window.bin"
	req.Window = 2
	it, err := conn.PacketRpcIter(ctx, req)
	require.NoError(t, err)
	defer it.Close()
	first, err := it.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), first.(*packet.StreamFileResponseType).Info.Size)

	nextChunk := func(ctx context.Context) (*packet.FileDataPacketType, error) {
		resp, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		return resp.(*packet.FileDataPacketType), nil
	}
	var data []byte
	for seq := 0; seq < 2; seq++ {
		chunk, err := nextChunk(ctx)
		require.NoError(t, err)
		require.Equal(t, seq, chunk.Seq)
		data = append(data, chunk.Data...)
	}

	// the window is full until the client acknowledges
	shortCtx, shortCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, err = nextChunk(shortCtx)
	shortCancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	seq := 2
	require.NoError(t, conn.SendPacket(packet.MakeFileDataAckPacket(req.ReqId, seq)))
	for {
		chunk, err := nextChunk(ctx)
		require.NoError(t, err)
		require.Equal(t, seq, chunk.Seq)
		data = append(data, chunk.Data...)
		seq++
		if chunk.Eof {
			break
		}
		require.NoError(t, conn.SendPacket(packet.MakeFileDataAckPacket(req.ReqId, seq)))
	}
	assert.Equal(t, content, data)
}

func TestStreamFileWindowCapped(t *testing.T) {
	root, conn := newTestService(t)
	content := bytes.Repeat([]byte{'c'}, 3*ChunkSize)
	require.NoError(t, os.WriteFile(filepath.Join(root, "capped.bin"), content, 0644))

	// a window past MaxWindow is clamped; the whole file fits in it
	req := packet.MakeStreamFilePacket()
	req.Path = "capped.bin"
	req.Window = MaxWindow * 4
	resp, data := streamFile(t, conn, req)
	assert.Empty(t, resp.Error)
	assert.Equal(t, content, data)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSendDataErrorLogsSendFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := &Service{root: t.TempDir(), log: logger}

	s.sendDataError(packet.MakePacketSender(failWriter{}), "req-1", errors.New("read failed"))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "send filedata error", entry.Message)
	assert.Equal(t, "req-1", entry.Data["reqid"])
	assert.ErrorContains(t, entry.Data[logrus.ErrorKey].(error), "connection reset")
}
