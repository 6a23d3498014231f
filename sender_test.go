// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("disk full")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSenderWritesFrames(t *testing.T) {
	var buf bytes.Buffer
	sender := MakePacketSender(&buf)
	require.NoError(t, sender.SendResponse("req-1", 42))
	require.NoError(t, sender.SendErrorResponse("req-2", errors.New("nope")))
	require.NoError(t, sender.SendDone())

	parser := MakePacketParser(&buf, false)
	got := collect(t, parser)
	require.Len(t, got, 2)
	assert.Equal(t, float64(42), got[0].(*ResponsePacketType).Data)
	assert.EqualError(t, got[1].(*ResponsePacketType).Err(), "remote error: nope")
}

func TestSenderErrorIsSticky(t *testing.T) {
	w := &failingWriter{}
	sender := MakePacketSender(w)
	err := sender.SendPing()
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, err, sender.SendPing())
	assert.Equal(t, 1, w.writes)
	assert.Equal(t, err, sender.Err())
}

func TestSenderConcurrentFramesStayWhole(t *testing.T) {
	var buf lockedBuffer
	sender := MakePacketSender(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender.SendPacket(MakeMessagePacket(strings.Repeat("x", i*10)))
		}()
	}
	wg.Wait()

	parser := MakePacketParser(strings.NewReader(buf.String()), false)
	got := collect(t, parser)
	require.Len(t, got, 50)
	for _, pk := range got {
		assert.Equal(t, MessagePacketStr, pk.GetType())
	}
}

func TestRunPinger(t *testing.T) {
	var buf lockedBuffer
	sender := MakePacketSender(&buf)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sender.RunPinger(ctx, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, buf.String(), `{"type":"ping"}`)
}

func TestRunPingerStopsOnWriteError(t *testing.T) {
	sender := MakePacketSender(&failingWriter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sender.RunPinger(ctx, time.Millisecond)
	require.ErrorContains(t, err, "disk full")
}
