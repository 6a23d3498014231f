// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PacketSender writes framed packets to one writer. It is safe for
// concurrent use; frames never interleave. After the first write error
// every send returns that error.
type PacketSender struct {
	writeMu sync.Mutex
	w       io.Writer
	err     error
}

func MakePacketSender(w io.Writer) *PacketSender {
	return &PacketSender{w: w}
}

func (s *PacketSender) SendPacket(pk PacketType) error {
	frame, err := MarshalPacket(pk)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(frame); err != nil {
		s.err = fmt.Errorf("packet write: %w", err)
		return s.err
	}
	return nil
}

func (s *PacketSender) SendResponse(reqId string, data interface{}) error {
	return s.SendPacket(MakeResponsePacket(reqId, data))
}

func (s *PacketSender) SendErrorResponse(reqId string, err error) error {
	return s.SendPacket(MakeErrorResponsePacket(reqId, err))
}

// SendDone tells the remote parser to stop reading.
func (s *PacketSender) SendDone() error {
	return s.SendPacket(MakeDonePacket())
}

func (s *PacketSender) SendPing() error {
	return s.SendPacket(MakePingPacket())
}

// Err returns the sticky write error, if any.
func (s *PacketSender) Err() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.err
}

// RunPinger sends a ping every interval until ctx is done or a write
// fails. It blocks; run it on its own goroutine.
func (s *PacketSender) RunPinger(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SendPing(); err != nil {
				return err
			}
		}
	}
}
