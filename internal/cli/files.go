// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxfi/packet"
	"github.com/luxfi/packet/internal/filesvc"
)

var getCmd = &cobra.Command{
	Use:   "get <remote-path>",
	Short: "Stream a file from the server to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		go drain(conn)
		_, err = GetFile(ctx, conn, args[0], cmd.OutOrStdout())
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put <local-file> <remote-path>",
	Short: "Upload a file to the server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		go drain(conn)
		return PutFile(ctx, conn, args[1], data)
	},
}

func drain(conn *packet.Conn) {
	for pk := range conn.MainCh() {
		log.WithField("type", pk.GetType()).Debug("ignoring unsolicited packet")
	}
}

// GetFile streams remotePath into out and returns its file info. The
// transfer is windowed: every window/2 chunks are acknowledged, so a slow
// out slows the server down instead of overflowing the queue.
func GetFile(ctx context.Context, conn *packet.Conn, remotePath string, out io.Writer) (*packet.FileInfo, error) {
	req := packet.MakeStreamFilePacket()
	req.ReqId = packet.NewReqId()
	req.Path = remotePath
	req.Window = filesvc.DefaultWindow
	iter, err := conn.PacketRpcIter(ctx, req)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	first, err := iter.Next(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := first.(*packet.StreamFileResponseType)
	if !ok {
		return nil, fmt.Errorf("bad response packet type: %T", first)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Info == nil || resp.Info.NotFound {
		return nil, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
	}
	if resp.Done {
		return resp.Info, nil
	}
	ackEvery := max(req.Window/2, 1)
	var received int64
	seq := 0
	for next, err := range iter.All(ctx) {
		if err != nil {
			return nil, err
		}
		dataPk, ok := next.(*packet.FileDataPacketType)
		if !ok {
			return nil, fmt.Errorf("invalid data packet type: %T", next)
		}
		if dataPk.Error != "" {
			return nil, errors.New(dataPk.Error)
		}
		if dataPk.Seq != seq {
			return nil, fmt.Errorf("%s: chunk %d missing (got %d)", remotePath, seq, dataPk.Seq)
		}
		if _, err := out.Write(dataPk.Data); err != nil {
			return nil, err
		}
		received += int64(len(dataPk.Data))
		seq++
		if dataPk.Eof {
			break
		}
		if seq%ackEvery == 0 {
			if err := conn.SendPacket(packet.MakeFileDataAckPacket(req.ReqId, seq)); err != nil {
				return nil, fmt.Errorf("sending ack: %w", err)
			}
		}
	}
	if received != resp.Info.Size {
		return nil, fmt.Errorf("%s: received %d of %d bytes", remotePath, received, resp.Info.Size)
	}
	return resp.Info, nil
}

// PutFile uploads data to remotePath through a temp file on the server.
func PutFile(ctx context.Context, conn *packet.Conn, remotePath string, data []byte) error {
	req := packet.MakeWriteFilePacket()
	req.ReqId = packet.NewReqId()
	req.Path = remotePath
	req.UseTemp = true
	iter, err := conn.PacketRpcIter(ctx, req)
	if err != nil {
		return err
	}
	defer iter.Close()
	readyIf, err := iter.Next(ctx)
	if err != nil {
		return fmt.Errorf("waiting for ready: %w", err)
	}
	ready, ok := readyIf.(*packet.WriteFileReadyPacketType)
	if !ok {
		return fmt.Errorf("bad ready packet received: %T", readyIf)
	}
	if ready.Error != "" {
		return errors.New(ready.Error)
	}
	dataPk := packet.MakeFileDataPacket(req.ReqId)
	dataPk.Data = data
	dataPk.Eof = true
	if err := conn.SendPacket(dataPk); err != nil {
		return fmt.Errorf("sending data packet: %w", err)
	}
	doneIf, err := iter.Next(ctx)
	if err != nil {
		return fmt.Errorf("waiting for done: %w", err)
	}
	done, ok := doneIf.(*packet.WriteFileDonePacketType)
	if !ok {
		return fmt.Errorf("bad done packet received: %T", doneIf)
	}
	if done.Error != "" {
		return errors.New(done.Error)
	}
	return nil
}
