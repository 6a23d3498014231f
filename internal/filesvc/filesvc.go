// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package filesvc serves file reads and writes over a packet server,
// confined to one root directory.
package filesvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/packet"
)

// ChunkSize is the maximum payload of one filedata packet.
const ChunkSize = 32 * 1024

// DefaultWindow is the stream window clients use: at most this many
// chunks are in flight before the client acknowledges. It stays below
// packet.DefaultIterQueueSize so a windowed stream never overflows the
// client's queue.
const DefaultWindow = 8

// MaxWindow caps the window a client may ask for.
const MaxWindow = 64

// writeQueueSize bounds the filedata packets of an upload that may be in
// flight before the service has written them out.
const writeQueueSize = 64

type Service struct {
	root string
	log  logrus.FieldLogger
}

// Register installs the streamfile and writefile handlers on srv.
func Register(srv packet.Server, root string, log logrus.FieldLogger) (*Service, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filesvc root: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Service{root: abs, log: log.WithField("component", "filesvc")}
	srv.Handle(packet.StreamFilePacketStr, s.handleStreamFile)
	srv.Handle(packet.WriteFilePacketStr, s.handleWriteFile)
	return s, nil
}

// resolve maps a request path into root; ".." cannot climb out of it.
func (s *Service) resolve(reqPath string) (string, error) {
	if reqPath == "" {
		return "", errors.New("empty path")
	}
	return filepath.Join(s.root, filepath.Clean("/"+reqPath)), nil
}

func makeFileInfo(name string, finfo fs.FileInfo) *packet.FileInfo {
	return &packet.FileInfo{
		Name:  name,
		Size:  finfo.Size(),
		ModTs: finfo.ModTime().UnixMilli(),
		IsDir: finfo.IsDir(),
		Perm:  int(finfo.Mode().Perm()),
	}
}

func (s *Service) handleStreamFile(ctx context.Context, pk packet.PacketType, sender *packet.PacketSender) {
	req := pk.(*packet.StreamFilePacketType)
	log := s.log.WithFields(logrus.Fields{"reqid": req.ReqId, "path": req.Path})
	resp := packet.MakeStreamFileResponse(req.ReqId)
	sendFinal := func() {
		resp.Done = true
		if err := sender.SendPacket(resp); err != nil {
			log.WithError(err).Warn("send streamfile response")
		}
	}
	path, err := s.resolve(req.Path)
	if err != nil {
		resp.Error = err.Error()
		sendFinal()
		return
	}
	fd, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		resp.Info = &packet.FileInfo{Name: req.Path, NotFound: true}
		sendFinal()
		return
	}
	if err != nil {
		resp.Error = err.Error()
		sendFinal()
		return
	}
	defer fd.Close()
	finfo, err := fd.Stat()
	if err != nil {
		resp.Error = err.Error()
		sendFinal()
		return
	}
	resp.Info = makeFileInfo(req.Path, finfo)
	if req.StatOnly || finfo.IsDir() {
		sendFinal()
		return
	}
	// acks are registered before the client can see the response
	var acks *packet.RpcResponseIter
	window := min(req.Window, MaxWindow)
	if window > 0 {
		parser := packet.ConnParser(ctx)
		if parser == nil {
			resp.Error = "no connection parser"
			sendFinal()
			return
		}
		parser.RegisterRpcSz(req.ReqId, window)
		acks = parser.GetCheckedResponseIter(req.ReqId)
		defer acks.Close()
	}
	if err := sender.SendPacket(resp); err != nil {
		log.WithError(err).Warn("send streamfile response")
		return
	}
	var reader io.Reader = fd
	if len(req.ByteRange) == 2 {
		start, end := req.ByteRange[0], req.ByteRange[1]
		if _, err := fd.Seek(start, io.SeekStart); err != nil {
			s.sendDataError(sender, req.ReqId, err)
			return
		}
		if end > start {
			reader = io.LimitReader(fd, end-start)
		}
	}
	if err := s.streamData(ctx, sender, req.ReqId, reader, acks, window); err != nil {
		log.WithError(err).Warn("stream file data")
	}
}

// streamData sends r as numbered chunks. With acks set, no more than
// window chunks are sent ahead of the last acknowledgement.
func (s *Service) streamData(ctx context.Context, sender *packet.PacketSender, reqId string, r io.Reader, acks *packet.RpcResponseIter, window int) error {
	buf := make([]byte, ChunkSize)
	acked := 0
	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for acks != nil && seq-acked >= window {
			resp, err := acks.Next(ctx)
			if err != nil {
				return fmt.Errorf("waiting for ack: %w", err)
			}
			if resp == nil {
				return errors.New("ack stream closed")
			}
			if ack, ok := resp.(*packet.FileDataAckPacketType); ok && ack.Seq > acked {
				acked = ack.Seq
			}
		}
		n, err := io.ReadFull(r, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			s.sendDataError(sender, reqId, err)
			return err
		}
		dataPk := packet.MakeFileDataPacket(reqId)
		dataPk.Seq = seq
		dataPk.Data = append([]byte(nil), buf[:n]...)
		dataPk.Eof = eof
		if err := sender.SendPacket(dataPk); err != nil {
			return err
		}
		if eof {
			return nil
		}
	}
}

func (s *Service) sendDataError(sender *packet.PacketSender, reqId string, err error) {
	dataPk := packet.MakeFileDataPacket(reqId)
	dataPk.Error = err.Error()
	if sendErr := sender.SendPacket(dataPk); sendErr != nil {
		s.log.WithError(sendErr).WithField("reqid", reqId).Warn("send filedata error")
	}
}

func (s *Service) handleWriteFile(ctx context.Context, pk packet.PacketType, sender *packet.PacketSender) {
	req := pk.(*packet.WriteFilePacketType)
	log := s.log.WithFields(logrus.Fields{"reqid": req.ReqId, "path": req.Path})
	ready := packet.MakeWriteFileReadyPacket(req.ReqId)
	sendReadyError := func(err error) {
		ready.Error = err.Error()
		if err := sender.SendPacket(ready); err != nil {
			log.WithError(err).Warn("send writefile ready")
		}
	}
	path, err := s.resolve(req.Path)
	if err != nil {
		sendReadyError(err)
		return
	}
	parser := packet.ConnParser(ctx)
	if parser == nil {
		sendReadyError(errors.New("no connection parser"))
		return
	}
	// register before announcing ready so no data packet can slip past
	parser.RegisterRpcSz(req.ReqId, writeQueueSize)
	dataIter := parser.GetCheckedResponseIter(req.ReqId)
	defer dataIter.Close()

	out, finalize, err := openForWrite(path, req.UseTemp)
	if err != nil {
		sendReadyError(err)
		return
	}
	if err := sender.SendPacket(ready); err != nil {
		out.Close()
		finalize(false)
		log.WithError(err).Warn("send writefile ready")
		return
	}
	writeErr := s.receiveData(ctx, dataIter, out)
	if err := out.Close(); writeErr == nil {
		writeErr = err
	}
	if err := finalize(writeErr == nil); writeErr == nil {
		writeErr = err
	}
	done := packet.MakeWriteFileDonePacket(req.ReqId)
	if writeErr != nil {
		done.Error = writeErr.Error()
		log.WithError(writeErr).Warn("write file failed")
	}
	if err := sender.SendPacket(done); err != nil {
		log.WithError(err).Warn("send writefile done")
	}
}

func (s *Service) receiveData(ctx context.Context, dataIter *packet.RpcResponseIter, out io.Writer) error {
	for resp, err := range dataIter.All(ctx) {
		if err != nil {
			return err
		}
		dataPk, ok := resp.(*packet.FileDataPacketType)
		if !ok {
			return fmt.Errorf("unexpected packet type %q during write", resp.GetType())
		}
		if dataPk.Error != "" {
			return fmt.Errorf("client error: %s", dataPk.Error)
		}
		if _, err := out.Write(dataPk.Data); err != nil {
			return err
		}
		if dataPk.Eof {
			return nil
		}
	}
	return errors.New("data stream ended before eof")
}

// openForWrite opens path, or a temp file next to it when useTemp is
// set. finalize(true) moves the temp file into place; finalize(false)
// discards it.
func openForWrite(path string, useTemp bool) (*os.File, func(ok bool) error, error) {
	if !useTemp {
		fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, nil, err
		}
		return fd, func(bool) error { return nil }, nil
	}
	fd, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, nil, err
	}
	tmpName := fd.Name()
	return fd, func(ok bool) error {
		if !ok {
			return os.Remove(tmpName)
		}
		return os.Rename(tmpName, path)
	}, nil
}
