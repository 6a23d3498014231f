// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"fmt"
	"reflect"
	"sync"
)

// Packet type discriminants
const (
	RawPacketStr            = "raw"
	DonePacketStr           = "done"
	PingPacketStr           = "ping"
	ResponsePacketStr       = "resp"
	MessagePacketStr        = "message"
	StreamFilePacketStr     = "streamfile"
	StreamFileResponseStr   = "streamfileresp"
	FileDataPacketStr       = "filedata"
	FileDataAckPacketStr    = "filedataack"
	WriteFilePacketStr      = "writefile"
	WriteFileReadyPacketStr = "writefileready"
	WriteFileDonePacketStr  = "writefiledone"
)

// PacketType is any value carried over the wire. The discriminant is
// serialized as the "type" field.
type PacketType interface {
	GetType() string
}

// RpcPacketType is a request that expects one or more responses
// addressed back to its request id.
type RpcPacketType interface {
	PacketType
	GetReqId() string
}

// RpcResponsePacketType is routed to the waiter registered under
// GetResponseId. GetResponseDone reports the last response of a request.
type RpcResponsePacketType interface {
	PacketType
	GetResponseId() string
	GetResponseDone() bool
}

var (
	typeMapMu sync.RWMutex
	typeMap   = map[string]reflect.Type{}
)

func init() {
	RegisterPacketType(RawPacketStr, &RawPacketType{})
	RegisterPacketType(DonePacketStr, &DonePacketType{})
	RegisterPacketType(PingPacketStr, &PingPacketType{})
	RegisterPacketType(ResponsePacketStr, &ResponsePacketType{})
	RegisterPacketType(MessagePacketStr, &MessagePacketType{})
	RegisterPacketType(StreamFilePacketStr, &StreamFilePacketType{})
	RegisterPacketType(StreamFileResponseStr, &StreamFileResponseType{})
	RegisterPacketType(FileDataPacketStr, &FileDataPacketType{})
	RegisterPacketType(FileDataAckPacketStr, &FileDataAckPacketType{})
	RegisterPacketType(WriteFilePacketStr, &WriteFilePacketType{})
	RegisterPacketType(WriteFileReadyPacketStr, &WriteFileReadyPacketType{})
	RegisterPacketType(WriteFileDonePacketStr, &WriteFileDonePacketType{})
}

// RegisterPacketType makes typeStr decodable into the concrete type of
// proto, which must be a pointer to a struct. Registering a type twice
// replaces the earlier registration.
func RegisterPacketType(typeStr string, proto PacketType) {
	rtype := reflect.TypeOf(proto)
	if rtype == nil || rtype.Kind() != reflect.Pointer || rtype.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("packet: RegisterPacketType(%q) needs a struct pointer, got %T", typeStr, proto))
	}
	typeMapMu.Lock()
	defer typeMapMu.Unlock()
	typeMap[typeStr] = rtype.Elem()
}

// IsRegisteredPacketType reports whether typeStr can be decoded.
func IsRegisteredPacketType(typeStr string) bool {
	typeMapMu.RLock()
	defer typeMapMu.RUnlock()
	_, ok := typeMap[typeStr]
	return ok
}

func newPacketOfType(typeStr string) (PacketType, bool) {
	typeMapMu.RLock()
	rtype, ok := typeMap[typeStr]
	typeMapMu.RUnlock()
	if !ok {
		return nil, false
	}
	pk, ok := reflect.New(rtype).Interface().(PacketType)
	return pk, ok
}

// RawPacketType wraps a line that did not parse as a packet.
type RawPacketType struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (*RawPacketType) GetType() string {
	return RawPacketStr
}

func MakeRawPacket(val string) *RawPacketType {
	return &RawPacketType{Type: RawPacketStr, Data: val}
}

// DonePacketType ends a stream. The parser stops reading when it sees one.
type DonePacketType struct {
	Type string `json:"type"`
}

func (*DonePacketType) GetType() string {
	return DonePacketStr
}

func MakeDonePacket() *DonePacketType {
	return &DonePacketType{Type: DonePacketStr}
}

// PingPacketType is a heartbeat; parsers drop it.
type PingPacketType struct {
	Type string `json:"type"`
}

func (*PingPacketType) GetType() string {
	return PingPacketStr
}

func MakePingPacket() *PingPacketType {
	return &PingPacketType{Type: PingPacketStr}
}

// ResponsePacketType is a single, final answer to a request.
type ResponsePacketType struct {
	Type    string      `json:"type"`
	RespId  string      `json:"respid"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (*ResponsePacketType) GetType() string {
	return ResponsePacketStr
}

func (pk *ResponsePacketType) GetResponseId() string {
	return pk.RespId
}

func (*ResponsePacketType) GetResponseDone() bool {
	return true
}

// Err returns the remote error, if any.
func (pk *ResponsePacketType) Err() error {
	if pk.Success {
		return nil
	}
	if pk.Error == "" {
		return fmt.Errorf("remote error (no message)")
	}
	return fmt.Errorf("remote error: %s", pk.Error)
}

func MakeResponsePacket(reqId string, data interface{}) *ResponsePacketType {
	return &ResponsePacketType{Type: ResponsePacketStr, RespId: reqId, Success: true, Data: data}
}

func MakeErrorResponsePacket(reqId string, err error) *ResponsePacketType {
	return &ResponsePacketType{Type: ResponsePacketStr, RespId: reqId, Error: err.Error()}
}

// MessagePacketType carries a free-form log line for a command.
type MessagePacketType struct {
	Type    string `json:"type"`
	CK      string `json:"ck,omitempty"`
	Message string `json:"message"`
}

func (*MessagePacketType) GetType() string {
	return MessagePacketStr
}

func MakeMessagePacket(message string) *MessagePacketType {
	return &MessagePacketType{Type: MessagePacketStr, Message: message}
}

type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	ModTs    int64  `json:"modts"`
	IsDir    bool   `json:"isdir,omitempty"`
	Perm     int    `json:"perm"`
	NotFound bool   `json:"notfound,omitempty"`
}

// StreamFilePacketType asks the remote side for a file. The remote
// answers with one StreamFileResponseType followed, unless StatOnly is
// set, by FileDataPacketType chunks.
//
// With Window > 0 the remote keeps at most Window chunks unacknowledged
// and waits for FileDataAckPacketType before sending more. Without a
// window the chunks are sent as fast as the stream takes them.
type StreamFilePacketType struct {
	Type      string  `json:"type"`
	ReqId     string  `json:"reqid"`
	Path      string  `json:"path"`
	ByteRange []int64 `json:"byterange,omitempty"`
	StatOnly  bool    `json:"statonly,omitempty"`
	Window    int     `json:"window,omitempty"`
}

func (*StreamFilePacketType) GetType() string {
	return StreamFilePacketStr
}

func (pk *StreamFilePacketType) GetReqId() string {
	return pk.ReqId
}

func MakeStreamFilePacket() *StreamFilePacketType {
	return &StreamFilePacketType{Type: StreamFilePacketStr}
}

type StreamFileResponseType struct {
	Type   string    `json:"type"`
	RespId string    `json:"respid"`
	Done   bool      `json:"done,omitempty"`
	Info   *FileInfo `json:"info,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func (*StreamFileResponseType) GetType() string {
	return StreamFileResponseStr
}

func (pk *StreamFileResponseType) GetResponseId() string {
	return pk.RespId
}

func (pk *StreamFileResponseType) GetResponseDone() bool {
	return pk.Done
}

func MakeStreamFileResponse(respId string) *StreamFileResponseType {
	return &StreamFileResponseType{Type: StreamFileResponseStr, RespId: respId}
}

// FileDataPacketType is one chunk of file content. Data is base64 on
// the wire (encoding/json []byte handling).
// Seq numbers the chunks of one stream from 0.
type FileDataPacketType struct {
	Type   string `json:"type"`
	RespId string `json:"respid"`
	Seq    int    `json:"seq"`
	Data   []byte `json:"data,omitempty"`
	Eof    bool   `json:"eof,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (*FileDataPacketType) GetType() string {
	return FileDataPacketStr
}

func (pk *FileDataPacketType) GetResponseId() string {
	return pk.RespId
}

func (pk *FileDataPacketType) GetResponseDone() bool {
	return pk.Eof || pk.Error != ""
}

func MakeFileDataPacket(respId string) *FileDataPacketType {
	return &FileDataPacketType{Type: FileDataPacketStr, RespId: respId}
}

// FileDataAckPacketType tells the sender of a windowed stream that the
// first Seq chunks have been consumed. Acks are cumulative.
type FileDataAckPacketType struct {
	Type   string `json:"type"`
	RespId string `json:"respid"`
	Seq    int    `json:"seq"`
}

func (*FileDataAckPacketType) GetType() string {
	return FileDataAckPacketStr
}

func (pk *FileDataAckPacketType) GetResponseId() string {
	return pk.RespId
}

func (*FileDataAckPacketType) GetResponseDone() bool {
	return false
}

func MakeFileDataAckPacket(respId string, seq int) *FileDataAckPacketType {
	return &FileDataAckPacketType{Type: FileDataAckPacketStr, RespId: respId, Seq: seq}
}

// WriteFilePacketType starts an upload. The remote replies with
// WriteFileReadyPacketType, receives FileDataPacketType chunks addressed
// to ReqId and finishes with WriteFileDonePacketType.
type WriteFilePacketType struct {
	Type    string `json:"type"`
	ReqId   string `json:"reqid"`
	Path    string `json:"path"`
	UseTemp bool   `json:"usetemp,omitempty"`
}

func (*WriteFilePacketType) GetType() string {
	return WriteFilePacketStr
}

func (pk *WriteFilePacketType) GetReqId() string {
	return pk.ReqId
}

func MakeWriteFilePacket() *WriteFilePacketType {
	return &WriteFilePacketType{Type: WriteFilePacketStr}
}

type WriteFileReadyPacketType struct {
	Type   string `json:"type"`
	RespId string `json:"respid"`
	Error  string `json:"error,omitempty"`
}

func (*WriteFileReadyPacketType) GetType() string {
	return WriteFileReadyPacketStr
}

func (pk *WriteFileReadyPacketType) GetResponseId() string {
	return pk.RespId
}

// a failed ready is also the last response
func (pk *WriteFileReadyPacketType) GetResponseDone() bool {
	return pk.Error != ""
}

func MakeWriteFileReadyPacket(respId string) *WriteFileReadyPacketType {
	return &WriteFileReadyPacketType{Type: WriteFileReadyPacketStr, RespId: respId}
}

type WriteFileDonePacketType struct {
	Type   string `json:"type"`
	RespId string `json:"respid"`
	Error  string `json:"error,omitempty"`
}

func (*WriteFileDonePacketType) GetType() string {
	return WriteFileDonePacketStr
}

func (pk *WriteFileDonePacketType) GetResponseId() string {
	return pk.RespId
}

func (*WriteFileDonePacketType) GetResponseDone() bool {
	return true
}

func MakeWriteFileDonePacket(respId string) *WriteFileDonePacketType {
	return &WriteFileDonePacketType{Type: WriteFileDonePacketStr, RespId: respId}
}
