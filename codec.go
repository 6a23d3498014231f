// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Frame layout: ##<len><json>\n, where <len> is the decimal byte length
// of <json> or the literal N when the length is not declared.
const (
	framePrefix    = "##"
	frameNoLength  = "N"
	frameDelimiter = '\n'
)

var (
	errNoType      = errors.New("packet: missing type")
	errUnknownType = errors.New("packet: unknown type")
)

type typeHeader struct {
	Type string `json:"type"`
}

// ParseJsonPacket decodes one JSON object into the packet type named by
// its "type" field.
func ParseJsonPacket(data []byte) (PacketType, error) {
	var header typeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("packet: decode header: %w", err)
	}
	if header.Type == "" {
		return nil, errNoType
	}
	pk, ok := newPacketOfType(header.Type)
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownType, header.Type)
	}
	if err := json.Unmarshal(data, pk); err != nil {
		return nil, fmt.Errorf("packet: decode %s: %w", header.Type, err)
	}
	return pk, nil
}

// DecodeLine turns one line (with or without its trailing newline) into
// a packet. It never fails: anything that is not a well-formed frame of
// a registered type comes back as a *RawPacketType holding the line.
func DecodeLine(line string) PacketType {
	line = strings.TrimSuffix(line, string(frameDelimiter))
	bracePos := strings.IndexByte(line, '{')
	if !strings.HasPrefix(line, framePrefix) || bracePos == -1 {
		return MakeRawPacket(line)
	}
	lenStr := line[len(framePrefix):bracePos]
	payload := line[bracePos:]
	if lenStr != frameNoLength {
		declared, err := strconv.Atoi(lenStr)
		if err != nil || declared != len(payload) {
			return MakeRawPacket(line)
		}
	}
	pk, err := ParseJsonPacket([]byte(payload))
	if err != nil {
		return MakeRawPacket(line)
	}
	return pk
}

// MarshalPacket encodes pk as a single frame, newline included. An empty
// Type field is filled from GetType so hand-built literals encode.
func MarshalPacket(pk PacketType) ([]byte, error) {
	if pk == nil {
		return nil, errors.New("packet: cannot marshal nil packet")
	}
	fillType(pk)
	payload, err := json.Marshal(pk)
	if err != nil {
		return nil, fmt.Errorf("packet: marshal %s: %w", pk.GetType(), err)
	}
	var buf bytes.Buffer
	buf.Grow(len(framePrefix) + 10 + len(payload) + 1)
	buf.WriteString(framePrefix)
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.Write(payload)
	buf.WriteByte(frameDelimiter)
	return buf.Bytes(), nil
}

func fillType(pk PacketType) {
	rval := reflect.ValueOf(pk)
	if rval.Kind() != reflect.Pointer || rval.IsNil() {
		return
	}
	elem := rval.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	field := elem.FieldByName("Type")
	if field.IsValid() && field.Kind() == reflect.String && field.CanSet() && field.String() == "" {
		field.SetString(pk.GetType())
	}
}
