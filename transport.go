// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Transport types
const (
	TransportStream = "stream" // framed lines over TCP or a unix socket, default
	TransportGRPC   = "grpc"   // framed lines as messages of one gRPC stream
)

// DefaultTransport is the default transport type (stream)
const DefaultTransport = TransportStream

var ErrUnknownTransport = errors.New("packet: unknown transport")

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (*Conn, error)
type listenFunc func(addr string, o *serverOptions) (Server, error)

type transportFuncs struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFuncs{
		TransportStream: {dialStream, listenStream},
	}
)

// registerTransport registers a new transport
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportFuncs{dial, listen}
}

func lookupTransport(name string) (transportFuncs, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the registered transport names, sorted
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
