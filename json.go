// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"
)

// GatewayServiceName is the JSON-RPC service name: methods are
// "Packet.Call" and "Packet.Send".
const GatewayServiceName = "Packet"

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// GatewayService exposes a packet Client over JSON-RPC 2.0 for UIs that
// speak HTTP.
type GatewayService struct {
	client  Client
	timeout time.Duration
}

// GatewayOption configures the gateway
type GatewayOption func(*GatewayService)

// WithCallTimeout bounds each Packet.Call. Zero means no bound beyond
// the HTTP request's own context.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *GatewayService) { g.timeout = d }
}

// PacketArgs carries one packet as its JSON object.
type PacketArgs struct {
	Packet json.RawMessage `json:"packet"`
}

type CallReply struct {
	ReqId     string       `json:"reqid"`
	Responses []PacketType `json:"responses"`
}

type SendReply struct {
	Type string `json:"type"`
}

// NewGatewayHandler returns an http.Handler serving GatewayService.
func NewGatewayHandler(client Client, opts ...GatewayOption) (http.Handler, error) {
	svc := &GatewayService{client: client}
	for _, opt := range opts {
		opt(svc)
	}
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(svc, GatewayServiceName); err != nil {
		return nil, fmt.Errorf("register gateway service: %w", err)
	}
	return server, nil
}

// Call sends a request packet and collects its responses up to and
// including the final one. A missing reqid is generated.
func (g *GatewayService) Call(r *http.Request, args *PacketArgs, reply *CallReply) error {
	raw, err := withReqId(args.Packet)
	if err != nil {
		return err
	}
	pk, err := ParseJsonPacket(raw)
	if err != nil {
		return err
	}
	rpcPk, ok := pk.(RpcPacketType)
	if !ok {
		return fmt.Errorf("packet type %q is not a request", pk.GetType())
	}
	ctx := r.Context()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	it, err := g.client.PacketRpcIter(ctx, rpcPk)
	if err != nil {
		return err
	}
	reply.ReqId = rpcPk.GetReqId()
	reply.Responses = []PacketType{}
	for resp, err := range it.All(ctx) {
		if err != nil {
			return err
		}
		reply.Responses = append(reply.Responses, resp)
	}
	logger().WithFields(logrus.Fields{
		"reqid":     reply.ReqId,
		"type":      pk.GetType(),
		"responses": len(reply.Responses),
	}).Debug("gateway call done")
	return nil
}

// Send writes a packet without waiting for a response.
func (g *GatewayService) Send(r *http.Request, args *PacketArgs, reply *SendReply) error {
	pk, err := ParseJsonPacket(args.Packet)
	if err != nil {
		return err
	}
	if err := g.client.SendPacket(pk); err != nil {
		return err
	}
	reply.Type = pk.GetType()
	return nil
}

func withReqId(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	if id, _ := fields["reqid"].(string); id != "" {
		return raw, nil
	}
	fields["reqid"] = NewReqId()
	return json.Marshal(fields)
}

// CleanlyCloseBody drains and closes an HTTP response body so the
// connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports transient connection failures
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// SendJSONRequest performs one JSON-RPC 2.0 call against uri, retrying
// transient connection failures with exponential backoff. Remote errors
// come back as *json2.Error.
func SendJSONRequest(ctx context.Context, uri *url.URL, method string, params interface{}, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	log := logger().WithFields(logrus.Fields{"method": method, "uri": uri.String()})
	client := &http.Client{Timeout: 30 * time.Second}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			retry := isRetryableError(err)
			log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "retryable": retry}).Warn("json-rpc request failed")
			if retry {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			// method errors may arrive with a 4xx status and a JSON-RPC body
			var rpcErr *json2.Error
			if err := json2.DecodeClientResponse(resp.Body, reply); errors.As(err, &rpcErr) {
				CleanlyCloseBody(resp.Body)
				return rpcErr
			}
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}
		err = json2.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}
