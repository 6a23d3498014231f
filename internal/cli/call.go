// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/luxfi/packet"
)

var (
	callGateway string
	callNoWait  bool
)

// callReply mirrors packet.CallReply with responses left undecoded.
type callReply struct {
	ReqId     string            `json:"reqid"`
	Responses []json.RawMessage `json:"responses"`
}

var callCmd = &cobra.Command{
	Use:   "call <packet-json>",
	Short: "Send a packet through a JSON-RPC gateway",
	Long: `Send a JSON packet through the gateway of a running "pktmux serve".

By default the packet is a request and every response is printed, one
JSON document per line. With --no-wait the packet is only written.`,
	Example: `  pktmux call --gateway http://127.0.0.1:7334 '{"type":"streamfile","path":"go.mod","statonly":true}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uri, err := url.Parse(callGateway)
		if err != nil {
			return fmt.Errorf("invalid gateway url: %w", err)
		}
		if !json.Valid([]byte(args[0])) {
			return fmt.Errorf("packet is not valid json")
		}
		ctx, cancel := signalContext()
		defer cancel()
		params := &packet.PacketArgs{Packet: json.RawMessage(args[0])}
		out := cmd.OutOrStdout()

		if callNoWait {
			var reply packet.SendReply
			if err := packet.SendJSONRequest(ctx, uri, packet.GatewayServiceName+".Send", params, &reply); err != nil {
				return err
			}
			fmt.Fprintf(out, "sent %s\n", reply.Type)
			return nil
		}
		var reply callReply
		if err := packet.SendJSONRequest(ctx, uri, packet.GatewayServiceName+".Call", params, &reply); err != nil {
			return err
		}
		log.WithField("reqid", reply.ReqId).WithField("responses", len(reply.Responses)).Debug("call done")
		for _, resp := range reply.Responses {
			fmt.Fprintln(out, string(resp))
		}
		return nil
	},
}

func init() {
	flags := callCmd.Flags()
	flags.StringVar(&callGateway, "gateway", "http://127.0.0.1:7334", "gateway URL")
	flags.BoolVar(&callNoWait, "no-wait", false, "send without waiting for responses")
}
