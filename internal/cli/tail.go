// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxfi/packet"
)

var tailCmd = &cobra.Command{
	Use:   "tail [file]",
	Short: "Print the packets of a stream",
	Long: `Print every packet as one JSON line.

With a file argument (or - for stdin) the file is parsed as a packet
stream. Otherwise pktmux connects to --addr and prints what the server
sends until the connection ends.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var parser *packet.PacketParser
		switch {
		case len(args) == 1 && args[0] == "-":
			parser = packet.MakePacketParser(os.Stdin, false)
		case len(args) == 1:
			fd, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer fd.Close()
			parser = packet.MakePacketParser(fd, false)
		default:
			ctx, cancel := signalContext()
			defer cancel()
			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			parser = conn.Parser()
		}
		return printPackets(cmd.OutOrStdout(), parser)
	},
}

func printPackets(out io.Writer, parser *packet.PacketParser) error {
	enc := json.NewEncoder(out)
	for pk := range parser.MainCh {
		if err := enc.Encode(pk); err != nil {
			return fmt.Errorf("failed to print packet: %w", err)
		}
	}
	return parser.GetErr()
}
