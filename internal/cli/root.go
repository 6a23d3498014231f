// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cli implements the pktmux commands using cobra.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luxfi/packet"
)

var (
	configFile string

	v   = newViper()
	cfg *Config
	log logrus.FieldLogger = logrus.StandardLogger()
)

var rootCmd = &cobra.Command{
	Use:   "pktmux",
	Short: "pktmux - packet transport for terminal sessions",
	Long: `pktmux serves and inspects line-framed packet streams.

A packet is one line: ##<len><json>. Requests carry a reqid and their
responses are routed back to the waiting caller; everything else is
delivered in order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := LoadConfig(v, configFile)
		if err != nil {
			return err
		}
		logger, err := NewLogger(loaded.Log)
		if err != nil {
			return err
		}
		cfg = loaded
		log = logger
		packet.SetLogger(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.StringP("transport", "t", packet.DefaultTransport, "packet transport (stream, grpc)")
	flags.StringP("addr", "a", "127.0.0.1:7333", "server address, unix:<path> for a unix socket")
	flags.String("log-level", "info", "log level")
	flags.String("log-file", "", "log to a rotated file instead of stderr")
	v.BindPFlag("transport", flags.Lookup("transport"))
	v.BindPFlag("addr", flags.Lookup("addr"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.file", flags.Lookup("log-file"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(callCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func dial(ctx context.Context) (*packet.Conn, error) {
	conn, err := packet.Dial(ctx, cfg.Addr, packet.WithTransport(cfg.Transport))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}
	return conn, nil
}
