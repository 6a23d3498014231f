// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/luxfi/packet"
	"github.com/luxfi/packet/internal/filesvc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a packet server",
	Long: `Run a packet server on --addr.

The server answers streamfile and writefile requests for files under
--root. With --gateway set it also serves JSON-RPC 2.0 over HTTP
(Packet.Call, Packet.Send), forwarding to itself over a loopback
connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runServe(ctx)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("root", ".", "directory served to file requests")
	flags.String("gateway", "", "HTTP address of the JSON-RPC gateway (disabled when empty)")
	flags.Duration("ping-interval", 0, "heartbeat interval (0 disables)")
	v.BindPFlag("serve.root", flags.Lookup("root"))
	v.BindPFlag("serve.gateway", flags.Lookup("gateway"))
	v.BindPFlag("serve.ping_interval", flags.Lookup("ping-interval"))
}

func runServe(ctx context.Context) error {
	srv, err := packet.Listen(cfg.Addr,
		packet.WithServerTransport(cfg.Transport),
		packet.WithPingInterval(cfg.Serve.PingInterval),
	)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if _, err := filesvc.Register(srv, cfg.Serve.Root, log); err != nil {
		srv.Close()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()
	log.WithField("addr", srv.Addr()).WithField("root", cfg.Serve.Root).Info("pktmux serving")

	if cfg.Serve.Gateway != "" {
		if err := runGateway(ctx, srv.Addr()); err != nil {
			cancel()
			<-serveErr
			return err
		}
	}
	select {
	case <-ctx.Done():
		return <-serveErr
	case err := <-serveErr:
		return err
	}
}

// runGateway starts the HTTP gateway in the background; it stops with ctx.
func runGateway(ctx context.Context, addr string) error {
	conn, err := packet.Dial(ctx, addr, packet.WithTransport(cfg.Transport))
	if err != nil {
		return fmt.Errorf("gateway loopback: %w", err)
	}
	handler, err := packet.NewGatewayHandler(conn, packet.WithCallTimeout(cfg.Serve.CallTimeout))
	if err != nil {
		conn.Close()
		return err
	}
	// unsolicited packets must be consumed or the loopback parser stalls
	go func() {
		for pk := range conn.MainCh() {
			log.WithField("type", pk.GetType()).Debug("gateway: unsolicited packet")
		}
	}()
	httpSrv := &http.Server{
		Addr:              cfg.Serve.Gateway,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		conn.Close()
	}()
	go func() {
		log.WithField("gateway", cfg.Serve.Gateway).Info("json-rpc gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("json-rpc gateway failed")
		}
	}()
	return nil
}
