package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/ripc"
	"github.com/Zereker/ripc/compress"
)

// echo writes every data message back. Messages over 1KB go out at low
// priority.
type echo struct {
	messages atomic.Int64
}

func (e *echo) Handle(conn *ripc.Conn, m ripc.Message) error {
	n := e.messages.Add(1)
	if n%1000 == 0 {
		slog.Info("echoed", "messages", n, "addr", conn.Addr())
	}

	priority := ripc.PriorityHigh
	if len(m.Data) > 1024 {
		priority = ripc.PriorityLow
	}
	// Data aliases the channel's read buffer
	return conn.Write(append([]byte(nil), m.Data...), priority)
}

func main() {
	listen := flag.String("listen", "127.0.0.1:14002", "address to listen on")
	codec := flag.String("compression", "none", "compression: none, zlib or lz4")
	flag.Parse()

	typ, err := compress.ParseType(*codec)
	if err != nil {
		slog.Error("invalid compression", "error", err)
		os.Exit(1)
	}
	addr, err := net.ResolveTCPAddr("tcp", *listen)
	if err != nil {
		slog.Error("invalid address", "error", err)
		os.Exit(1)
	}

	server, err := ripc.New(addr,
		ripc.ServerLoggerOption(slog.Default()),
		ripc.ServerShutdownTimeoutOption(5*time.Second),
		ripc.ServerConnOptions(
			ripc.CompressionOption(typ, 0),
			ripc.PackingOption(true),
			ripc.HeartbeatOption(30*time.Second),
			ripc.MetricsOption(ripc.NewMetrics(prometheus.DefaultRegisterer, "echo")),
			ripc.OnErrorOption(func(err error) ripc.ErrorAction {
				slog.Error("connection error", "error", err)
				return ripc.Disconnect
			}),
		),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", server.Addr().String(), "compression", typ.String())
	if err := server.Serve(ctx, &echo{}); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
