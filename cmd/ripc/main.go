package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zereker/ripc"
	"github.com/Zereker/ripc/compress"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "ripc",
		Short: "Inspect and exercise RIPC transport framing",
		Long: `ripc decodes captured RIPC byte streams and sends test traffic.

Captures may be native RIPC, RIPC tunneled through HTTP chunked encoding,
or WebSocket frames carrying RWF or JSON payloads.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log framing decisions to stderr")

	rootCmd.AddCommand(
		decodeCmd(),
		sendCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// transportFlags are the negotiated parameters shared by decode and send.
type transportFlags struct {
	protocol          string
	wsClient          bool
	json              bool
	version           int
	compression       string
	noContextTakeover bool
	maxFragmentSize   int
}

func (f *transportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.protocol, "protocol", "p", "ripc", "Transport: ripc, http or ws")
	cmd.Flags().BoolVar(&f.wsClient, "ws-client", false, "Act as the WebSocket client (mask outgoing frames)")
	cmd.Flags().BoolVar(&f.json, "json", false, "WebSocket JSON subprotocol instead of RWF")
	cmd.Flags().IntVar(&f.version, "version", int(ripc.DefaultVersion), "RIPC protocol version")
	cmd.Flags().StringVarP(&f.compression, "compression", "c", "none", "Compression: none, zlib or lz4")
	cmd.Flags().BoolVar(&f.noContextTakeover, "no-context-takeover", false, "Reset the zlib window after every message")
	cmd.Flags().IntVar(&f.maxFragmentSize, "max-fragment-size", ripc.DefaultMaxFragmentSize, "Negotiated max fragment size")
}

func (f *transportFlags) options() ([]ripc.Option, error) {
	kind, err := ripc.ParseProtocolKind(f.protocol)
	if err != nil {
		return nil, err
	}
	v, err := ripc.ParseVersion(f.version)
	if err != nil {
		return nil, err
	}
	typ, err := compress.ParseType(f.compression)
	if err != nil {
		return nil, err
	}

	var proto ripc.Protocol
	if kind == ripc.KindWebSocket {
		sub := ripc.SubprotocolRWF
		if f.json {
			sub = ripc.SubprotocolJSON
		}
		proto = ripc.NewWebSocketProtocol(f.wsClient, sub, f.json && typ != compress.None)
	} else if proto, err = ripc.NewProtocol(kind); err != nil {
		return nil, err
	}

	return []ripc.Option{
		ripc.ProtocolOption(proto),
		ripc.VersionOption(v),
		ripc.CompressionOption(typ, 0),
		ripc.NoContextTakeoverOption(f.noContextTakeover),
		ripc.MaxFragmentSizeOption(f.maxFragmentSize),
	}, nil
}
