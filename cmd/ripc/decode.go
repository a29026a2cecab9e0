package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/ripc"
)

func decodeCmd() *cobra.Command {
	var (
		tf       transportFlags
		maxBytes int
	)

	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode a captured byte stream",
		Long: `Decode the messages in a captured byte stream, one line per message.

FILE is read from the point where framing starts, after any handshake.
Use - to read standard input.

Examples:
  ripc decode capture.bin
  ripc decode --protocol ws --ws-client --json -c zlib capture.bin
  ripc decode --protocol http --version 12 -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := tf.options()
			if err != nil {
				return err
			}
			return runDecode(cmd.OutOrStdout(), args[0], maxBytes, opts)
		},
	}

	tf.register(cmd)
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 32, "Bytes of each message to hex dump, 0 for all")

	return cmd
}

// capture adapts a read-only stream to the channel's io.ReadWriter.
type capture struct {
	io.Reader
}

func (capture) Write(p []byte) (int, error) { return len(p), nil }

func runDecode(out io.Writer, path string, maxBytes int, opts []ripc.Option) error {
	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "open capture")
		}
		defer f.Close()
		src = f
	}

	ch, err := ripc.NewChannel(capture{src}, opts...)
	if err != nil {
		return err
	}
	defer ch.Close()

	fmt.Fprintf(out, "%+v\n", ch.Info())
	for i := 0; ; i++ {
		msg, err := ch.Read()
		if errors.Is(err, ripc.ErrEndOfStream) {
			fmt.Fprintf(out, "%d messages, %s\n", i, err)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "message %d", i)
		}

		dump := msg.Data
		if maxBytes > 0 && len(dump) > maxBytes {
			dump = dump[:maxBytes]
		}
		fmt.Fprintf(out, "%4d %-5s %-40s %6d %s\n", i, msg.Kind, msg.SubState, msg.Length(), hex.EncodeToString(dump))
	}
}
