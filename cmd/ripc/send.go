package main

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/ripc"
)

func sendCmd() *cobra.Command {
	var (
		tf       transportFlags
		count    int
		size     int
		priority string
		packing  bool
		echo     bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send ADDR",
		Short: "Send test messages to a RIPC endpoint",
		Long: `Dial ADDR over TCP and write COUNT messages of SIZE bytes through a
channel, then flush. With --echo every message must come back unchanged.

Examples:
  ripc send localhost:14002
  ripc send --count 100 --size 20000 -c lz4 localhost:14002
  ripc send --echo --packing --priority high localhost:14002`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := tf.options()
			if err != nil {
				return err
			}
			p, err := parsePriority(priority)
			if err != nil {
				return err
			}
			opts = append(opts, ripc.PackingOption(packing))

			conn, err := net.DialTimeout("tcp", args[0], timeout)
			if err != nil {
				return errors.Wrap(err, "dial")
			}
			defer conn.Close()

			ch, err := ripc.NewChannel(conn, opts...)
			if err != nil {
				return err
			}
			defer ch.Close()

			payload := bytes.Repeat([]byte("ripc"), size/4+1)[:size]
			wire := 0
			for i := 0; i < count; i++ {
				res, err := ch.WriteMessage(payload, p, 0)
				if err != nil {
					return errors.Wrapf(err, "write message %d", i)
				}
				wire += res.BytesWritten
			}
			if _, err := ch.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d messages of %d bytes, %d bytes framed\n", count, size, wire)

			if !echo {
				return nil
			}
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
			for got := 0; got < count; {
				msg, err := ch.Read()
				if err != nil {
					return errors.Wrapf(err, "echo %d", got)
				}
				if msg.Kind != ripc.KindData {
					continue
				}
				if !bytes.Equal(msg.Data, payload) {
					return errors.Errorf("echo %d: %d bytes differ from the %d sent", got, len(msg.Data), size)
				}
				got++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "received %d echoes\n", count)
			return nil
		},
	}

	tf.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Messages to send")
	cmd.Flags().IntVarP(&size, "size", "s", 64, "Bytes per message")
	cmd.Flags().StringVar(&priority, "priority", "medium", "Write priority: high, medium or low")
	cmd.Flags().BoolVar(&packing, "packing", false, "Pack small messages into shared envelopes")
	cmd.Flags().BoolVar(&echo, "echo", false, "Expect every message echoed back")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Dial and echo timeout")

	return cmd
}

func parsePriority(s string) (ripc.Priority, error) {
	switch strings.ToLower(s) {
	case "high", "h":
		return ripc.PriorityHigh, nil
	case "medium", "m":
		return ripc.PriorityMedium, nil
	case "low", "l":
		return ripc.PriorityLow, nil
	}
	return 0, errors.Errorf("unknown priority %q", s)
}
