package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signature-opensource/commchannel-go/pkg/channel"
	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/message"
)

var (
	flagTCP          string
	flagWS           string
	flagQUIC         string
	flagEndPoint     string
	flagDelimiter    string
	flagReadTimeout  time.Duration
	flagWriteTimeout time.Duration
	flagVerbose      bool
)

func main() {
	root := &cobra.Command{
		Use:   "commcat",
		Short: "Pump line-framed messages between stdio and a communication channel",
		Long: `commcat connects a communication channel to stdio: stdin lines are
sent as frames, received frames are printed to stdout. The channel
reconnects on its own when the transport drops.`,
		RunE: run,
	}
	root.Flags().StringVar(&flagTCP, "tcp", "", "dial a TCP endpoint (host:port)")
	root.Flags().StringVar(&flagWS, "ws", "", "dial a WebSocket endpoint (ws:// or wss:// URL)")
	root.Flags().StringVar(&flagQUIC, "quic", "", "dial a QUIC endpoint (host:port)")
	root.Flags().StringVar(&flagEndPoint, "endpoint", "", "connect to an in-process memory endpoint (allocated on demand)")
	root.Flags().StringVar(&flagDelimiter, "delimiter", "\r\n", "frame delimiter")
	root.Flags().DurationVar(&flagReadTimeout, "read-timeout", 0, "default read timeout (0 disables)")
	root.Flags().DurationVar(&flagWriteTimeout, "write-timeout", 0, "default write timeout (0 disables)")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log at debug level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildConfiguration() (channel.Configuration, error) {
	base := channel.ConfigurationBase{
		DefaultReadTimeout:  flagReadTimeout,
		DefaultWriteTimeout: flagWriteTimeout,
	}
	switch {
	case flagTCP != "":
		return &channel.TCPConfiguration{ConfigurationBase: base, Address: flagTCP}, nil
	case flagWS != "":
		return &channel.WebSocketConfiguration{ConfigurationBase: base, URL: flagWS}, nil
	case flagQUIC != "":
		return &channel.QUICConfiguration{ConfigurationBase: base, Address: flagQUIC}, nil
	case flagEndPoint != "":
		if _, err := channel.AllocateEndPoint(flagEndPoint); err != nil {
			return nil, err
		}
		return &channel.MemoryConfiguration{ConfigurationBase: base, EndPointName: flagEndPoint}, nil
	default:
		return nil, fmt.Errorf("one of --tcp, --ws, --quic or --endpoint is required")
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := logger.LevelInfo
	if flagVerbose {
		level = logger.LevelDebug
	}
	log := logger.NewDefaultLogger(level)

	cfg, err := buildConfiguration()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := channel.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer ch.Dispose(context.Background())

	unsubscribe := ch.OnStatusChanged(func(e channel.StatusChangedEvent) {
		fmt.Fprintf(os.Stderr, "* status: %s\n", e.Status)
		for _, entry := range e.ErrorContext {
			fmt.Fprintf(os.Stderr, "*   %s %s\n", entry.Level, entry.Text)
		}
	})
	defer unsubscribe()

	reader, err := message.NewStringLineReader(ch.Reader(), flagDelimiter)
	if err != nil {
		return err
	}
	writer, err := message.NewStringLineWriter(ch.Writer(), flagDelimiter)
	if err != nil {
		return err
	}

	handler := message.NewHandler[*string](reader, func(_ context.Context, m *string) bool {
		fmt.Println(*m)
		return true
	})
	handler.Start(0)
	defer handler.Stop(true)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if _, err := writer.Write(ctx, scanner.Text()); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
	}
	return scanner.Err()
}
