package channel

import (
	"context"
	"errors"
	"io"

	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// Connection-based transports bridge their io streams into pipes with
// a pair of pump goroutines: readPump copies connection bytes into the
// inbound pipe, writePump drains the outbound pipe into the
// connection. Either pump completes its pipe on failure, which the
// stable pipes observe as an inner completion and escalate into a
// reconnect.

func readPump(conn io.Reader, sink pipe.Sink) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return
			}
			if _, ferr := sink.Flush(context.Background()); ferr != nil {
				sink.Complete(pipe.NewTransportError(ferr))
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sink.Complete(nil)
			} else {
				sink.Complete(pipe.NewTransportError(err))
			}
			return
		}
	}
}

func writePump(ctx context.Context, source pipe.Source, conn io.Writer) {
	for {
		res, err := source.Read(ctx)
		if err != nil {
			source.Complete(err)
			return
		}
		if len(res.Buffer) > 0 {
			if _, werr := conn.Write(res.Buffer); werr != nil {
				source.Complete(pipe.NewTransportError(werr))
				return
			}
			if aerr := source.AdvanceTo(len(res.Buffer), len(res.Buffer)); aerr != nil {
				return
			}
		}
		if res.IsCompleted {
			return
		}
	}
}
