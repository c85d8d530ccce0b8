package proxy

import (
	"bufio"
	"errors"
	"io"

	"github.com/nulpointcorp/relay-gateway/internal/upstream"
	"github.com/valyala/fasthttp"
)

// streamBufferSize bounds how much of the upstream stream is held in memory
// per request.
const streamBufferSize = 32 << 10

// streamOutcome describes how a streaming relay ended.
type streamOutcome struct {
	bytes int64
	// abortedBy is "", "upstream" or "client".
	abortedBy string
	err       error
}

// writeBuffered re-emits a non-streaming upstream body unchanged.
func writeBuffered(ctx *fasthttp.RequestCtx, resp *upstream.Response) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(resp.Body)
}

// relayStream copies the upstream event stream to the caller as it arrives,
// flushing after every chunk. Writes block while the caller is slow, which
// in turn stops reads from upstream. Either side failing ends the relay; the
// upstream body is always closed. onDone runs once, from the writer
// goroutine.
func relayStream(ctx *fasthttp.RequestCtx, resp *upstream.Response, onDone func(streamOutcome)) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	src := resp.Stream
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		out := copyStream(w, src)
		src.Close()
		if onDone != nil {
			onDone(out)
		}
	})
}

// copyStream is the relay loop, separated from fasthttp for testing.
func copyStream(w *bufio.Writer, src io.Reader) streamOutcome {
	var out streamOutcome
	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				out.abortedBy, out.err = "client", err
				return out
			}
			if err := w.Flush(); err != nil {
				out.abortedBy, out.err = "client", err
				return out
			}
			out.bytes += int64(n)
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				out.abortedBy, out.err = "upstream", rerr
			}
			return out
		}
	}
}
