// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Batches go to a Sink: structured slog lines by default, or a ClickHouse
// table when analytics are enabled.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one finished chat request.
type RequestLog struct {
	RequestID string
	Model     string
	Stream    bool
	// CredentialID is the credential that served the request, 0 if none did.
	CredentialID int64
	Attempts     uint16
	Status       uint16
	LatencyMs    uint32
	// Outcome is "success", "exhausted", "no_credentials" or an error class.
	Outcome   string
	CreatedAt time.Time
}

// Sink persists a batch of request logs.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the background flusher. A nil sink writes to slogger.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry without blocking.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains pending entries, flushes them and closes the sink.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.sink.Close()
	})
	return err
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			batch[i].CreatedAt = normalizeTime(batch[i].CreatedAt)
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			atomic.AddInt64(&l.droppedLogs, int64(len(batch)))
			l.log.WarnContext(ctx, "request_log_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			// baseCtx is usually cancelled by now; the final flush must still
			// reach the sink.
			ctx := context.WithoutCancel(l.baseCtx)
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// SlogSink writes each entry as a "request" log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request_completed",
			slog.String("request_id", e.RequestID),
			slog.String("model", e.Model),
			slog.Bool("stream", e.Stream),
			slog.Int64("credential_id", e.CredentialID),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.String("outcome", e.Outcome),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
