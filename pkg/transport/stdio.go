package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
)

// StdioConfig configures the stdio transport
type StdioConfig struct {
	// Reader and Writer default to os.Stdin and os.Stdout
	Reader io.Reader
	Writer io.Writer

	// MaxMessageSize bounds a single line (default DefaultMaxMessageSize)
	MaxMessageSize int
}

// StdioTransport serves one client over a line-delimited stream: every line
// is one JSON-RPC message or batch and every reply is written as one line.
// The stream is a single connection, so all lines share one RequestInfo.
type StdioTransport struct {
	handler Handler
	logger  logging.Logger
	metrics *observability.Metrics
	config  StdioConfig

	reader io.Reader
	writer *bufio.Writer
	info   *RequestInfo

	mutex    sync.Mutex // protects writer
	inflight sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// StdioOption configures a StdioTransport
type StdioOption func(*StdioTransport)

// WithStdioLogger sets the transport's logger. Keep it off stdout.
func WithStdioLogger(logger logging.Logger) StdioOption {
	return func(t *StdioTransport) { t.logger = logger }
}

// WithStdioMetrics records batch sizes on m
func WithStdioMetrics(m *observability.Metrics) StdioOption {
	return func(t *StdioTransport) { t.metrics = m }
}

// NewStdioTransport creates a stdio transport dispatching to handler.
func NewStdioTransport(config StdioConfig, handler Handler, opts ...StdioOption) *StdioTransport {
	if config.Reader == nil {
		config.Reader = os.Stdin
	}
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	t := &StdioTransport{
		handler: handler,
		logger:  logging.Nop(),
		config:  config,
		reader:  config.Reader,
		writer:  bufio.NewWriter(config.Writer),
		info:    NewRequestInfo(KindStdio, ""),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithFields(logging.Component("transport.stdio"))
	return t
}

// Kind implements Transport
func (t *StdioTransport) Kind() Kind { return KindStdio }

// Info returns the connection info shared by every message on the stream.
func (t *StdioTransport) Info() *RequestInfo { return t.info }

// Start reads messages until EOF, Stop or cancellation. EOF is a clean close
// and returns nil once in-flight requests have been answered.
func (t *StdioTransport) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), t.config.MaxMessageSize)

	scannerDone := make(chan struct{})

	g.Go(func() error {
		defer close(scannerDone)
		defer t.inflight.Wait()

		for scanner.Scan() {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.done:
				return nil
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			data := make([]byte, len(line))
			copy(data, line)

			// Until the handshake binds a session, lines are handled in
			// order so initialize completes before anything after it.
			if t.info.SessionID() == "" {
				t.processMessage(gctx, data)
				continue
			}
			t.inflight.Add(1)
			go func() {
				defer t.inflight.Done()
				t.processMessage(gctx, data)
			}()
		}

		if err := scanner.Err(); err != nil {
			select {
			case <-t.done:
				return nil
			default:
			}
			return mcperrors.WrapError(err, mcperrors.CodeInternalError, "stdio read failed")
		}
		t.logger.Info("Input closed")
		return nil
	})

	// Closing the reader unblocks Scan on cancellation or Stop.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			t.closeReader()
			return nil
		case <-t.done:
			t.closeReader()
			return nil
		case <-scannerDone:
			return nil
		}
	})

	return g.Wait()
}

func (t *StdioTransport) closeReader() {
	if closer, ok := t.reader.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Stop halts the transport and flushes pending output.
func (t *StdioTransport) Stop(ctx context.Context) error {
	var flushErr error
	t.stopOnce.Do(func() {
		close(t.done)

		t.mutex.Lock()
		flushErr = t.writer.Flush()
		t.mutex.Unlock()
	})
	if flushErr != nil {
		return mcperrors.WrapError(flushErr, mcperrors.CodeInternalError, "stdio flush failed")
	}
	return nil
}

// Send writes data followed by a newline.
func (t *StdioTransport) Send(data []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

// processMessage handles one line and writes the reply, if any.
func (t *StdioTransport) processMessage(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Panic in message processing",
				logging.String("panic", fmt.Sprintf("%v", r)),
				logging.String("stack", string(debug.Stack())),
			)
		}
	}()

	reply, err := handlePayload(ContextWithRequestInfo(ctx, t.info), t.handler, data, t.metrics)
	if err != nil {
		t.logger.Error("Failed to encode response", logging.ErrorField(err))
		return
	}
	if reply == nil {
		return
	}
	if err := t.Send(reply); err != nil {
		t.logger.Error("Failed to write response", logging.ErrorField(err))
	}
}
