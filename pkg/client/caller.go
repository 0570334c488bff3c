package client

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/openfga/authzconn/pkg/logger"
	"github.com/openfga/authzconn/pkg/middleware/requestid"
)

const (
	authorizationHeader = "authorization"

	// RequestIDHeader carries an id that is stable across the retries of one call.
	RequestIDHeader = requestid.RequestIDHeader
)

// Caller is the shared connection seen through the manager's call policy. It
// implements grpc.ClientConnInterface so generated clients can be built on it.
// A Caller does not own the connection.
type Caller struct {
	manager *Manager
	conn    Conn
}

var _ grpc.ClientConnInterface = (*Caller)(nil)

// Invoke performs a unary call, retrying transient failures as configured.
func (c *Caller) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	m := c.manager
	ctx = m.startCall(ctx)

	for attempt := 1; ; attempt++ {
		if m.isClosed() {
			return closedError(method)
		}

		attemptCtx, cancel := m.unaryAttemptContext(ctx)
		callAttemptCounter.WithLabelValues(method).Inc()

		err := c.conn.Invoke(attemptCtx, method, args, reply, opts...)
		if err == nil {
			cancel()
			return nil
		}

		retryable, err := classifyAttempt(ctx, attemptCtx, err)
		cancel()

		if m.isClosed() {
			return closedError(method)
		}
		if !retryable {
			return &CallError{Method: method, Attempts: attempt, Err: err}
		}
		if attempt > m.opts.maxRetries {
			return &CallError{Method: method, Attempts: attempt, Exhausted: true, Err: err}
		}
		if werr := m.waitBeforeRetry(ctx, method, attempt, err); werr != nil {
			return werr
		}
	}
}

// NewStream opens a stream. Server-streaming calls are retried until their first
// message arrives; other stream kinds only retry stream creation.
func (c *Caller) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	m := c.manager
	if m.isClosed() {
		return nil, closedError(method)
	}

	s := &retryingStream{
		caller:     c,
		callerCtx:  m.startCall(ctx),
		desc:       desc,
		method:     method,
		opts:       opts,
		replayable: desc.ServerStreams && !desc.ClientStreams,
	}

	if err := s.attempt(); err != nil {
		if err := s.recover(err); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// startCall tags a logical call with a request id unless the caller already set one.
func (m *Manager) startCall(ctx context.Context) context.Context {
	ctx, requestID := requestid.Outgoing(ctx)
	return logger.ContextWithRequestID(ctx, requestID)
}

// withCredential attaches the credential as of now to the outgoing metadata.
func (m *Manager) withCredential(ctx context.Context) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()

	if value := m.currentCredential().authorizationValue(); value != "" {
		md.Set(authorizationHeader, value)
	} else {
		delete(md, authorizationHeader)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

func (m *Manager) unaryAttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = m.withCredential(ctx)
	if m.opts.perCallTimeout > 0 {
		return context.WithTimeoutCause(ctx, m.opts.perCallTimeout, errAttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// waitBeforeRetry records a retry and sleeps for the configured backoff. It returns
// the terminal error if the caller gives up or the manager closes while waiting.
func (m *Manager) waitBeforeRetry(ctx context.Context, method string, attempt int, cause error) error {
	callRetryCounter.WithLabelValues(method).Inc()
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
		attribute.String("method", method),
		attribute.Int("attempt", attempt),
	))

	var delay time.Duration
	if m.opts.retryBackoff != nil {
		delay = m.opts.retryBackoff(attempt)
	}

	m.logger.DebugWithContext(ctx, "retrying call after transient failure",
		zap.String("method", method),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))

	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &CallError{Method: method, Attempts: attempt, Err: status.FromContextError(ctx.Err()).Err()}
	case <-m.lifetime.Done():
		return closedError(method)
	}
}

func closedError(method string) error {
	return fmt.Errorf("%s: %w", method, ErrClosedConnection)
}
