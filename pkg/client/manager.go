// Package client manages one authenticated gRPC connection to a SpiceDB-compatible
// authorization backend and hands out Permissions, Schema and Watch clients that share
// it. Every call made through those clients gets the same policy: the current bearer
// token, an optional per-call timeout, and retries of transient failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openfga/authzconn/pkg/logger"
	"github.com/openfga/authzconn/pkg/telemetry"
)

// State is the lifecycle state of the managed connection.
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const openKey = "open"

// Manager owns the shared connection. It is safe for concurrent use.
type Manager struct {
	endpoint Endpoint
	opts     *options
	logger   logger.Logger

	credential atomic.Pointer[Credential]

	// lifetime bounds connection establishment and retry waits; it is cancelled by Close.
	lifetime context.Context
	cancel   context.CancelFunc

	opening singleflight.Group

	mu     sync.Mutex
	state  State
	conn   Conn
	caller *Caller
}

// NewManager validates its input and returns a Manager. No connection is made until
// the first accessor call.
func NewManager(address, token string, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if len(o.invalid) > 0 {
		return nil, &ConstructionError{Reason: strings.Join(o.invalid, "; ")}
	}

	endpoint, err := newEndpoint(address, o.useTLS)
	if err != nil {
		return nil, err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	m := &Manager{
		endpoint: endpoint,
		opts:     o,
		logger:   o.logger,
		lifetime: lifetime,
		cancel:   cancel,
	}
	m.RotateCredential(NewBearerCredential(token))

	return m, nil
}

// Endpoint returns the backend this manager connects to.
func (m *Manager) Endpoint() Endpoint {
	return m.endpoint
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RotateCredential replaces the credential. The next attempt of any call, including
// a retry of a call already in progress, carries the new token.
func (m *Manager) RotateCredential(cred Credential) {
	m.credential.Store(&cred)
}

// RotateToken is RotateCredential(NewBearerCredential(token)).
func (m *Manager) RotateToken(token string) {
	m.RotateCredential(NewBearerCredential(token))
}

func (m *Manager) currentCredential() Credential {
	return *m.credential.Load()
}

func (m *Manager) isClosed() bool {
	return m.lifetime.Err() != nil
}

// PermissionsClient returns a permissions service client bound to the shared connection.
func (m *Manager) PermissionsClient(ctx context.Context) (v1.PermissionsServiceClient, error) {
	c, err := m.Caller(ctx)
	if err != nil {
		return nil, err
	}
	return v1.NewPermissionsServiceClient(c), nil
}

// SchemaClient returns a schema service client bound to the shared connection.
func (m *Manager) SchemaClient(ctx context.Context) (v1.SchemaServiceClient, error) {
	c, err := m.Caller(ctx)
	if err != nil {
		return nil, err
	}
	return v1.NewSchemaServiceClient(c), nil
}

// WatchClient returns a watch service client bound to the shared connection.
func (m *Manager) WatchClient(ctx context.Context) (v1.WatchServiceClient, error) {
	c, err := m.Caller(ctx)
	if err != nil {
		return nil, err
	}
	return v1.NewWatchServiceClient(c), nil
}

// Caller returns the policy-wrapped connection, opening it if needed. Any generated
// v1 client can be built on it.
//
// Concurrent callers during establishment share one attempt and its outcome. A caller
// whose ctx ends first gets a *ConnectionError wrapping ctx.Err() and leaves the attempt
// running for the others.
func (m *Manager) Caller(ctx context.Context) (*Caller, error) {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		c := m.caller
		m.mu.Unlock()
		return c, nil
	case StateClosed:
		m.mu.Unlock()
		return nil, ErrClosedConnection
	}
	m.mu.Unlock()

	ch := m.opening.DoChan(openKey, func() (interface{}, error) {
		return m.open()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Caller), nil
	case <-ctx.Done():
		return nil, &ConnectionError{Address: m.endpoint.Address, Err: ctx.Err()}
	}
}

// open runs at most once at a time, under the singleflight key.
func (m *Manager) open() (*Caller, error) {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		c := m.caller
		m.mu.Unlock()
		return c, nil
	case StateClosed:
		m.mu.Unlock()
		return nil, ErrClosedConnection
	}
	m.state = StateOpening
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.lifetime, m.opts.connectTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "client.open", trace.WithAttributes(
		attribute.String("address", m.endpoint.Address),
		attribute.Bool("tls", m.endpoint.UseTLS),
	))
	defer span.End()

	m.logger.Debug("opening connection",
		zap.String("address", m.endpoint.Address),
		zap.Bool("tls", m.endpoint.UseTLS))

	conn, err := m.opts.dialer(ctx, m.endpoint, m.opts.grpcDialOptions()...)
	if err == nil && conn == nil {
		err = errors.New("dialer returned no connection")
	}
	if err == nil && m.opts.blockUntilReady {
		if err = waitUntilReady(ctx, conn); err != nil {
			_ = conn.Close()
			conn = nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		if conn != nil {
			_ = conn.Close()
		}
		dialCounter.WithLabelValues("closed").Inc()
		return nil, ErrClosedConnection
	}

	if err != nil {
		m.state = StateUnopened
		dialCounter.WithLabelValues("failure").Inc()
		telemetry.TraceError(span, err)
		m.logger.Warn("failed to open connection",
			zap.String("address", m.endpoint.Address),
			zap.Error(err))
		return nil, &ConnectionError{Address: m.endpoint.Address, Err: err}
	}

	m.conn = conn
	m.caller = &Caller{manager: m, conn: conn}
	m.state = StateOpen
	dialCounter.WithLabelValues("success").Inc()
	m.logger.Info("connection opened", zap.String("address", m.endpoint.Address))

	return m.caller, nil
}

// Close tears down the connection. Only the first call has an effect; it returns the
// transport's close error, if any. Calls through previously issued clients then fail
// with ErrClosedConnection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	previous := m.state
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	m.logger.Info("closing connection manager",
		zap.String("address", m.endpoint.Address),
		zap.Stringer("previous_state", previous))

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing transport: %w", err)
		}
	}
	return nil
}
