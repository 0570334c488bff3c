package client

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

//go:generate mockgen -destination mocks/mock_conn.go -package mocks github.com/openfga/authzconn/pkg/client Conn

// Conn is the transport shared by every handle of a Manager. *grpc.ClientConn satisfies it.
type Conn interface {
	grpc.ClientConnInterface
	Close() error
}

var _ Conn = (*grpc.ClientConn)(nil)

// Dialer creates the shared transport. It is called at most once per successful
// establishment and must honor ctx.
type Dialer func(ctx context.Context, endpoint Endpoint, opts ...grpc.DialOption) (Conn, error)

// DialGRPC is the default Dialer. It creates a grpc.ClientConn and starts
// connecting in the background.
func DialGRPC(_ context.Context, endpoint Endpoint, opts ...grpc.DialOption) (Conn, error) {
	conn, err := grpc.NewClient(endpoint.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", endpoint.Address, err)
	}
	conn.Connect()
	return conn, nil
}

// stateWaiter is implemented by transports that report connectivity, such as *grpc.ClientConn.
type stateWaiter interface {
	GetState() connectivity.State
	WaitForStateChange(ctx context.Context, sourceState connectivity.State) bool
	Connect()
}

// waitUntilReady blocks until conn is READY. A TRANSIENT_FAILURE or SHUTDOWN state, or
// ctx ending first, is an error. Transports that do not report state are assumed ready.
func waitUntilReady(ctx context.Context, conn Conn) error {
	sw, ok := conn.(stateWaiter)
	if !ok {
		return nil
	}

	for {
		state := sw.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			sw.Connect()
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("transport is %s", state)
		}

		if !sw.WaitForStateChange(ctx, state) {
			return fmt.Errorf("transport not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

func (o *options) grpcDialOptions() []grpc.DialOption {
	var creds credentials.TransportCredentials
	if o.useTLS {
		tlsConfig := o.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}

	if o.userAgent != "" {
		dialOpts = append(dialOpts, grpc.WithUserAgent(o.userAgent))
	}

	if o.keepalive != nil {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(*o.keepalive))
	}

	if o.callLogging {
		callLogger := interceptorLogger(o.logger)
		logOpts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
		dialOpts = append(dialOpts,
			grpc.WithChainUnaryInterceptor(logging.UnaryClientInterceptor(callLogger, logOpts...)),
			grpc.WithChainStreamInterceptor(logging.StreamClientInterceptor(callLogger, logOpts...)),
		)
	}

	return append(dialOpts, o.dialOptions...)
}
