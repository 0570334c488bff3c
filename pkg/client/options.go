package client

import (
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/openfga/authzconn/internal/build"
	"github.com/openfga/authzconn/pkg/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
)

// BackoffFunc returns the delay before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

type options struct {
	useTLS          bool
	tlsConfig       *tls.Config
	perCallTimeout  time.Duration
	maxRetries      int
	retryBackoff    BackoffFunc
	connectTimeout  time.Duration
	blockUntilReady bool
	keepalive       *keepalive.ClientParameters
	dialOptions     []grpc.DialOption
	dialer          Dialer
	logger          logger.Logger
	callLogging     bool
	userAgent       string

	// invalid collects problems found while applying options; reported by NewManager.
	invalid []string
}

func defaultOptions() *options {
	return &options{
		useTLS:         true,
		connectTimeout: defaultConnectTimeout,
		dialer:         DialGRPC,
		logger:         logger.NewNoopLogger(),
		userAgent:      build.ProjectName + "/" + build.Version,
	}
}

func (o *options) reject(reason string) {
	o.invalid = append(o.invalid, reason)
}

// Option configures a Manager.
type Option func(*options)

// WithInsecure selects plaintext transport negotiation.
func WithInsecure() Option {
	return func(o *options) {
		o.useTLS = false
	}
}

// WithTLS selects secure (true, the default) or plaintext (false) transport negotiation.
func WithTLS(enabled bool) Option {
	return func(o *options) {
		o.useTLS = enabled
	}
}

// WithTLSConfig sets the TLS configuration and enables TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		if cfg == nil {
			o.reject("tls config must not be nil")
			return
		}
		o.useTLS = true
		o.tlsConfig = cfg
	}
}

// WithPerCallTimeout applies a deadline to every attempt of every call. For
// server-streaming calls it bounds the wait for the first message.
func WithPerCallTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout < 0 {
			o.reject("per-call timeout must not be negative")
			return
		}
		o.perCallTimeout = timeout
	}
}

// WithMaxRetries sets how many times a transiently failing call is retried.
func WithMaxRetries(retries int) Option {
	return func(o *options) {
		if retries < 0 {
			o.reject("max retries must not be negative")
			return
		}
		o.maxRetries = retries
	}
}

// WithRetryBackoff sets the delay before each retry.
func WithRetryBackoff(fn BackoffFunc) Option {
	return func(o *options) {
		if fn == nil {
			o.reject("retry backoff must not be nil")
			return
		}
		o.retryBackoff = fn
	}
}

// WithExponentialBackoff is WithRetryBackoff(ExponentialBackoff(initial, maxInterval)).
func WithExponentialBackoff(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial <= 0 || maxInterval < initial {
			o.reject("exponential backoff requires 0 < initial <= max")
			return
		}
		o.retryBackoff = ExponentialBackoff(initial, maxInterval)
	}
}

// WithConnectTimeout bounds connection establishment.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout <= 0 {
			o.reject("connect timeout must be positive")
			return
		}
		o.connectTimeout = timeout
	}
}

// WithBlockUntilReady makes establishment wait until the transport reports READY
// instead of connecting in the background.
func WithBlockUntilReady() Option {
	return func(o *options) {
		o.blockUntilReady = true
	}
}

// WithKeepalive enables client keepalive pings.
func WithKeepalive(interval, timeout time.Duration, permitWithoutStream bool) Option {
	return func(o *options) {
		if interval <= 0 {
			o.reject("keepalive interval must be positive")
			return
		}
		o.keepalive = &keepalive.ClientParameters{
			Time:                interval,
			Timeout:             timeout,
			PermitWithoutStream: permitWithoutStream,
		}
	}
}

// WithDialOptions appends raw gRPC dial options. They are applied after the ones
// the manager derives from its own options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithDialer replaces the function used to create the shared transport.
func WithDialer(dialer Dialer) Option {
	return func(o *options) {
		if dialer == nil {
			o.reject("dialer must not be nil")
			return
		}
		o.dialer = dialer
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l == nil {
			o.reject("logger must not be nil")
			return
		}
		o.logger = l
	}
}

// WithCallLogging logs the outcome of every attempt through the manager's logger.
func WithCallLogging() Option {
	return func(o *options) {
		o.callLogging = true
	}
}

func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = userAgent
	}
}
