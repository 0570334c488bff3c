package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config is the declarative form of the manager options, suitable for loading
// from flags, environment variables or a config file.
type Config struct {
	Address string
	Token   string

	TLS TLSConfig

	PerCallTimeout time.Duration
	ConnectTimeout time.Duration

	// BlockUntilReady makes the first accessor call wait for a READY transport.
	BlockUntilReady bool

	Retry RetryConfig

	// KeepaliveTime of zero disables keepalive.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

type TLSConfig struct {
	Enabled bool
	// CAPath is an optional PEM bundle used instead of the system roots.
	CAPath string
	// ServerName overrides the name used to verify the server certificate.
	ServerName string
}

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the configuration NewManager uses when no options are given,
// plus a modest backoff that only matters once MaxRetries is raised.
func DefaultConfig() *Config {
	return &Config{
		TLS: TLSConfig{
			Enabled: true,
		},
		ConnectTimeout: defaultConnectTimeout,
		Retry: RetryConfig{
			MaxRetries:     0,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

// Verify checks the config for values NewManager would reject.
func (cfg *Config) Verify() error {
	var errs []error

	if cfg.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if cfg.PerCallTimeout < 0 {
		errs = append(errs, errors.New("per-call timeout must not be negative"))
	}
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if cfg.Retry.MaxRetries > 0 && (cfg.Retry.InitialBackoff <= 0 || cfg.Retry.MaxBackoff < cfg.Retry.InitialBackoff) {
		errs = append(errs, errors.New("retry backoff requires 0 < initial <= max"))
	}
	if !cfg.TLS.Enabled && (cfg.TLS.CAPath != "" || cfg.TLS.ServerName != "") {
		errs = append(errs, errors.New("tls settings given but tls is disabled"))
	}

	if len(errs) > 0 {
		return &ConstructionError{Reason: errors.Join(errs...).Error()}
	}
	return nil
}

// Options converts the config into manager options. It reads the CA bundle if one is set.
func (cfg *Config) Options() ([]Option, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	opts := []Option{
		WithTLS(cfg.TLS.Enabled),
		WithPerCallTimeout(cfg.PerCallTimeout),
		WithConnectTimeout(cfg.ConnectTimeout),
		WithMaxRetries(cfg.Retry.MaxRetries),
	}

	if cfg.Retry.MaxRetries > 0 {
		opts = append(opts, WithExponentialBackoff(cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff))
	}

	if cfg.BlockUntilReady {
		opts = append(opts, WithBlockUntilReady())
	}

	if cfg.KeepaliveTime > 0 {
		opts = append(opts, WithKeepalive(cfg.KeepaliveTime, cfg.KeepaliveTimeout, false))
	}

	if cfg.TLS.Enabled && (cfg.TLS.CAPath != "" || cfg.TLS.ServerName != "") {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLS.ServerName,
		}
		if cfg.TLS.CAPath != "" {
			pem, err := os.ReadFile(cfg.TLS.CAPath)
			if err != nil {
				return nil, constructionErrorf("reading CA bundle: %v", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, constructionErrorf("no certificates found in %s", cfg.TLS.CAPath)
			}
			tlsConfig.RootCAs = pool
		}
		opts = append(opts, WithTLSConfig(tlsConfig))
	}

	return opts, nil
}

// NewManagerFromConfig is NewManager driven by a Config. extra options are applied last.
func NewManagerFromConfig(cfg *Config, extra ...Option) (*Manager, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, fmt.Errorf("building client options: %w", err)
	}
	return NewManager(cfg.Address, cfg.Token, append(opts, extra...)...)
}
