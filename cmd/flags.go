package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openfga/authzconn/cmd/util"
	"github.com/openfga/authzconn/pkg/client"
	"github.com/openfga/authzconn/pkg/logger"
	"github.com/openfga/authzconn/pkg/telemetry"
)

const tracingShutdownTimeout = 5 * time.Second

const (
	endpointConf            = "endpoint"
	tokenConf               = "token"
	insecureConf            = "insecure"
	tlsCAPathConf           = "tls.caPath"
	tlsServerNameConf       = "tls.serverName"
	perCallTimeoutConf      = "timeout.perCall"
	connectTimeoutConf      = "timeout.connect"
	blockUntilReadyConf     = "blockUntilReady"
	maxRetriesConf          = "retry.max"
	retryInitialBackoffConf = "retry.initialBackoff"
	retryMaxBackoffConf     = "retry.maxBackoff"
	keepaliveTimeConf       = "keepalive.time"
	keepaliveTimeoutConf    = "keepalive.timeout"
	logFormatConf           = "log.format"
	logLevelConf            = "log.level"
	logCallsConf            = "log.calls"
	traceEnabledConf        = "trace.enabled"
	traceOTLPEndpointConf   = "trace.otlp.endpoint"
	traceOTLPInsecureConf   = "trace.otlp.insecure"
	traceSampleRatioConf    = "trace.sampleRatio"
	defaultLogFormat        = "text"
	defaultLogLevel         = "warn"
)

// bindConnectionFlags binds the persistent connection flags to the equivalent config value
// being managed by viper. Every subcommand shares them.
func bindConnectionFlags(command *cobra.Command) {
	defaultConfig := client.DefaultConfig()
	flags := command.PersistentFlags()

	flags.String("endpoint", defaultConfig.Address, "the host:port address of the authorization service")
	util.MustBindPFlag(endpointConf, flags.Lookup("endpoint"))
	util.MustBindEnv(endpointConf, "AUTHZED_ENDPOINT")

	flags.String("token", defaultConfig.Token, "the bearer token sent with every call")
	util.MustBindPFlag(tokenConf, flags.Lookup("token"))
	util.MustBindEnv(tokenConf, "AUTHZED_TOKEN")

	flags.Bool("insecure", !defaultConfig.TLS.Enabled, "connect without transport layer security (TLS)")
	util.MustBindPFlag(insecureConf, flags.Lookup("insecure"))
	util.MustBindEnv(insecureConf, "AUTHZED_INSECURE")

	flags.String("tls-ca-path", defaultConfig.TLS.CAPath, "the (absolute) file path of a PEM bundle used to verify the server certificate")
	util.MustBindPFlag(tlsCAPathConf, flags.Lookup("tls-ca-path"))
	util.MustBindEnv(tlsCAPathConf, "AUTHZED_TLS_CA_PATH")

	flags.String("tls-server-name", defaultConfig.TLS.ServerName, "override the server name used to verify the server certificate")
	util.MustBindPFlag(tlsServerNameConf, flags.Lookup("tls-server-name"))
	util.MustBindEnv(tlsServerNameConf, "AUTHZED_TLS_SERVER_NAME")

	flags.Duration("per-call-timeout", defaultConfig.PerCallTimeout, "the deadline of a single call attempt (0 means none)")
	util.MustBindPFlag(perCallTimeoutConf, flags.Lookup("per-call-timeout"))
	util.MustBindEnv(perCallTimeoutConf, "AUTHZED_PER_CALL_TIMEOUT")

	flags.Duration("connect-timeout", defaultConfig.ConnectTimeout, "how long establishing the connection may take")
	util.MustBindPFlag(connectTimeoutConf, flags.Lookup("connect-timeout"))
	util.MustBindEnv(connectTimeoutConf, "AUTHZED_CONNECT_TIMEOUT")

	flags.Bool("block-until-ready", defaultConfig.BlockUntilReady, "wait for the transport to be ready before the first call")
	util.MustBindPFlag(blockUntilReadyConf, flags.Lookup("block-until-ready"))
	util.MustBindEnv(blockUntilReadyConf, "AUTHZED_BLOCK_UNTIL_READY")

	flags.Int("max-retries", defaultConfig.Retry.MaxRetries, "how many times a transient failure is retried")
	util.MustBindPFlag(maxRetriesConf, flags.Lookup("max-retries"))
	util.MustBindEnv(maxRetriesConf, "AUTHZED_MAX_RETRIES")

	flags.Duration("retry-initial-backoff", defaultConfig.Retry.InitialBackoff, "the delay before the first retry")
	util.MustBindPFlag(retryInitialBackoffConf, flags.Lookup("retry-initial-backoff"))
	util.MustBindEnv(retryInitialBackoffConf, "AUTHZED_RETRY_INITIAL_BACKOFF")

	flags.Duration("retry-max-backoff", defaultConfig.Retry.MaxBackoff, "the upper bound of the delay between retries")
	util.MustBindPFlag(retryMaxBackoffConf, flags.Lookup("retry-max-backoff"))
	util.MustBindEnv(retryMaxBackoffConf, "AUTHZED_RETRY_MAX_BACKOFF")

	flags.Duration("keepalive-time", defaultConfig.KeepaliveTime, "the interval of keepalive pings (0 disables keepalive)")
	util.MustBindPFlag(keepaliveTimeConf, flags.Lookup("keepalive-time"))
	util.MustBindEnv(keepaliveTimeConf, "AUTHZED_KEEPALIVE_TIME")

	flags.Duration("keepalive-timeout", defaultConfig.KeepaliveTimeout, "how long to wait for a keepalive ack")
	util.MustBindPFlag(keepaliveTimeoutConf, flags.Lookup("keepalive-timeout"))
	util.MustBindEnv(keepaliveTimeoutConf, "AUTHZED_KEEPALIVE_TIMEOUT")

	flags.String("log-format", defaultLogFormat, "the log format to output logs in")
	util.MustBindPFlag(logFormatConf, flags.Lookup("log-format"))
	util.MustBindEnv(logFormatConf, "AUTHZED_LOG_FORMAT")

	flags.String("log-level", defaultLogLevel, "the log level to use")
	util.MustBindPFlag(logLevelConf, flags.Lookup("log-level"))
	util.MustBindEnv(logLevelConf, "AUTHZED_LOG_LEVEL")

	flags.Bool("log-calls", false, "log every call made to the service")
	util.MustBindPFlag(logCallsConf, flags.Lookup("log-calls"))
	util.MustBindEnv(logCallsConf, "AUTHZED_LOG_CALLS")

	flags.Bool("trace-enabled", false, "export traces of client calls over OTLP")
	util.MustBindPFlag(traceEnabledConf, flags.Lookup("trace-enabled"))
	util.MustBindEnv(traceEnabledConf, "AUTHZED_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", "0.0.0.0:4317", "the endpoint of the trace collector")
	util.MustBindPFlag(traceOTLPEndpointConf, flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv(traceOTLPEndpointConf, "AUTHZED_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-insecure", true, "send traces to the collector without TLS")
	util.MustBindPFlag(traceOTLPInsecureConf, flags.Lookup("trace-otlp-insecure"))
	util.MustBindEnv(traceOTLPInsecureConf, "AUTHZED_TRACE_OTLP_INSECURE")

	flags.Float64("trace-sample-ratio", 1, "the fraction of calls to trace")
	util.MustBindPFlag(traceSampleRatioConf, flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv(traceSampleRatioConf, "AUTHZED_TRACE_SAMPLE_RATIO")

	command.MarkFlagsMutuallyExclusive("insecure", "tls-ca-path")
}

// connectionConfig assembles the client config from flags, environment and config file.
func connectionConfig() *client.Config {
	cfg := client.DefaultConfig()

	cfg.Address = viper.GetString(endpointConf)
	cfg.Token = viper.GetString(tokenConf)
	cfg.TLS.Enabled = !viper.GetBool(insecureConf)
	cfg.TLS.CAPath = viper.GetString(tlsCAPathConf)
	cfg.TLS.ServerName = viper.GetString(tlsServerNameConf)
	cfg.PerCallTimeout = viper.GetDuration(perCallTimeoutConf)
	cfg.ConnectTimeout = viper.GetDuration(connectTimeoutConf)
	cfg.BlockUntilReady = viper.GetBool(blockUntilReadyConf)
	cfg.Retry.MaxRetries = viper.GetInt(maxRetriesConf)
	cfg.Retry.InitialBackoff = viper.GetDuration(retryInitialBackoffConf)
	cfg.Retry.MaxBackoff = viper.GetDuration(retryMaxBackoffConf)
	cfg.KeepaliveTime = viper.GetDuration(keepaliveTimeConf)
	cfg.KeepaliveTimeout = viper.GetDuration(keepaliveTimeoutConf)

	return cfg
}

// newManager builds the connection manager a command talks through, and tracing when
// enabled. cleanup closes both.
func newManager(ctx context.Context) (m *client.Manager, cleanup func(), err error) {
	log, err := logger.NewLogger(viper.GetString(logFormatConf), viper.GetString(logLevelConf))
	if err != nil {
		return nil, nil, err
	}

	shutdownTracing := func() {}
	if viper.GetBool(traceEnabledConf) {
		tp, err := telemetry.NewTracerProvider(ctx,
			telemetry.WithOTLPEndpoint(viper.GetString(traceOTLPEndpointConf)),
			telemetry.WithOTLPInsecure(viper.GetBool(traceOTLPInsecureConf)),
			telemetry.WithSamplingRatio(viper.GetFloat64(traceSampleRatioConf)),
		)
		if err != nil {
			return nil, nil, err
		}
		shutdownTracing = func() {
			ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}
	}

	opts := []client.Option{client.WithLogger(log)}
	if viper.GetBool(logCallsConf) {
		opts = append(opts, client.WithCallLogging())
	}

	m, err = client.NewManagerFromConfig(connectionConfig(), opts...)
	if err != nil {
		shutdownTracing()
		return nil, nil, err
	}

	return m, func() {
		if err := m.Close(); err != nil {
			log.Warn("failed to close connection", zap.Error(err))
		}
		shutdownTracing()
	}, nil
}
