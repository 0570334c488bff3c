package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/openfga/authzconn/internal/build"
)

var (
	tracer = otel.Tracer("authzconn/pkg/client")

	dialCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "connection_dial_count",
		Help:      "The total number of connection establishment attempts, by outcome.",
	}, []string{"outcome"})

	callAttemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "call_attempt_count",
		Help:      "The total number of call attempts issued to the backend, by gRPC method.",
	}, []string{"method"})

	callRetryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "call_retry_count",
		Help:      "The total number of retries after a transient failure, by gRPC method.",
	}, []string{"method"})
)
