// Package remote is the single outbound gateway to the source-control
// host. Every call passes the per-host circuit breaker, the in-flight
// dedup gate, and the concurrency limiter before touching the network.
package remote

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultMaxInFlight    = 6
	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 350 * time.Millisecond
	defaultHostRPS        = 10
)

// Gateway owns the process-wide outbound call state: the breaker map, the
// concurrency permits, the dedup gate, and per-host pacing. All Clients
// issued by one Gateway share that state.
type Gateway struct {
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	group   singleflight.Group
	metrics *callMetrics
	tracer  trace.Tracer
	logger  *slog.Logger

	httpClient *http.Client

	requestTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration
	hostRPS        float64

	mu     sync.Mutex
	pacers map[string]*rate.Limiter
}

type GatewayOptions struct {
	MaxInFlight    int64
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	HostRPS        float64

	Breaker    *CircuitBreaker
	HTTPClient *http.Client
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

func NewGateway(opts GatewayOptions) *Gateway {
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	rps := opts.HostRPS
	if rps <= 0 {
		rps = defaultHostRPS
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var metrics *callMetrics
	if opts.Registerer != nil {
		metrics = newCallMetrics(opts.Registerer)
	} else {
		metrics = getDefaultCallMetrics()
	}

	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerOptions{
			OnStateChange: metrics.observeBreakerState,
		})
	}

	return &Gateway{
		breaker:        breaker,
		sem:            semaphore.NewWeighted(maxInFlight),
		metrics:        metrics,
		tracer:         otel.Tracer("reviewrelay/remote"),
		logger:         logger,
		httpClient:     httpClient,
		requestTimeout: timeout,
		maxAttempts:    attempts,
		backoffBase:    backoff,
		hostRPS:        rps,
		pacers:         make(map[string]*rate.Limiter),
	}
}

// Breaker exposes the shared breaker for observability endpoints.
func (g *Gateway) Breaker() *CircuitBreaker { return g.breaker }

func (g *Gateway) pacer(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.pacers[host]
	if !ok {
		burst := int(g.hostRPS)
		if burst < 1 {
			// Fractional rates still need one token of burst or Wait
			// can never succeed.
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.hostRPS), burst)
		g.pacers[host] = limiter
	}
	return limiter
}

// hostKey normalizes a base URL to the breaker/pacing key.
func hostKey(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(baseURL)
	}
	return u.Host
}
