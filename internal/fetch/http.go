package fetch

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// DefaultTimeout bounds a whole HTTP fetch including the body read.
const DefaultTimeout = 60 * time.Second

type HTTPOptions struct {
	// Client overrides the default instrumented client. Timeout is ignored when set.
	Client  *http.Client
	Timeout time.Duration

	// RatePerSecond paces outgoing requests across all callers. 0 disables pacing.
	RatePerSecond float64
	Burst         int

	MaxSize   int64
	UserAgent string
}

// HTTPFetcher performs GET requests for http and https URLs.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxSize   int64
	userAgent string
}

// NewHTTP builds an HTTPFetcher. The default client shares one pooled
// transport wrapped with otelhttp so fetch spans propagate trace context.
func NewHTTP(opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		}
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &HTTPFetcher{
		client:    client,
		limiter:   limiter,
		maxSize:   maxSize,
		userAgent: opts.UserAgent,
	}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fail(req.URL, xerrors.Wrap(err, "wait for rate limiter"))
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fail(req.URL, xerrors.Wrap(err, "build request"))
	}
	if h.userAgent != "" {
		httpReq.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fail(req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(req.URL, &StatusError{Code: resp.StatusCode, Status: resp.Status})
	}

	return readVerified(resp.Body, req, h.maxSize)
}

// Close releases idle pooled connections.
func (h *HTTPFetcher) Close() {
	h.client.CloseIdleConnections()
}
