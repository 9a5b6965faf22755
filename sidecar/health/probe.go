// Package health polls the sync server's readiness endpoint.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/pwman/sidecar/internal/logging"
)

const (
	// Path is the readiness endpoint served by the sync server.
	Path = "/health"

	DefaultInterval = 120 * time.Millisecond
	DefaultTimeout  = 2000 * time.Millisecond

	defaultAttemptTimeout = time.Second
)

// URL returns the readiness URL for a sync server listening on addr.
func URL(addr string) string {
	return "http://" + addr + Path
}

// Probe waits for a sync server to report ready. The zero value polls every DefaultInterval.
type Probe struct {
	// Interval is the fixed wait between attempts.
	Interval   time.Duration
	HTTPClient *http.Client
	Log        *zap.SugaredLogger
}

// Wait polls URL(addr) until it answers with a 2xx status, returning false once timeout
// has elapsed or ctx is done. Connection errors and other statuses are retried after a
// fixed interval; there is no backoff growth.
func (p *Probe) Wait(ctx context.Context, addr string, timeout time.Duration) bool {
	log := logging.OrNop(p.Log).With("addr", addr)

	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, URL(addr), nil)
	if err != nil {
		log.Debugf("building health request: %s", err)
		return false
	}

	resp, err := p.client(timeout, log).Do(req)
	if err != nil {
		log.Debugf("sync server not healthy: %s", err)
		return false
	}
	resp.Body.Close()
	return isSuccess(resp.StatusCode)
}

func (p *Probe) client(timeout time.Duration, log *zap.SugaredLogger) *retryablehttp.Client {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	c := retryablehttp.NewClient()
	if p.HTTPClient != nil {
		c.HTTPClient = p.HTTPClient
	} else {
		c.HTTPClient = &http.Client{Timeout: defaultAttemptTimeout}
	}
	c.Logger = logging.Retryable(log)
	// The deadline context bounds the loop; RetryMax only has to be large enough not to end it first.
	c.RetryMax = int(timeout/interval) + 1
	c.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return interval
	}
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return !isSuccess(resp.StatusCode), nil
	}
	return c
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
