package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/internal/logging"
	"github.com/pwman/sidecar/sidecar"
	"github.com/pwman/sidecar/vaults"
)

// APIError is a non-2xx answer from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected HTTP status code %d", e.StatusCode)
	}
	return e.Message
}

// Client talks to a Server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// NewClient returns a client for the API listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	log = logging.OrNop(log)
	c := &Client{
		Logger:       log.Named("api_client"),
		baseURL:      "http://" + addr,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = logging.Retryable(c.Logger)

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// checkRetry retries only answers that mean "not now". A 500 from /sync/start is a
// real outcome and must not start the sync server twice.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return true, nil
	}
	return false, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			apiErr.Message = fmt.Errorf("error reading body: %w", err).Error()
			return apiErr
		}
		var errResp ErrorResponse
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		} else {
			apiErr.Message = string(bytes.TrimSpace(b))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/heartbeat", nil, &HeartbeatResponse{})
}

// WaitForServer polls the heartbeat endpoint until it answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		err := c.SendHeartbeat(ctx)
		if err == nil {
			c.Logger.Debug("heartbeat succeeded, done waiting for server")
			return nil
		}
		c.Logger.Debugf("got heartbeat error: %s", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartSync starts the sync server. Empty arguments use the server's configured defaults.
func (c *Client) StartSync(ctx context.Context, addr, baseDir string) (sidecar.Status, error) {
	var st sidecar.Status
	err := c.do(ctx, http.MethodPost, "/sync/start", StartSyncRequest{Addr: addr, BaseDir: baseDir}, &st)
	return st, err
}

func (c *Client) StopSync(ctx context.Context) (sidecar.Status, error) {
	var st sidecar.Status
	err := c.do(ctx, http.MethodPost, "/sync/stop", nil, &st)
	return st, err
}

func (c *Client) Status(ctx context.Context) (sidecar.Status, error) {
	var st sidecar.Status
	err := c.do(ctx, http.MethodGet, "/sync/status", nil, &st)
	return st, err
}

// ListVaults lists the vaults in dir, or in the server's vault directory when dir is empty.
func (c *Client) ListVaults(ctx context.Context, dir string) ([]vaults.Info, error) {
	path := "/vaults"
	if dir != "" {
		path += "?" + url.Values{"dir": {dir}}.Encode()
	}
	var list []vaults.Info
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Events calls fn for each event from the server until ctx is done, the server closes the
// stream, or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(events.Event) error) error {
	u := c.baseURL + "/events"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev events.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		if err := fn(ev); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			if errors.Is(err, ErrStopEvents) {
				return nil
			}
			return err
		}
	}
}

// ErrStopEvents can be returned by an Events callback to end the stream without error.
var ErrStopEvents = errors.New("stop events")
