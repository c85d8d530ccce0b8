package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultAttemptTimeout bounds one upstream attempt.
const DefaultAttemptTimeout = 30 * time.Second

var (
	// ErrAttemptTimeout is the cause attached to attempts that ran out of time.
	ErrAttemptTimeout = errors.New("upstream: attempt timed out")
	// ErrDecode means a 2xx non-streaming body was not valid JSON.
	ErrDecode = errors.New("upstream: response is not valid JSON")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Response is a successful (2xx) attempt. Exactly one of Body and Stream is
// set: Body for buffered responses, Stream for streaming ones. The caller
// must Close Stream; closing it releases the upstream connection.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
}

// Client sends chat requests to the upstream platform.
type Client struct {
	http    *http.Client
	url     string
	timeout time.Duration
}

type Option func(*Client)

// WithURL overrides the upstream endpoint.
func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

// WithAttemptTimeout sets the per-attempt deadline. Zero disables it.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a Client that sends through httpClient. The http.Client is
// shared, never copied, so its connection pool is reused across requests.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	c := &Client{
		http:    httpClient,
		url:     DefaultURL,
		timeout: DefaultAttemptTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewHTTPClient builds the process-wide outbound client. It has no overall
// Timeout because streaming bodies may legitimately run for minutes; the
// per-attempt deadline lives in Send.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// URL returns the configured endpoint.
func (c *Client) URL() string { return c.url }

// Send performs one attempt with the given credential secret. body is the
// already-serialized ChatRequest.
//
// Non-streaming: the deadline covers the whole exchange and the body is read
// fully and checked with json.Valid. Streaming: the deadline only covers the
// wait for response headers.
func (c *Client) Send(ctx context.Context, secret string, body []byte, stream bool) (*Response, error) {
	if stream {
		return c.sendStream(ctx, secret, body)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, ErrAttemptTimeout)
		defer cancel()
	}

	resp, err := c.do(ctx, secret, body, false)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrap(ctx, fmt.Errorf("upstream: read body: %w", err))
	}
	if !json.Valid(data) {
		return nil, ErrDecode
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *Client) sendStream(ctx context.Context, secret string, body []byte) (*Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() { cancel(ErrAttemptTimeout) })
	}

	resp, err := c.do(ctx, secret, body, true)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		err = c.wrap(ctx, err)
		cancel(nil)
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel(nil)
		return nil, err
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Stream:      &streamBody{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *Client) do(ctx context.Context, secret string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return resp, nil
}

// wrap tags err with ErrAttemptTimeout when the attempt deadline caused it.
func (c *Client) wrap(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrAttemptTimeout) && !errors.Is(err, ErrAttemptTimeout) {
		return fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return err
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
