package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const RequestIDHeader = "X-Request-Id"

// HTTP implements Executor on top of net/http, decoding JSON bodies into T
type HTTP[T any] struct {
	client *http.Client
}

// HTTPOptions configures the default executor
type HTTPOptions struct {
	Timeout  time.Duration
	ProxyURL string
}

// NewHTTP creates an executor. A zero timeout means no client-side timeout.
func NewHTTP[T any](opts HTTPOptions) (*HTTP[T], error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &HTTP[T]{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}, nil
}

// NewHTTPWithClient creates an executor using a caller-provided client
func NewHTTPWithClient[T any](client *http.Client) *HTTP[T] {
	return &HTTP[T]{client: client}
}

func (h *HTTP[T]) Execute(ctx context.Context, requ Request) (*Response[T], error) {
	method := requ.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, requ.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		logrus.Errorf("Request %s %s failed: %v", method, requ.URL, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	logrus.Debugf("Forwarded request [%s]: %s %s -> %d (%s)", requestID, method, requ.URL, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: requ.URL, StatusCode: resp.StatusCode, Body: body}
	}

	out := &Response[T]{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Request: Request{URL: requ.URL, Method: method},
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out.Data); err != nil {
			return nil, fmt.Errorf("failed to decode response body: %w", err)
		}
	}

	return out, nil
}
