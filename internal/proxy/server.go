// Local development proxy answering datasource requests through the cached client
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/datasource-cache/internal/transport"
)

// Fetcher is the part of the datasource client used by the proxy
type Fetcher interface {
	BaseURL() string
	CachedGetWithStatus(ctx context.Context, cacheDuration time.Duration, params string) (json.RawMessage, bool, error)
}

// Server represents the datasource dev proxy
type Server struct {
	fetcher       Fetcher
	cacheDuration time.Duration
	baseURL       *url.URL
	caCert        *tls.Certificate
	proxy         *goproxy.ProxyHttpServer
}

// Option configures a Server
type Option func(*Server)

// WithCACertificate signs intercepted HTTPS connections with cert instead of
// goproxy's built-in CA. A nil cert keeps the default.
func WithCACertificate(cert *tls.Certificate) Option {
	return func(s *Server) {
		s.caCert = cert
	}
}

// New creates a proxy answering GET requests for the fetcher's base URL with
// CachedGet(cacheDuration, rawQuery). Requests for any other path are forwarded.
// HTTPS base URLs are intercepted with goproxy's CA unless WithCACertificate is given.
// gatherer serves /metrics when non-nil.
func New(fetcher Fetcher, cacheDuration time.Duration, gatherer prometheus.Gatherer, opts ...Option) (*Server, error) {
	baseURL, err := url.Parse(fetcher.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("invalid datasource base URL: %w", err)
	}

	s := &Server{
		fetcher:       fetcher,
		cacheDuration: cacheDuration,
		baseURL:       baseURL,
		proxy:         goproxy.NewProxyHttpServer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if baseURL.Scheme == "https" {
		s.setupHTTPSProxyHandler()
	}

	s.proxy.OnRequest(goproxy.ReqConditionFunc(s.isDatasourceRequest)).DoFunc(s.handleDatasourceRequest)
	s.proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp != nil && resp.Header.Get("X-Cache") == "" {
			resp.Header.Set("X-Cache", "BYPASS")
		}
		return resp
	})

	mux := http.NewServeMux()
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusBadRequest)
	})
	s.proxy.NonproxyHandler = mux

	return s, nil
}

// GetProxy returns the underlying proxy handler (used by tests)
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Start starts the proxy server
func (s *Server) Start(port int) error {
	logrus.Infof("Starting datasource proxy on port %d", port)
	logrus.Infof("Datasource base URL: %s", s.fetcher.BaseURL())
	logrus.Infof("Cache duration: %s", s.cacheDuration)

	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.proxy)
}

func (s *Server) isDatasourceRequest(req *http.Request, _ *goproxy.ProxyCtx) bool {
	if req.Method != http.MethodGet {
		return false
	}
	return sameEndpoint(s.baseURL, req.URL)
}

func (s *Server) handleDatasourceRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	data, hit, err := s.fetcher.CachedGetWithStatus(requ.Context(), s.cacheDuration, requ.URL.RawQuery)
	if err != nil {
		logrus.Errorf("Failed to fetch %s: %v", requ.URL, err)
		return requ, errorResponse(requ, err)
	}

	resp := goproxy.NewResponse(requ, "application/json", http.StatusOK, string(data))
	if hit {
		resp.Header.Set("X-Cache", "HIT")
		logrus.Infof("Serving from cache: %s", requ.URL)
	} else {
		resp.Header.Set("X-Cache", "MISS")
		logrus.Infof("Fetched from upstream: %s", requ.URL)
	}
	return requ, resp
}

func errorResponse(requ *http.Request, err error) *http.Response {
	status := http.StatusBadGateway
	body := err.Error()

	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
		if len(statusErr.Body) > 0 {
			body = string(statusErr.Body)
		}
	}

	resp := goproxy.NewResponse(requ, "text/plain", status, body)
	resp.Header.Set("X-Cache", "MISS")
	return resp
}
