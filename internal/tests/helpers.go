package tests

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iTrooz/datasource-cache/internal/datasource"
	"github.com/iTrooz/datasource-cache/internal/metrics"
	"github.com/iTrooz/datasource-cache/internal/proxy"
	"github.com/iTrooz/datasource-cache/internal/template"
	"github.com/iTrooz/datasource-cache/internal/transport"
)

// upstream records the queries it receives and echoes them back as JSON
type upstream struct {
	*httptest.Server
	mu      sync.Mutex
	queries []string
}

func (u *upstream) received() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.queries...)
}

// fixture_upstream creates a plain HTTP test upstream server
func fixture_upstream() *upstream {
	return newUpstream(httptest.NewServer)
}

// fixture_tls_upstream creates an HTTPS test upstream server
func fixture_tls_upstream() *upstream {
	return newUpstream(httptest.NewTLSServer)
}

func newUpstream(start func(http.Handler) *httptest.Server) *upstream {
	u := &upstream{}
	u.Server = start(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.mu.Lock()
		u.queries = append(u.queries, requ.URL.RawQuery)
		n := len(u.queries)
		u.mu.Unlock()

		if requ.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": "upstream failure"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":  requ.URL.Path,
			"query": requ.URL.RawQuery,
			"call":  n,
		})
	}))
	return u
}

// fixture_client creates a datasource client talking to the upstream over HTTP.
// httpClient may be nil to use the default executor settings.
func fixture_client(httpClient *http.Client, baseURL, params string, variables map[string]string, registry prometheus.Registerer) (*datasource.Client[json.RawMessage], error) {
	var executor transport.Executor[json.RawMessage]
	if httpClient != nil {
		executor = transport.NewHTTPWithClient[json.RawMessage](httpClient)
	} else {
		var err error
		executor, err = transport.NewHTTP[json.RawMessage](transport.HTTPOptions{Timeout: 10 * time.Second})
		if err != nil {
			return nil, err
		}
	}

	return datasource.New[json.RawMessage](baseURL, params, executor,
		datasource.WithTemplateEngine(template.NewVariables(variables)),
		datasource.WithMetrics(metrics.NewCollectorWithRegistry(registry)),
	), nil
}

// fixture_proxy creates a proxy server in front of the client and returns the test server and an HTTP client using it.
// The HTTP client accepts the certificates the proxy forges for intercepted HTTPS hosts.
func fixture_proxy(client *datasource.Client[json.RawMessage], cacheDuration time.Duration, registry *prometheus.Registry) (*httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(client, cacheDuration, registry)
	if err != nil {
		return nil, nil, err
	}
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	proxyURL, _ := url.Parse(proxyTestServer.URL)
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 10 * time.Second,
	}

	return proxyTestServer, httpClient, nil
}
