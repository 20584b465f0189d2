package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
)

// LoadCertificate loads the CA used to sign intercepted HTTPS connections.
// Returns nil, nil when no files are configured.
func LoadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		logrus.Debugf("No CA certificate configured, using goproxy default certificate")
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate and key: %w", err)
	}
	logrus.Debugf("Loaded CA certificate from %s", certFile)
	return &cert, nil
}

// setupHTTPSProxyHandler intercepts CONNECT requests to the datasource host so
// that its requests reach the cache. Other hosts are tunneled untouched.
func (s *Server) setupHTTPSProxyHandler() {
	mitm := goproxy.MitmConnect
	if s.caCert == nil {
		logrus.Warnf("TLS interception enabled but no CA certificate loaded, using goproxy default certificate")
	} else {
		mitm = &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(s.caCert),
		}
	}

	datasourceHost := canonicalHost(s.baseURL.Scheme, s.baseURL.Host)
	s.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if canonicalHost("https", host) != datasourceHost {
			return nil, ""
		}
		logrus.Debugf("Intercepting CONNECT request for %s", host)
		return mitm, host
	}))
}

// canonicalHost lower-cases host and strips the scheme's default port
func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
			return h
		}
	}
	return host
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// sameEndpoint reports whether target addresses exactly the base URL's
// scheme, host and path. Sub-paths and sibling paths do not match.
func sameEndpoint(base, target *url.URL) bool {
	return strings.EqualFold(base.Scheme, target.Scheme) &&
		canonicalHost(base.Scheme, base.Host) == canonicalHost(target.Scheme, target.Host) &&
		normalizePath(base.Path) == normalizePath(target.Path)
}
