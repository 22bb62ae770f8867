package tlsutil

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewTransport returns a pooled transport for outbound cloud calls. The
// connection limits assume many concurrent requests against a small number
// of hosts. Government endpoints require TLS 1.2 or newer.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           DialContextWithCache,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// NewHTTPClient returns a client on a cached-DNS transport with a total
// request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Transport: NewTransport(),
		Timeout:   timeout,
	}
}
