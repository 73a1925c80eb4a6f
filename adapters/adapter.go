package adapters

import (
	"net"
	"net/http"
	"time"

	"github.com/prebid/prebid-exchange/config"
)

// HTTPAdapterConfig groups options which control how HTTP requests are made by adapters.
type HTTPAdapterConfig struct {
	// See IdleConnTimeout on https://golang.org/pkg/net/http/#Transport
	IdleConnTimeout time.Duration
	// See MaxIdleConns on https://golang.org/pkg/net/http/#Transport
	MaxConns int
	// See MaxIdleConnsPerHost on https://golang.org/pkg/net/http/#Transport
	MaxConnsPerHost int
	// See MaxConnsPerHost on https://golang.org/pkg/net/http/#Transport
	MaxActiveConnsPerHost int
}

// NewHTTPAdapterConfig converts the host's http_client settings.
func NewHTTPAdapterConfig(cfg config.HTTPClient) *HTTPAdapterConfig {
	return &HTTPAdapterConfig{
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeout) * time.Second,
		MaxConns:              cfg.MaxIdleConns,
		MaxConnsPerHost:       cfg.MaxIdleConnsPerHost,
		MaxActiveConnsPerHost: cfg.MaxConnsPerHost,
	}
}

// NewHTTPClient creates a client whose connection pool is shared by every auction.
// The client carries no timeout of its own: each call is bound by the auction's context.
func NewHTTPClient(c *HTTPAdapterConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        c.MaxConns,
		MaxIdleConnsPerHost: c.MaxConnsPerHost,
		MaxConnsPerHost:     c.MaxActiveConnsPerHost,
		IdleConnTimeout:     c.IdleConnTimeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
