package proxypool

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/duskline/phantom/models"
)

// newProxyTransport builds a transport that routes through proxy for
// the pool's own health-check requests. Session Factory builds its own
// transports for task traffic; this one exists solely for TestAll.
func newProxyTransport(proxy *models.Proxy) *http.Transport {
	scheme := proxy.Protocol
	if scheme == "" {
		scheme = "http"
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   proxy.Host + ":" + strconv.Itoa(proxy.Port),
	}
	if proxy.Username != "" {
		u.User = url.UserPassword(proxy.Username, proxy.Password)
	}

	return &http.Transport{Proxy: http.ProxyURL(u)}
}
