package session

import (
	"compress/flate"
	"compress/gzip"
	"crypto/tls"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/duskline/phantom/models"
)

// Impersonator builds a transport that presents a given TLS/HTTP2
// fingerprint on the wire. The reference implementation in this module
// is stdlib-only (see stdlibImpersonator); a real JA3/JA4 impersonation
// library can be wired in by implementing this interface and passing it
// to NewFactory.
type Impersonator interface {
	// Name identifies the impersonation profile, e.g. "chrome120".
	Name() string
	// Transport returns a RoundTripper configured for proxyURL (nil for
	// a direct connection).
	Transport(proxyURL *url.URL) http.RoundTripper
}

// stdlibImpersonator is the always-available fallback: a plain
// crypto/tls client with a modern cipher/curve preference list. It
// cannot reproduce a specific browser's exact handshake fingerprint,
// which is why Factory logs a warning the first time it falls back.
type stdlibImpersonator struct{}

func (stdlibImpersonator) Name() string { return "stdlib-tls" }

func (stdlibImpersonator) Transport(proxyURL *url.URL) http.RoundTripper {
	t := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519, tls.CurveP256, tls.CurveP384,
			},
		},
		ForceAttemptHTTP2: true,
	}
	if proxyURL != nil {
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t
}

// Factory builds per-task HTTP clients with a consistent fingerprint,
// cookie jar, and proxy: try the configured impersonation transport
// first, and on failure fall back to a plain client with a single
// logged warning. A task without perfect impersonation still has to be
// able to run.
type Factory struct {
	fingerprints *Manager
	impersonator Impersonator

	warnOnce sync.Once
}

// NewFactory builds a Factory. Pass nil for impersonator to use the
// stdlib fallback unconditionally (this module ships no real
// impersonation library — see DESIGN.md for why).
func NewFactory(impersonator Impersonator) *Factory {
	return &Factory{
		fingerprints: NewManager(),
		impersonator: impersonator,
	}
}

// Client is one task's HTTP surface: a configured *http.Client plus the
// fingerprint and cookie jar backing it, so checkout code can read
// fingerprint fields (e.g. for Adyen device fingerprint payloads)
// without re-deriving them.
type Client struct {
	HTTP        *http.Client
	Fingerprint *Fingerprint
	Jar         *models.CookieJar
	proxy       *models.Proxy
}

// New builds a Client for seed (typically the task ID, so a retried
// task keeps a stable fingerprint across attempts) optionally routed
// through proxy.
func (f *Factory) New(seed string, proxy *models.Proxy, jar *models.CookieJar) *Client {
	fp := f.fingerprints.Generate(seed)
	if jar == nil {
		jar = models.NewCookieJar()
	}

	impersonator := f.impersonator
	if impersonator == nil {
		impersonator = stdlibImpersonator{}
	}

	var proxyURL *url.URL
	if proxy != nil {
		proxyURL = proxyToURL(proxy)
	}

	transport := f.buildTransport(impersonator, proxyURL)

	return &Client{
		HTTP: &http.Client{
			Transport: &headerInjectingTransport{base: transport, fp: fp, jar: jar},
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		Fingerprint: fp,
		Jar:         jar,
		proxy:       proxy,
	}
}

func (f *Factory) buildTransport(impersonator Impersonator, proxyURL *url.URL) (rt http.RoundTripper) {
	defer func() {
		if r := recover(); r != nil {
			f.warnOnce.Do(func() {
				log.Printf("[session] impersonation profile %q failed to initialize, falling back to stdlib TLS: %v", impersonator.Name(), r)
			})
			rt = stdlibImpersonator{}.Transport(proxyURL)
		}
	}()
	return impersonator.Transport(proxyURL)
}

func proxyToURL(p *models.Proxy) *url.URL {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: p.Host + ":" + strconv.Itoa(p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// headerInjectingTransport attaches the fingerprint's header set and
// replays/stores cookies from the task's jar on every round trip, since
// net/http's cookiejar.Jar is keyed per-client rather than per-domain
// the way this module needs (checkout code manipulates cookies
// directly via models.CookieJar for snapshotting).
type headerInjectingTransport struct {
	base http.RoundTripper
	fp   *Fingerprint
	jar  *models.CookieJar
}

func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.fp.ToHeaders() {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	for name, value := range t.jar.Load(req.URL.Host) {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	if values := resp.Cookies(); len(values) > 0 {
		m := make(map[string]string, len(values))
		for _, c := range values {
			m[c.Name] = c.Value
		}
		t.jar.Save(req.URL.Host, m)
	}

	decodeBody(resp)
	return resp, nil
}

// decodeBody unwraps a compressed response in place. Setting
// Accept-Encoding explicitly (the fingerprint requires the full
// "gzip, deflate, br" set on the wire) disables net/http's automatic
// gzip handling, so the transport decodes here instead.
func decodeBody(resp *http.Response) {
	var reader io.Reader
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(resp.Body)
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		return
	}
	resp.Body = &decodedBody{Reader: reader, underlying: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
}

type decodedBody struct {
	io.Reader
	underlying io.ReadCloser
}

func (b *decodedBody) Close() error { return b.underlying.Close() }
