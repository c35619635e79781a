// Package session synthesizes per-task browser identities and builds
// the HTTP client each task uses to talk to a site, with best-effort
// TLS/HTTP2 impersonation and a stdlib fallback when no impersonation
// library is available.
package session

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

// Browser identifies which build family a fingerprint impersonates.
type Browser string

const (
	BrowserChrome Browser = "chrome"
	BrowserEdge   Browser = "edge"
	BrowserSafari Browser = "safari"
)

// Fingerprint is the synthesized browser identity attached to every
// request a task makes, so that header order, TLS handshake, and JS-
// observable properties (navigator.*, screen.*, canvas noise) present a
// single consistent story to the target site.
type Fingerprint struct {
	Browser             Browser
	BrowserVersion      string
	UserAgent           string
	Platform            string
	Vendor              string
	Languages           []string
	Timezone            string
	TimezoneOffsetMin   int
	ScreenWidth         int
	ScreenHeight        int
	DevicePixelRatio    float64
	HardwareConcurrency int
	DeviceMemoryGB      int
	WebGLVendor         string
	WebGLRenderer       string
	CanvasNoiseSeed     int64
}

// IsChromium reports whether the impersonated build sends client-hint
// (Sec-CH-UA*) headers.
func (fp *Fingerprint) IsChromium() bool {
	return fp.Browser == BrowserChrome || fp.Browser == BrowserEdge
}

type gpuBrand struct {
	vendor   string
	renderer string
}

var windowsGPUs = []gpuBrand{
	{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 6700 XT Direct3D11 vs_5_0 ps_5_0, D3D11)"},
}

var macGPUs = []gpuBrand{
	{"Google Inc. (Apple)", "ANGLE (Apple, Apple M1 Pro, OpenGL 4.1)"},
	{"Google Inc. (Apple)", "ANGLE (Apple, Apple M2, OpenGL 4.1)"},
	{"Apple Inc.", "Apple GPU"},
}

var chromiumVersions = []string{"120", "121", "122", "123", "124"}

var safariVersions = []string{"17.2", "17.3", "17.4"}

var timezones = []struct {
	name      string
	offsetMin int
}{
	{"America/New_York", -300},
	{"America/Chicago", -360},
	{"America/Los_Angeles", -480},
	{"America/Denver", -420},
}

var screenSizes = [][2]int{{1920, 1080}, {2560, 1440}, {1366, 768}, {1440, 900}}

var languageLists = [][]string{
	{"en-US", "en"},
	{"en-US", "en", "es"},
	{"en-GB", "en"},
}

// seededRand derives a deterministic generator from seed: the md5
// digest of the seed feeds a local *rand.Rand so concurrent callers
// never perturb each other's sequences and equal seeds replay the same
// identity byte for byte.
func seededRand(seed string) *rand.Rand {
	sum := md5.Sum([]byte(seed))
	hexDigest := hex.EncodeToString(sum[:])
	var n int64
	for i := 0; i < 8 && i < len(hexDigest); i++ {
		n = n*16 + int64(hexDigitValue(hexDigest[i]))
	}
	return rand.New(rand.NewSource(n))
}

func hexDigitValue(c byte) int64 {
	switch {
	case c >= '0' && c <= '9':
		return int64(c - '0')
	case c >= 'a' && c <= 'f':
		return int64(c-'a') + 10
	default:
		return 0
	}
}

// Manager synthesizes and caches fingerprints by seed so the same seed
// always reproduces the same identity within a process lifetime.
type Manager struct {
	mu    sync.Mutex
	cache map[string]*Fingerprint
}

func NewManager() *Manager {
	return &Manager{cache: make(map[string]*Fingerprint)}
}

// Generate returns the fingerprint for seed, synthesizing and caching
// it on first use. Two calls with the same seed return equal values.
func (m *Manager) Generate(seed string) *Fingerprint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fp, ok := m.cache[seed]; ok {
		return fp
	}
	r := seededRand(seed)

	// Chrome dominates the pool the way it dominates real storefront
	// traffic; Edge and Safari keep the fleet from looking monocultural.
	var browser Browser
	switch pick := r.Intn(10); {
	case pick < 6:
		browser = BrowserChrome
	case pick < 8:
		browser = BrowserEdge
	default:
		browser = BrowserSafari
	}

	onMac := browser == BrowserSafari || r.Intn(3) == 0
	platform := "Win32"
	uaOS := "Windows NT 10.0; Win64; x64"
	gpus := windowsGPUs
	if onMac {
		platform = "MacIntel"
		uaOS = "Macintosh; Intel Mac OS X 10_15_7"
		gpus = macGPUs
	}

	tz := timezones[r.Intn(len(timezones))]
	scr := screenSizes[r.Intn(len(screenSizes))]
	gpu := gpus[r.Intn(len(gpus))]
	langs := languageLists[r.Intn(len(languageLists))]

	var version, ua, vendor string
	switch browser {
	case BrowserSafari:
		version = safariVersions[r.Intn(len(safariVersions))]
		ua = fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15", uaOS, version)
		vendor = "Apple Computer, Inc."
	case BrowserEdge:
		version = chromiumVersions[r.Intn(len(chromiumVersions))]
		ua = fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36 Edg/%s.0.0.0", uaOS, version, version)
		vendor = "Google Inc."
	default:
		version = chromiumVersions[r.Intn(len(chromiumVersions))]
		ua = fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36", uaOS, version)
		vendor = "Google Inc."
	}

	dpr := 1.0
	if onMac || r.Intn(3) == 0 {
		dpr = 2.0
	}

	fp := &Fingerprint{
		Browser:             browser,
		BrowserVersion:      version,
		UserAgent:           ua,
		Platform:            platform,
		Vendor:              vendor,
		Languages:           append([]string(nil), langs...),
		Timezone:            tz.name,
		TimezoneOffsetMin:   tz.offsetMin,
		ScreenWidth:         scr[0],
		ScreenHeight:        scr[1],
		DevicePixelRatio:    dpr,
		HardwareConcurrency: []int{4, 8, 12, 16}[r.Intn(4)],
		DeviceMemoryGB:      []int{4, 8, 16}[r.Intn(3)],
		WebGLVendor:         gpu.vendor,
		WebGLRenderer:       gpu.renderer,
		CanvasNoiseSeed:     r.Int63(),
	}
	m.cache[seed] = fp
	return fp
}

func (fp *Fingerprint) acceptLanguage() string {
	var b strings.Builder
	for i, l := range fp.Languages {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(l)
		if i > 0 {
			fmt.Fprintf(&b, ";q=0.%d", 9-i)
		}
	}
	return b.String()
}

// secChUA renders the client-hint brand list for the impersonated
// Chromium build.
func (fp *Fingerprint) secChUA() string {
	brand := "Google Chrome"
	if fp.Browser == BrowserEdge {
		brand = "Microsoft Edge"
	}
	return fmt.Sprintf(`"Chromium";v=%q, "Not(A:Brand";v="24", %q;v=%q`, fp.BrowserVersion, brand, fp.BrowserVersion)
}

func (fp *Fingerprint) secChUAPlatform() string {
	if fp.Platform == "MacIntel" {
		return `"macOS"`
	}
	return `"Windows"`
}

// ToHeaders returns the header set a plain HTTP(S) request carries for
// this identity. Client-hint headers are attached only when the
// impersonated build is Chromium, since Safari never sends them.
func (fp *Fingerprint) ToHeaders() map[string]string {
	h := map[string]string{
		"User-Agent":      fp.UserAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language": fp.acceptLanguage(),
		"Accept-Encoding": "gzip, deflate, br",
		"Cache-Control":   "no-cache",
	}
	if fp.IsChromium() {
		h["Sec-Ch-Ua"] = fp.secChUA()
		h["Sec-Ch-Ua-Mobile"] = "?0"
		h["Sec-Ch-Ua-Platform"] = fp.secChUAPlatform()
	}
	return h
}
