// Package proxypool tracks a set of HTTP egress identities, exposing
// pluggable rotation policies and success/failure telemetry. It is the
// single writer of every Proxy's stats; every other component receives a
// handle and calls RecordSuccess/RecordFailure rather than mutating
// fields directly.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
)

// Config tunes the pool's background behavior.
type Config struct {
	DefaultPolicy       models.RotationPolicy
	BanThreshold        int // consecutive non-ban failures before status -> bad
	AutoRemoveBad       bool
	TestURL             string
	TestTimeout         time.Duration
	HealthCheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultPolicy:       models.RotationSmart,
		BanThreshold:        5,
		AutoRemoveBad:       false,
		TestURL:             "https://api.ipify.org?format=json",
		TestTimeout:         10 * time.Second,
		HealthCheckInterval: 5 * time.Minute,
	}
}

// Pool owns every proxy and its live stats; callers get handles and
// report telemetry back through RecordSuccess/RecordFailure.
type Pool struct {
	cfg Config

	mu       sync.RWMutex
	proxies  map[string]*models.Proxy
	groups   map[string][]string // group -> proxy ids, insertion order
	rotation map[string]int      // group -> round-robin index

	stickyMu   sync.Mutex
	sticky     map[string]string // task id -> proxy id
	siteBansMu sync.Mutex
	siteBans   map[string]map[string]bool // site -> proxy id set

	stopHealth chan struct{}
}

func New(cfg Config) *Pool {
	return &Pool{
		cfg:        cfg,
		proxies:    make(map[string]*models.Proxy),
		groups:     make(map[string][]string),
		rotation:   make(map[string]int),
		sticky:     make(map[string]string),
		siteBans:   make(map[string]map[string]bool),
		stopHealth: make(chan struct{}),
	}
}

// Add registers a single proxy and returns its assigned id.
func (p *Pool) Add(host string, port int, username, password, protocol, group string) string {
	if protocol == "" {
		protocol = "http"
	}
	proxy := &models.Proxy{
		ID:          uuid.NewString(),
		Host:        host,
		Port:        port,
		Username:    username,
		Password:    password,
		Protocol:    protocol,
		Group:       group,
		Status:      models.ProxyUntested,
		BannedSites: make(map[string]bool),
	}

	p.mu.Lock()
	p.proxies[proxy.ID] = proxy
	if group != "" {
		p.groups[group] = append(p.groups[group], proxy.ID)
	}
	p.mu.Unlock()

	observability.ProxyPoolSize.WithLabelValues(group, string(models.ProxyUntested)).Inc()
	return proxy.ID
}

// AddFromString parses "host:port[:user:pass]" per line; invalid lines
// are skipped and counted in the returned skip count.
func (p *Pool) AddFromString(text, group string) (ids []string, skipped int) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		switch {
		case len(parts) >= 4:
			port, err := strconv.Atoi(parts[1])
			if err != nil {
				skipped++
				continue
			}
			password := strings.Join(parts[3:], ":")
			ids = append(ids, p.Add(parts[0], port, parts[2], password, "http", group))
		case len(parts) == 2:
			port, err := strconv.Atoi(parts[1])
			if err != nil {
				skipped++
				continue
			}
			ids = append(ids, p.Add(parts[0], port, "", "", "http", group))
		default:
			skipped++
		}
	}
	return ids, skipped
}

// Remove deletes a proxy from the pool and its group.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proxy, ok := p.proxies[id]
	if !ok {
		return
	}
	if proxy.Group != "" {
		ids := p.groups[proxy.Group]
		for i, pid := range ids {
			if pid == id {
				p.groups[proxy.Group] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	delete(p.proxies, id)
}

func (p *Pool) groupIDs(group string) []string {
	if group != "" {
		return append([]string(nil), p.groups[group]...)
	}
	out := make([]string, 0, len(p.proxies))
	for id := range p.proxies {
		out = append(out, id)
	}
	return out
}

// GetProxy returns a proxy selected under policy, or nil if the pool (or
// the requested group) is entirely empty. Excludes bad/banned proxies
// and any proxy banned for site; if that leaves nothing, falls back to
// the unfiltered candidate set for the group.
func (p *Pool) GetProxy(group, taskID, site string, policy models.RotationPolicy) *models.Proxy {
	if policy == "" {
		policy = p.cfg.DefaultPolicy
	}

	p.mu.RLock()
	ids := p.groupIDs(group)
	if len(ids) == 0 {
		p.mu.RUnlock()
		return nil
	}

	p.siteBansMu.Lock()
	banned := p.siteBans[site]
	p.siteBansMu.Unlock()

	var available []*models.Proxy
	var unfiltered []*models.Proxy
	for _, id := range ids {
		proxy, ok := p.proxies[id]
		if !ok {
			continue
		}
		unfiltered = append(unfiltered, proxy)
		if proxy.Status == models.ProxyBad || proxy.Status == models.ProxyBanned {
			continue
		}
		if site != "" && banned[proxy.ID] {
			continue
		}
		available = append(available, proxy)
	}
	p.mu.RUnlock()

	if len(available) == 0 {
		available = unfiltered
	}
	if len(available) == 0 {
		return nil
	}

	observability.ProxyRotations.WithLabelValues(string(policy)).Inc()

	switch policy {
	case models.RotationSticky:
		if taskID != "" {
			return p.getSticky(taskID, available)
		}
		return available[rand.Intn(len(available))]
	case models.RotationRandom:
		return available[rand.Intn(len(available))]
	case models.RotationRoundRobin:
		return p.getRoundRobin(group, available)
	case models.RotationFastest:
		return fastest(available)
	case models.RotationLeastUsed:
		return leastUsed(available)
	case models.RotationSmart:
		return p.getSmart(available)
	default:
		return available[rand.Intn(len(available))]
	}
}

func (p *Pool) getRoundRobin(group string, candidates []*models.Proxy) *models.Proxy {
	key := group
	if key == "" {
		key = "default"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.rotation[key]
	proxy := candidates[idx%len(candidates)]
	p.rotation[key] = (idx + 1) % len(candidates)
	return proxy
}

func (p *Pool) getSticky(taskID string, candidates []*models.Proxy) *models.Proxy {
	p.stickyMu.Lock()
	defer p.stickyMu.Unlock()

	if proxyID, ok := p.sticky[taskID]; ok {
		for _, c := range candidates {
			if c.ID == proxyID {
				return c
			}
		}
	}
	proxy := candidates[rand.Intn(len(candidates))]
	p.sticky[taskID] = proxy.ID
	return proxy
}

// ClearSticky drops the sticky assignment for a task; callers do this
// when the task leaves the scheduler to keep the assignment map bounded.
func (p *Pool) ClearSticky(taskID string) {
	p.stickyMu.Lock()
	defer p.stickyMu.Unlock()
	delete(p.sticky, taskID)
}

func fastest(candidates []*models.Proxy) *models.Proxy {
	best := candidates[0]
	bestAvg := avgOrInf(best)
	for _, c := range candidates[1:] {
		avg := avgOrInf(c)
		if avg < bestAvg {
			best, bestAvg = c, avg
		}
	}
	return best
}

func avgOrInf(p *models.Proxy) float64 {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	if p.AvgResponseMs == 0 {
		return 1e18
	}
	return p.AvgResponseMs
}

func leastUsed(candidates []*models.Proxy) *models.Proxy {
	best := candidates[0]
	bestTotal := totalRequests(best)
	for _, c := range candidates[1:] {
		total := totalRequests(c)
		if total < bestTotal {
			best, bestTotal = c, total
		}
	}
	return best
}

func totalRequests(p *models.Proxy) int {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	return p.SuccessCount + p.FailureCount
}

// getSmart picks the argmax of a weighted health score:
// 40*success_rate + max(0, 30 - avg_ms/166.67) + freshness + uniform(0,10) - 10*consecutive_failures
func (p *Pool) getSmart(candidates []*models.Proxy) *models.Proxy {
	now := time.Now()
	var best *models.Proxy
	var bestScore float64
	for i, c := range candidates {
		score := smartScore(c, now)
		if i == 0 || score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func smartScore(p *models.Proxy, now time.Time) float64 {
	p.Mu.Lock()
	total := p.SuccessCount + p.FailureCount
	successRate := 0.0
	if total > 0 {
		successRate = float64(p.SuccessCount) / float64(total)
	}
	avgMs := p.AvgResponseMs
	lastUsed := p.LastUsed
	consecutive := p.ConsecutiveFailure
	p.Mu.Unlock()

	score := successRate * 40

	if avgMs > 0 {
		timeScore := 30 - avgMs/166.67
		if timeScore < 0 {
			timeScore = 0
		}
		score += timeScore
	} else {
		score += 15
	}

	if !lastUsed.IsZero() {
		secondsSince := now.Sub(lastUsed).Seconds()
		freshness := secondsSince / 3
		if freshness > 20 {
			freshness = 20
		}
		score += freshness
	} else {
		score += 20
	}

	score -= float64(consecutive) * 10
	score += rand.Float64() * 10

	return score
}

// RecordSuccess updates counters, EMA response time (alpha=0.2), and
// promotes untested/slow to good.
func (p *Pool) RecordSuccess(id string, elapsedMs float64, site string) {
	p.mu.RLock()
	proxy, ok := p.proxies[id]
	p.mu.RUnlock()
	if !ok {
		return
	}

	proxy.Mu.Lock()
	proxy.SuccessCount++
	proxy.ConsecutiveFailure = 0
	proxy.LastUsed = time.Now()
	if proxy.AvgResponseMs == 0 {
		proxy.AvgResponseMs = elapsedMs
	} else {
		proxy.AvgResponseMs = proxy.AvgResponseMs*0.8 + elapsedMs*0.2
	}
	if proxy.Status == models.ProxyUntested || proxy.Status == models.ProxySlow {
		proxy.Status = models.ProxyGood
	}
	proxy.Mu.Unlock()
}

// RecordFailure increments counters; banned=true adds to the per-site
// ban set and, on reaching 3 cumulative bans, sets status banned;
// otherwise a non-ban failure transitions to bad once the consecutive
// streak reaches BanThreshold.
func (p *Pool) RecordFailure(id, site string, banned bool) {
	p.mu.RLock()
	proxy, ok := p.proxies[id]
	p.mu.RUnlock()
	if !ok {
		return
	}

	proxy.Mu.Lock()
	proxy.FailureCount++
	proxy.ConsecutiveFailure++
	proxy.LastUsed = time.Now()

	if banned {
		proxy.BanCount++
		if site != "" {
			proxy.BannedSites[site] = true
			p.siteBansMu.Lock()
			if p.siteBans[site] == nil {
				p.siteBans[site] = make(map[string]bool)
			}
			p.siteBans[site][id] = true
			p.siteBansMu.Unlock()
		}
		if proxy.BanCount >= 3 {
			proxy.Status = models.ProxyBanned
		}
	} else if proxy.ConsecutiveFailure >= p.cfg.BanThreshold {
		proxy.Status = models.ProxyBad
	}
	autoRemove := p.cfg.AutoRemoveBad && proxy.Status == models.ProxyBad
	proxy.Mu.Unlock()

	if autoRemove {
		p.Remove(id)
	}
}

// ClearBans resets ban records; if site is empty, all sites are cleared
// and banned status is reset to untested.
func (p *Pool) ClearBans(site string) {
	p.siteBansMu.Lock()
	if site != "" {
		delete(p.siteBans, site)
	} else {
		p.siteBans = make(map[string]map[string]bool)
	}
	p.siteBansMu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, proxy := range p.proxies {
		proxy.Mu.Lock()
		if site != "" {
			delete(proxy.BannedSites, site)
		} else {
			proxy.BannedSites = make(map[string]bool)
			proxy.BanCount = 0
			if proxy.Status == models.ProxyBanned {
				proxy.Status = models.ProxyUntested
			}
		}
		proxy.Mu.Unlock()
	}
}

// TestAll concurrency-bounds a health probe against every proxy in group
// (or the whole pool) in batches of 50.
func (p *Pool) TestAll(ctx context.Context, group string) {
	p.mu.RLock()
	ids := p.groupIDs(group)
	proxies := make([]*models.Proxy, 0, len(ids))
	for _, id := range ids {
		if proxy, ok := p.proxies[id]; ok {
			proxies = append(proxies, proxy)
		}
	}
	p.mu.RUnlock()

	const batchSize = 50
	for i := 0; i < len(proxies); i += batchSize {
		end := i + batchSize
		if end > len(proxies) {
			end = len(proxies)
		}
		var wg sync.WaitGroup
		for _, proxy := range proxies[i:end] {
			wg.Add(1)
			go func(proxy *models.Proxy) {
				defer wg.Done()
				p.testOne(ctx, proxy)
			}(proxy)
		}
		wg.Wait()
	}
}

func (p *Pool) testOne(ctx context.Context, proxy *models.Proxy) {
	timeout := p.cfg.TestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.TestURL, nil)
	if err != nil {
		proxy.Mu.Lock()
		proxy.Status = models.ProxyBad
		proxy.Mu.Unlock()
		return
	}

	client := &http.Client{Transport: newProxyTransport(proxy), Timeout: timeout}
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	observability.ProxyTestDuration.Observe(elapsed.Seconds())

	proxy.Mu.Lock()
	defer proxy.Mu.Unlock()
	if err != nil {
		proxy.Status = models.ProxyBad
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if elapsed < 2*time.Second {
			proxy.Status = models.ProxyGood
		} else {
			proxy.Status = models.ProxySlow
		}
		proxy.AvgResponseMs = float64(elapsed.Milliseconds())
	} else {
		proxy.Status = models.ProxyBad
	}
}

// StartHealthChecks runs TestAll on cfg.HealthCheckInterval until ctx is
// cancelled or Stop is called.
func (p *Pool) StartHealthChecks(ctx context.Context) {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.TestAll(ctx, "")
		}
	}
}

// Stop halts any running health-check loop.
func (p *Pool) Stop() {
	close(p.stopHealth)
}

// Stats aggregates pool-wide counts for a group (or the whole pool).
type Stats struct {
	Total          int
	Good           int
	Slow           int
	Bad            int
	Banned         int
	Untested       int
	AvgResponseMs  float64
	TotalRequests  int
	AvgSuccessRate float64
}

func (p *Pool) GetStats(group string) Stats {
	p.mu.RLock()
	ids := p.groupIDs(group)
	proxies := make([]*models.Proxy, 0, len(ids))
	for _, id := range ids {
		if proxy, ok := p.proxies[id]; ok {
			proxies = append(proxies, proxy)
		}
	}
	p.mu.RUnlock()

	var s Stats
	s.Total = len(proxies)
	var sumAvg, sumRate float64
	for _, proxy := range proxies {
		proxy.Mu.Lock()
		switch proxy.Status {
		case models.ProxyGood:
			s.Good++
		case models.ProxySlow:
			s.Slow++
		case models.ProxyBad:
			s.Bad++
		case models.ProxyBanned:
			s.Banned++
		case models.ProxyUntested:
			s.Untested++
		}
		sumAvg += proxy.AvgResponseMs
		s.TotalRequests += proxy.SuccessCount + proxy.FailureCount
		total := proxy.SuccessCount + proxy.FailureCount
		if total > 0 {
			sumRate += float64(proxy.SuccessCount) / float64(total)
		}
		proxy.Mu.Unlock()
	}
	if s.Total > 0 {
		s.AvgResponseMs = sumAvg / float64(s.Total)
		s.AvgSuccessRate = sumRate / float64(s.Total)
	}

	observability.ProxyPoolSize.WithLabelValues(group, string(models.ProxyGood)).Set(float64(s.Good))
	observability.ProxyPoolSize.WithLabelValues(group, string(models.ProxyBad)).Set(float64(s.Bad))
	observability.ProxyPoolSize.WithLabelValues(group, string(models.ProxyBanned)).Set(float64(s.Banned))

	return s
}

// Export returns proxies in group (optionally filtered by status) in
// round-trip "host:port[:user:pass]" form, one per line.
func (p *Pool) Export(group string, status models.ProxyStatus) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var lines []string
	for _, id := range p.groupIDs(group) {
		proxy, ok := p.proxies[id]
		if !ok {
			continue
		}
		if status != "" && proxy.Status != status {
			continue
		}
		if proxy.Username != "" && proxy.Password != "" {
			lines = append(lines, fmt.Sprintf("%s:%d:%s:%s", proxy.Host, proxy.Port, proxy.Username, proxy.Password))
		} else {
			lines = append(lines, fmt.Sprintf("%s:%d", proxy.Host, proxy.Port))
		}
	}
	return strings.Join(lines, "\n")
}

// Get returns a proxy handle by id without applying any rotation policy.
func (p *Pool) Get(id string) (*models.Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, ok := p.proxies[id]
	return proxy, ok
}
