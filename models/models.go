// Package models holds the domain types shared across every component:
// proxies, profiles, tasks, checkout sessions, and monitor observations.
package models

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ProxyStatus is the health state of a Proxy. Transitions are monotonic
// toward Bad/Banned until an operator clears bans.
type ProxyStatus string

const (
	ProxyUntested ProxyStatus = "untested"
	ProxyGood     ProxyStatus = "good"
	ProxySlow     ProxyStatus = "slow"
	ProxyBad      ProxyStatus = "bad"
	ProxyBanned   ProxyStatus = "banned"
)

// RotationPolicy selects how the pool picks among candidate proxies.
type RotationPolicy string

const (
	RotationRoundRobin RotationPolicy = "round-robin"
	RotationRandom     RotationPolicy = "random"
	RotationSticky     RotationPolicy = "sticky"
	RotationFastest    RotationPolicy = "fastest"
	RotationLeastUsed  RotationPolicy = "least-used"
	RotationSmart      RotationPolicy = "smart"
)

// GeoInfo is optional proxy geolocation/ISP metadata. TestAll does not
// fill it in, so it stays nil unless a caller sets it. Absence never
// affects rotation.
type GeoInfo struct {
	Country       string
	City          string
	ISP           string
	IsResidential bool
	IsDatacenter  bool
}

// Proxy is one HTTP egress identity tracked by the pool. Stats are
// exclusively mutated by the pool's own RecordSuccess/RecordFailure
// methods — callers outside proxypool must never touch them directly.
type Proxy struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	Protocol string // "http" or "socks5"
	Group    string

	Status ProxyStatus
	Geo    *GeoInfo

	Mu                 sync.Mutex
	SuccessCount       int
	FailureCount       int
	AvgResponseMs      float64
	LastUsed           time.Time
	ConsecutiveFailure int
	BannedSites        map[string]bool // site -> banned
	BanCount           int
}

// URL returns the proxy address as host:port[:user:pass], matching the
// import format Add/AddFromString parse.
func (p *Proxy) URL() string {
	if p.Username != "" {
		return p.Host + ":" + itoa(p.Port) + ":" + p.Username + ":" + p.Password
	}
	return p.Host + ":" + itoa(p.Port)
}

// Display is a short human-readable identity for logs (never includes
// credentials).
func (p *Proxy) Display() string {
	return p.Host + ":" + itoa(p.Port)
}

// SuccessRate returns SuccessCount/(SuccessCount+FailureCount), 0 if unused.
func (p *Proxy) SuccessRate() float64 {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Address is the billing/shipping address bundle carried by a Profile.
type Address struct {
	FirstName string
	LastName  string
	Address1  string
	Address2  string
	City      string
	State     string
	ZipCode   string
	Country   string
}

// Card holds payment card data. Ciphertext handling (encryption at rest)
// is the external profile service's concern; the core only ever reads
// plaintext fields at the moment of use and must never log them beyond
// the last four digits.
type Card struct {
	Number         string
	Holder         string
	ExpiryMonth    string
	ExpiryYearFull string
	CVV            string
}

// MaskedNumber returns "**** **** **** 1234" style redaction safe to log.
func (c Card) MaskedNumber() string {
	if len(c.Number) < 4 {
		return "**** **** **** ****"
	}
	return "**** **** **** " + c.Number[len(c.Number)-4:]
}

// Profile is immutable from the core's perspective; the core only reads it.
type Profile struct {
	ID                    string
	Email                 string
	Phone                 string
	Shipping              Address
	BillingAddress        Address
	BillingSameAsShipping bool
	Card                  Card
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskIdle              TaskStatus = "idle"
	TaskMonitoring        TaskStatus = "monitoring"
	TaskAddingToCart      TaskStatus = "adding_to_cart"
	TaskCarted            TaskStatus = "carted"
	TaskSubmittingInfo    TaskStatus = "submitting_info"
	TaskSubmittingShip    TaskStatus = "submitting_shipping"
	TaskSubmittingPayment TaskStatus = "submitting_payment"
	TaskSolvingCaptcha    TaskStatus = "solving_captcha"
	TaskPolling           TaskStatus = "polling"
	TaskSuccess           TaskStatus = "success"
	TaskDeclined          TaskStatus = "declined"
	TaskFailed            TaskStatus = "failed"
	TaskCancelled         TaskStatus = "cancelled"
	TaskError             TaskStatus = "error"
)

// IsTerminal reports whether status ends the task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskDeclined, TaskFailed, TaskCancelled, TaskError:
		return true
	}
	return false
}

// SiteType names the checkout engine family a Task targets.
type SiteType string

const (
	SiteShopify   SiteType = "shopify"
	SiteFootsites SiteType = "footsites"
)

// TaskConfig is the immutable configuration a Task is created with.
type TaskConfig struct {
	SiteType       SiteType
	SiteName       string
	SiteURL        string
	MonitorInput   string // keywords or a direct product URL
	Sizes          []string
	Mode           string // "normal", "fast", "safe", "request"
	ProfileID      string
	ProxyGroupID   string
	MonitorDelay   time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
	RetryOnDecline bool
	RetryOnError   bool
}

// Task is one purchase attempt, owned by the Task Scheduler for its full
// lifetime.
type Task struct {
	ID     string
	Config TaskConfig

	mu            sync.Mutex
	Status        TaskStatus
	StatusMessage string
	RetryCount    int
	cancelled     bool
	cancelCh      chan struct{}
	FoundProduct  *ProductObservation
	Result        *TaskResult
}

// NewTask constructs an idle task with the given config.
func NewTask(id string, cfg TaskConfig) *Task {
	return &Task{ID: id, Config: cfg, Status: TaskIdle, cancelCh: make(chan struct{})}
}

// UpdateStatus transitions the task and sets its status message. Safe for
// concurrent use; callers observe transitions in issue order because the
// scheduler drives them sequentially per task.
func (t *Task) UpdateStatus(status TaskStatus, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
	t.StatusMessage = message
}

// Snapshot returns a copy of the task's mutable fields for status display.
// Races against live updates are acceptable (snapshot-read semantics).
type TaskSnapshot struct {
	Status        TaskStatus
	StatusMessage string
	RetryCount    int
	Cancelled     bool
	FoundProduct  *ProductObservation
	Result        *TaskResult
}

func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		Status:        t.Status,
		StatusMessage: t.StatusMessage,
		RetryCount:    t.RetryCount,
		Cancelled:     t.cancelled,
		FoundProduct:  t.FoundProduct,
		Result:        t.Result,
	}
}

// Cancel sets the cancel flag and closes the task's done channel so an
// in-progress retry sleep wakes immediately.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.cancelCh != nil {
		close(t.cancelCh)
	}
}

// Done returns a channel closed when the task is cancelled. Tasks built
// without NewTask never report done.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelCh
}

// Cancelled reports the cancel flag.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) incrementRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RetryCount++
}

// SetResult records the terminal result and mirrors it onto the task.
func (t *Task) SetResult(r *TaskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = r
}

// RetryCountValue reads the retry counter under lock.
func (t *Task) RetryCountValue() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.RetryCount
}

// IncrementRetry is the exported form used by the scheduler package.
func (t *Task) IncrementRetry() { t.incrementRetry() }

// TaskResult is produced by the Checkout Engine and consumed once by the
// Scheduler, which then broadcasts it.
type TaskResult struct {
	Success      bool
	Declined     bool // true only when the failure is a card decline, never a transport/logic error
	OrderNumber  string
	CheckoutURL  string
	ErrorMessage string
	ElapsedSec   *float64
	TotalPrice   *decimal.Decimal
	Timestamp    time.Time
}

// ProductObservation is produced by monitors.
type ProductObservation struct {
	URL          string
	Title        string
	SKU          string
	Price        decimal.Decimal
	ImageURL     string
	Available    bool
	Sizes        []string
	VariantSizes map[string]string // variant id -> size
	Raw          map[string]any
	ObservedAt   time.Time
}

// Fingerprint is url + ':' + sorted(size list joined by comma); equal
// fingerprints on consecutive polls suppress duplicate events.
func (o ProductObservation) Fingerprint() string {
	sizes := append([]string(nil), o.Sizes...)
	sortStrings(sizes)
	out := o.URL + ":"
	for i, s := range sizes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// EventType classifies a ProductEvent.
type EventType string

const (
	EventNewProduct  EventType = "new_product"
	EventRestock     EventType = "restock"
	EventSizeChange  EventType = "size_change"
	EventPriceChange EventType = "price_change"
)

// Priority is the urgency tier of a ProductEvent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// priorityRank gives a total order for comparisons like "priority >= medium".
var priorityRank = map[Priority]int{PriorityLow: 0, PriorityMedium: 1, PriorityHigh: 2}

// AtLeast reports whether p is at least as urgent as other.
func (p Priority) AtLeast(other Priority) bool {
	return priorityRank[p] >= priorityRank[other]
}

// MatchResult is the keyword matcher's verdict against a curated product.
type MatchResult struct {
	Matched    bool
	Confidence float64
	ProductID  string
}

// ProductEvent fans out to auto-task creation and subscribers.
type ProductEvent struct {
	Type        EventType
	Source      string
	StoreName   string
	Observation ProductObservation
	Match       MatchResult
	Priority    Priority
	Timestamp   time.Time
}

// CheckoutSession (Shopify) is single-attempt state. The token is tied to
// a cookie jar; losing the jar invalidates the session.
type CheckoutSession struct {
	CheckoutURL    string
	CheckoutToken  string
	ShopID         string
	ShippingRateID string
	TotalPrice     *decimal.Decimal
}

// CookieJar is a per-task map domain -> name -> value. Two tasks never
// share a jar; it is cleared when the task leaves the scheduler.
type CookieJar struct {
	mu      sync.Mutex
	cookies map[string]map[string]string
}

// NewCookieJar returns an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{cookies: make(map[string]map[string]string)}
}

// Save merges values into the jar for a domain.
func (j *CookieJar) Save(domain string, values map[string]string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	d, ok := j.cookies[domain]
	if !ok {
		d = make(map[string]string)
		j.cookies[domain] = d
	}
	for k, v := range values {
		d[k] = v
	}
}

// Load returns a copy of the cookies for a domain.
func (j *CookieJar) Load(domain string) map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string)
	for k, v := range j.cookies[domain] {
		out[k] = v
	}
	return out
}

// Clear removes all cookies for every domain.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string]map[string]string)
}

// ClearDomain removes cookies for a single domain only.
func (j *CookieJar) ClearDomain(domain string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.cookies, domain)
}

// Dump returns a deep copy of every domain's cookies, for snapshotting
// a jar to a Persister.
func (j *CookieJar) Dump() map[string]map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]map[string]string, len(j.cookies))
	for domain, values := range j.cookies {
		copied := make(map[string]string, len(values))
		for k, v := range values {
			copied[k] = v
		}
		out[domain] = copied
	}
	return out
}

// WebhookConfig is per-source Webhook Ingress configuration: the
// HMAC secret required to accept signed payloads and an optional
// override of the sliding-window rate limit for that source.
type WebhookConfig struct {
	Source          string
	HMACSecret      string // empty means signatures are not required for this source
	RateLimitMax    int    // 0 means use the ingress-wide default
	RateLimitWindow time.Duration
	IdempotencyTTL  time.Duration // not read by the ingress; every source uses the ingress-wide TTL (default 1h)
}

// WebhookReceived is the normalized event produced by the Webhook
// Ingress pipeline after verification, rate limiting, and dedup.
type WebhookReceived struct {
	ID        string
	Source    string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
}
