package models

// Collaborator interfaces the core calls out to. None of these are
// implemented by this module — profile storage, captcha solving,
// notifications, and price intelligence live in the surrounding
// deployment — but the core depends on these shapes so a
// caller can plug a real implementation in without the core importing
// it. A nil collaborator is always a valid, inert choice: every call
// site that may receive one checks for nil first.

// ProfileStore is the read-only view the core needs of wherever
// Profiles actually live. The core never writes through this
// interface; profile creation/editing is entirely the caller's
// concern.
type ProfileStore interface {
	Get(id string) *Profile
}

// CaptchaType enumerates the challenge kinds a CaptchaSolver may be
// asked to solve.
type CaptchaType string

const (
	CaptchaRecaptchaV2 CaptchaType = "recaptcha_v2"
	CaptchaRecaptchaV3 CaptchaType = "recaptcha_v3"
	CaptchaHCaptcha    CaptchaType = "hcaptcha"
	CaptchaFunCaptcha  CaptchaType = "funcaptcha"
	CaptchaImage       CaptchaType = "image"
)

// CaptchaRequest describes one challenge a checkout step needs solved.
type CaptchaRequest struct {
	PageURL  string
	SiteKey  string
	Type     CaptchaType
	Action   string   // recaptcha_v3 only
	MinScore *float64 // recaptcha_v3 only
}

// CaptchaResult is what a CaptchaSolver reports back. Success carries a
// Token to submit (e.g. as the checkout form's g-recaptcha-response
// field); failure carries an Error instead.
type CaptchaResult struct {
	Success      bool
	Token        string
	Error        string
	ElapsedSec   float64
	CostUSD      float64
	ProviderName string
}

// CaptchaSolver is a pluggable third-party captcha-solving
// collaborator. At-most-one in-flight call per (PageURL, SiteKey) is
// NOT a contract callers must uphold.
type CaptchaSolver interface {
	Solve(req CaptchaRequest) (CaptchaResult, error)
}

// Notifier receives fire-and-forget lifecycle events. Every method may
// be a no-op; callbacks must never block or panic the caller, so
// implementations are expected to enqueue and return promptly.
type Notifier interface {
	OnSuccess(task *Task, result *TaskResult)
	OnDecline(task *Task, result *TaskResult)
	OnRestock(event ProductEvent)
	OnCarted(task *Task, checkoutURL string)
}

// PriceAnalysis is a PriceOracle's verdict on a SKU's resale prospects.
type PriceAnalysis struct {
	BestResale      float64
	EstimatedProfit float64
	MarginPercent   float64
}

// PriceOracle is an optional, read-only market-intelligence
// collaborator. Its absence never affects correctness — callers that
// have no oracle configured simply skip price analysis.
type PriceOracle interface {
	Analyze(sku string, retail float64) (PriceAnalysis, error)
}

// NoopNotifier is a Notifier that discards every event; the default
// when a caller doesn't wire a real one.
type NoopNotifier struct{}

func (NoopNotifier) OnSuccess(*Task, *TaskResult) {}
func (NoopNotifier) OnDecline(*Task, *TaskResult) {}
func (NoopNotifier) OnRestock(ProductEvent)       {}
func (NoopNotifier) OnCarted(*Task, string)       {}
