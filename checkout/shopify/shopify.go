// Package shopify implements the Shopify checkout state machine:
// find -> cart -> create_checkout -> submit_info -> submit_shipping ->
// submit_payment -> confirm, with a password-gate bypass. Only the
// create_checkout step retries internally (when the store serves a
// checkpoint page); every other step is single-attempt, and retrying a
// whole attempt is the scheduler's job.
package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
	"github.com/duskline/phantom/resilience"
	"github.com/duskline/phantom/session"
)

// commonPasswords is tried in order against a store's /password gate
// before giving up; grounded on shopify.py's bypass list.
var commonPasswords = []string{"please", "shopify", "letmein", "early", "preview", "restock"}

type step string

const (
	stepFind             step = "find"
	stepCart             step = "cart"
	stepCreateCheckout   step = "create_checkout"
	stepSubmitInfo       step = "submit_info"
	stepSubmitShipping   step = "submit_shipping"
	stepSubmitPayment    step = "submit_payment"
	stepConfirm          step = "confirm"
	maxCheckpointRetries      = 3
)

// Engine drives one task through the Shopify checkout flow.
type Engine struct {
	client         *session.Client
	vaultURL       string
	solver         models.CaptchaSolver
	checkpointWait func(attempt int) time.Duration
}

func New(client *session.Client) *Engine {
	return &Engine{client: client, vaultURL: vaultEndpoint, checkpointWait: defaultCheckpointWait}
}

// defaultCheckpointWait spaces checkpoint retries 2 + 3*attempt
// seconds apart.
func defaultCheckpointWait(attempt int) time.Duration {
	return time.Duration(2+3*attempt) * time.Second
}

// WithCaptchaSolver wires an optional CaptchaSolver: when
// the payment page embeds a recaptcha site key, a solved token is
// submitted as the checkout form's g-recaptcha-response field. Absence
// is fine — a store that doesn't challenge this checkout never needs one.
func (e *Engine) WithCaptchaSolver(solver models.CaptchaSolver) *Engine {
	e.solver = solver
	return e
}

// newWithVaultURL overrides the card vault endpoint; used by tests to
// stand in for deposit.shopifycs.com with an httptest.Server.
func newWithVaultURL(client *session.Client, vaultURL string) *Engine {
	return &Engine{client: client, vaultURL: vaultURL, checkpointWait: defaultCheckpointWait}
}

// Run executes the full state machine against storeURL for productURL,
// returning a terminal TaskResult. Every failure, context cancellation
// included, is encoded in the result; the returned error is always nil.
func (e *Engine) Run(ctx context.Context, storeURL, productURL string, sizePref []string, profile *models.Profile, report func(models.TaskStatus, string)) (*models.TaskResult, error) {
	start := time.Now()

	if err := e.bypassPasswordGate(ctx, storeURL); err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskMonitoring, "locating product")
	variantID, price, err := e.timed(stepFind, func() (string, *decimal.Decimal, error) {
		return e.findVariant(ctx, productURL, sizePref)
	})
	if err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskAddingToCart, "adding to cart")
	if err := e.addToCart(ctx, storeURL, variantID); err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskCarted, "creating checkout")
	checkout, err := e.createCheckout(ctx, storeURL)
	if err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskSubmittingInfo, "submitting contact info")
	if err := e.submitInfo(ctx, checkout, profile); err != nil {
		return e.failAt(start, err, checkout.CheckoutURL), nil
	}

	report(models.TaskSubmittingShip, "submitting shipping method")
	if err := e.submitShipping(ctx, checkout); err != nil {
		return e.failAt(start, err, checkout.CheckoutURL), nil
	}

	report(models.TaskSubmittingPayment, "submitting payment")
	orderNumber, pollURL, err := e.submitPayment(ctx, checkout, profile)
	if err != nil {
		return e.failAt(start, err, checkout.CheckoutURL), nil
	}

	if pollURL != "" {
		report(models.TaskPolling, "confirming order")
		orderNumber, err = e.pollProcessing(ctx, pollURL)
		if err != nil {
			return e.failAt(start, err, checkout.CheckoutURL), nil
		}
	}

	elapsed := time.Since(start).Seconds()
	observability.CheckoutOutcomes.WithLabelValues("shopify", "success").Inc()
	return &models.TaskResult{
		Success:     true,
		OrderNumber: orderNumber,
		CheckoutURL: checkout.CheckoutURL,
		ElapsedSec:  &elapsed,
		TotalPrice:  price,
		Timestamp:   time.Now(),
	}, nil
}

func (e *Engine) fail(start time.Time, err error) *models.TaskResult {
	return e.failAt(start, err, "")
}

// failAt builds the terminal failure result, carrying the checkout URL
// (when one exists) so the operator can finish the purchase by hand.
func (e *Engine) failAt(start time.Time, err error, checkoutURL string) *models.TaskResult {
	elapsed := time.Since(start).Seconds()
	outcome := "failed"
	declined := false
	var rerr *resilience.Error
	if ok := asResilience(err, &rerr); ok && rerr.Kind == resilience.KindDeclined {
		outcome = "declined"
		declined = true
	}
	observability.CheckoutOutcomes.WithLabelValues("shopify", outcome).Inc()
	return &models.TaskResult{
		Success:      false,
		Declined:     declined,
		ErrorMessage: err.Error(),
		CheckoutURL:  checkoutURL,
		ElapsedSec:   &elapsed,
		Timestamp:    time.Now(),
	}
}

func asResilience(err error, target **resilience.Error) bool {
	if r, ok := err.(*resilience.Error); ok {
		*target = r
		return true
	}
	return false
}

// timed runs a step exactly once, recording its duration. Steps never
// retry internally; retrying a failed attempt is the scheduler's call.
func (e *Engine) timed(s step, fn func() (string, *decimal.Decimal, error)) (string, *decimal.Decimal, error) {
	start := time.Now()
	id, price, err := fn()
	observability.CheckoutStepDuration.WithLabelValues("shopify", string(s)).Observe(time.Since(start).Seconds())
	return id, price, err
}

func (e *Engine) timedErr(s step, fn func() error) error {
	_, _, err := e.timed(s, func() (string, *decimal.Decimal, error) { return "", nil, fn() })
	return err
}

// --- Password gate bypass: three strategies in order ---

func (e *Engine) bypassPasswordGate(ctx context.Context, storeURL string) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, storeURL, nil)
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return resilience.Transient("probe request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden && !strings.Contains(resp.Request.URL.Path, "/password") {
		return nil // store isn't password-gated
	}

	// strategy 1: probe endpoints that are often served outside the gate.
	for _, path := range []string{"/products.json", "/collections.json", "/cart.js"} {
		probe, _ := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(storeURL, "/")+path, nil)
		probeResp, err := e.client.HTTP.Do(probe)
		if err != nil {
			continue
		}
		probeResp.Body.Close()
		if probeResp.StatusCode == http.StatusOK && !strings.Contains(probeResp.Request.URL.Path, "/password") {
			return nil
		}
	}

	// strategy 2: brute-force the common password list, scraping the
	// authenticity_token from the gate page first.
	body, _ := io.ReadAll(resp.Body)
	token := extractAuthToken(string(body))
	if token != "" {
		for _, pw := range commonPasswords {
			form := url.Values{"password": {pw}, "form_type": {"storefront_password"}, "utf8": {"✓"}}
			if token != "" {
				form.Set("authenticity_token", token)
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(storeURL, "/")+"/password", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			resp2, err := e.client.HTTP.Do(req)
			if err != nil {
				continue
			}
			resp2.Body.Close()
			if resp2.StatusCode == http.StatusOK || resp2.StatusCode == http.StatusFound {
				return nil
			}
		}
	}

	// strategy 3: preview_theme_id query param bypass.
	req3, _ := http.NewRequestWithContext(ctx, http.MethodGet, storeURL+"?preview_theme_id=current", nil)
	resp3, err := e.client.HTTP.Do(req3)
	if err == nil {
		resp3.Body.Close()
		if resp3.StatusCode == http.StatusOK {
			return nil
		}
	}

	return resilience.ServiceUnavailable("store is password-protected and no bypass succeeded")
}

var authTokenPattern = regexp.MustCompile(`name="authenticity_token"\s+value="([^"]+)"`)

func extractAuthToken(body string) string {
	if m := authTokenPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// --- Find variant ---

type productsResponse struct {
	Products []struct {
		Title    string `json:"title"`
		Variants []struct {
			ID        json.Number `json:"id"`
			Title     string      `json:"title"`
			Price     string      `json:"price"`
			Available bool        `json:"available"`
		} `json:"variants"`
	} `json:"products"`
}

func (e *Engine) findVariant(ctx context.Context, productURL string, sizePref []string) (string, *decimal.Decimal, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(productURL, ".json")+".json", nil)
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return "", nil, resilience.Transient("product fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", nil, resilience.RateLimited("product endpoint rate limited", 2)
	}

	var single struct {
		Product struct {
			Variants []struct {
				ID        json.Number `json:"id"`
				Title     string      `json:"title"`
				Price     string      `json:"price"`
				Available bool        `json:"available"`
			} `json:"variants"`
		} `json:"product"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
		return "", nil, resilience.Transient("invalid product JSON", err)
	}

	for _, pref := range sizePref {
		for _, v := range single.Product.Variants {
			if v.Available && strings.EqualFold(v.Title, pref) {
				price, _ := decimal.NewFromString(v.Price)
				return v.ID.String(), &price, nil
			}
		}
	}
	for _, v := range single.Product.Variants {
		if v.Available {
			price, _ := decimal.NewFromString(v.Price)
			return v.ID.String(), &price, nil
		}
	}
	return "", nil, resilience.NotFound("variant", "no matching size in stock")
}

// --- Cart ---

// addToCart POSTs the variant to cart/add.js once; any non-2xx response
// fails the attempt outright.
func (e *Engine) addToCart(ctx context.Context, storeURL, variantID string) error {
	return e.timedErr(stepCart, func() error {
		form := url.Values{"id": {variantID}, "quantity": {"1"}}
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(storeURL, "/")+"/cart/add.js", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := e.client.HTTP.Do(req)
		if err != nil {
			return resilience.Transient("add to cart failed", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resilience.ServiceUnavailable(fmt.Sprintf("add to cart returned %d", resp.StatusCode))
		}
		return nil
	})
}

// --- Create checkout ---

// checkoutURLPattern validates the landed checkout URL and captures the
// shop id (the numeric path segment, when present) and checkout token.
var checkoutURLPattern = regexp.MustCompile(`(?:/(\d+))?/checkouts/([0-9a-zA-Z]+)`)

// isCheckpoint detects the interstitial Shopify serves to throttle bot
// traffic by its characteristic body markers.
func isCheckpoint(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "checkpoint") || strings.Contains(lower, "verify you are human")
}

// createCheckout GETs /checkout and follows the redirect into a live
// checkout session. This is the one step allowed to retry internally:
// when the store serves a checkpoint page instead, it waits
// 2 + 3*attempt seconds and tries again, up to maxCheckpointRetries
// times. A landed URL that matches /checkouts/<token> yields the
// session (token + shop id extracted from the URL); anything else
// fails the attempt.
func (e *Engine) createCheckout(ctx context.Context, storeURL string) (*models.CheckoutSession, error) {
	var checkout *models.CheckoutSession
	err := e.timedErr(stepCreateCheckout, func() error {
		for attempt := 0; attempt < maxCheckpointRetries; attempt++ {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(storeURL, "/")+"/checkout", nil)
			resp, err := e.client.HTTP.Do(req)
			if err != nil {
				return resilience.Transient("checkout creation failed", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			landed := resp.Request.URL.String()

			if isCheckpoint(string(body)) {
				if attempt == maxCheckpointRetries-1 {
					break // budget spent, no point waiting again
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(e.checkpointWait(attempt)):
				}
				continue
			}

			m := checkoutURLPattern.FindStringSubmatch(landed)
			if m == nil {
				return resilience.ServiceUnavailable("checkout session not created")
			}
			checkout = &models.CheckoutSession{
				CheckoutURL:   landed,
				ShopID:        m[1],
				CheckoutToken: m[2],
			}
			return nil
		}
		return resilience.ServiceUnavailable("checkpoint not cleared")
	})
	return checkout, err
}

// --- Submit contact info ---

func (e *Engine) submitInfo(ctx context.Context, checkout *models.CheckoutSession, profile *models.Profile) error {
	return e.timedErr(stepSubmitInfo, func() error {
		form := contactForm(profile)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, checkout.CheckoutURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := e.client.HTTP.Do(req)
		if err != nil {
			return resilience.Transient("submit info failed", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return resilience.ServiceUnavailable("submit contact info")
		}
		return nil
	})
}

func contactForm(p *models.Profile) url.Values {
	v := url.Values{}
	v.Set("checkout[email]", p.Email)
	v.Set("checkout[shipping_address][first_name]", p.Shipping.FirstName)
	v.Set("checkout[shipping_address][last_name]", p.Shipping.LastName)
	v.Set("checkout[shipping_address][address1]", p.Shipping.Address1)
	v.Set("checkout[shipping_address][address2]", p.Shipping.Address2)
	v.Set("checkout[shipping_address][city]", p.Shipping.City)
	v.Set("checkout[shipping_address][province]", p.Shipping.State)
	v.Set("checkout[shipping_address][zip]", p.Shipping.ZipCode)
	v.Set("checkout[shipping_address][country]", p.Shipping.Country)
	v.Set("checkout[shipping_address][phone]", p.Phone)
	return v
}

// --- Submit shipping method ---

var shippingRatePattern = regexp.MustCompile(`data-shipping-method="([^"]+)"`)

func (e *Engine) submitShipping(ctx context.Context, checkout *models.CheckoutSession) error {
	return e.timedErr(stepSubmitShipping, func() error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, checkout.CheckoutURL+"/shipping_rates", nil)
		resp, err := e.client.HTTP.Do(req)
		if err != nil {
			return resilience.Transient("fetch shipping rates failed", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return resilience.ServiceUnavailable("fetch shipping rates")
		}

		rateID := "auto"
		if m := shippingRatePattern.FindStringSubmatch(string(body)); m != nil {
			rateID = m[1]
		}
		checkout.ShippingRateID = rateID

		form := url.Values{"checkout[shipping_rate][id]": {rateID}}
		req2, _ := http.NewRequestWithContext(ctx, http.MethodPost, checkout.CheckoutURL, strings.NewReader(form.Encode()))
		req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp2, err := e.client.HTTP.Do(req2)
		if err != nil {
			return resilience.Transient("submit shipping failed", err)
		}
		resp2.Body.Close()
		if resp2.StatusCode >= 400 {
			return resilience.ServiceUnavailable("submit shipping")
		}
		return nil
	})
}

// --- Submit payment ---

const vaultEndpoint = "https://deposit.shopifycs.com/sessions"

// vaultSessionID tokenises the card via Shopify's card vault:
// POST the raw card JSON to deposit.shopifycs.com/sessions and read
// back the opaque "id" that stands in for it on the order submission.
// The vault is a distinct origin from the storefront; the request still
// goes through the same client, cookie jar and proxy as the checkout.
func (e *Engine) vaultSessionID(ctx context.Context, card models.Card) (string, error) {
	payload := map[string]any{
		"credit_card": map[string]any{
			"number":             card.Number,
			"name":               card.Holder,
			"month":              atoiOrZero(card.ExpiryMonth),
			"year":               atoiOrZero(card.ExpiryYearFull),
			"verification_value": card.CVV,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", resilience.Transient("failed to marshal card vault payload", err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, e.vaultURL, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return "", resilience.Transient(fmt.Sprintf("card vault request failed for card %s", resilience.MaskCard(card.Number)), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", resilience.ServiceUnavailable("card vault")
	}
	var vaultResp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&vaultResp); err != nil || vaultResp.ID == "" {
		return "", resilience.Transient("invalid card vault response", err)
	}
	return vaultResp.ID, nil
}

func atoiOrZero(s string) int {
	n := 0
	fmt.Sscanf(s, "%d", &n)
	return n
}

// paymentGatewayID scrapes the numeric gateway id Shopify embeds on the
// payment-method page (e.g. `data-select-gateway="123456"` or a
// `Shopify.Checkout.paymentGatewayId` assignment). Real stores use
// numeric gateway ids; when the scrape misses, the literal
// "credit_card" is submitted instead of guessing a number.
var gatewayIDPattern = regexp.MustCompile(`(?:data-select-gateway|paymentGatewayId)[=:"']+\s*"?(\d+)`)

func paymentGatewayID(body string) string {
	if m := gatewayIDPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return "credit_card"
}

// submitPayment posts the payment form once and resolves the landed
// URL: a direct thank_you/orders landing means success, and the order
// number is extracted right here; a processing landing means the
// caller must poll that exact URL (returned as pollURL) rather than a
// hardcoded path.
func (e *Engine) submitPayment(ctx context.Context, checkout *models.CheckoutSession, profile *models.Profile) (order, pollURL string, err error) {
	err = e.timedErr(stepSubmitPayment, func() error {
		vaultID, err := e.vaultSessionID(ctx, profile.Card)
		if err != nil {
			return err
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, checkout.CheckoutURL+"/payments", nil)
		resp, err := e.client.HTTP.Do(req)
		if err != nil {
			return resilience.Transient("fetch payment page failed", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		gatewayID := paymentGatewayID(string(body))

		form := url.Values{}
		if token, ok := e.solveCaptchaIfPresent(checkout.CheckoutURL, string(body)); ok {
			form.Set("g-recaptcha-response", token)
		}
		form.Set("checkout[payment_gateway]", gatewayID)
		form.Set("checkout[credit_card][vault]", "false")
		form.Set("checkout[different_billing_address]", boolToFormString(!profile.BillingSameAsShipping))
		if !profile.BillingSameAsShipping {
			billingForm := addressForm("checkout[billing_address]", profile.BillingAddress)
			for k, v := range billingForm {
				form[k] = v
			}
		}
		form.Set("checkout[client_details][browser_width]", "1920")
		form.Set("checkout[client_details][browser_height]", "1080")
		form.Set("checkout[client_details][javascript_enabled]", "1")
		form.Set("complete", "1")
		form.Set("s", vaultID)

		req2, _ := http.NewRequestWithContext(ctx, http.MethodPost, checkout.CheckoutURL+"/payments", strings.NewReader(form.Encode()))
		req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp2, err := e.client.HTTP.Do(req2)
		if err != nil {
			return resilience.Transient(fmt.Sprintf("submit payment failed for card %s", resilience.MaskCard(profile.Card.Number)), err)
		}
		defer resp2.Body.Close()
		respBody, _ := io.ReadAll(resp2.Body)
		landed := resp2.Request.URL.String()

		if resp2.StatusCode == http.StatusPaymentRequired || strings.Contains(strings.ToLower(string(respBody)), "declined") {
			return resilience.Declined("")
		}
		if strings.Contains(landed, "thank_you") || strings.Contains(landed, "orders/") {
			order = extractOrderNumber(string(respBody))
			return nil
		}
		if strings.Contains(landed, "processing") {
			pollURL = landed
			return nil
		}
		if strings.Contains(strings.ToLower(string(respBody)), "error") {
			if m := errorNoticePattern.FindStringSubmatch(string(respBody)); m != nil {
				return resilience.ServiceUnavailable(strings.TrimSpace(m[1]))
			}
			return resilience.ServiceUnavailable("submit payment")
		}
		if resp2.StatusCode >= 400 {
			return resilience.ServiceUnavailable("submit payment")
		}
		return nil
	})
	return order, pollURL, err
}

var errorNoticePattern = regexp.MustCompile(`(?s)class="notice--error"[^>]*>(.*?)<`)
var siteKeyPattern = regexp.MustCompile(`data-sitekey="([^"]+)"`)

// solveCaptchaIfPresent scrapes a reCAPTCHA v2 site key off the payment
// page and, if a solver is wired, solves it. A missing site key or a
// missing solver both mean "no token to attach" (ok=false); a solver
// error is swallowed the same way since the engine has no fallback
// path for an unsolved challenge other than letting the attempt fail
// downstream on its own terms.
func (e *Engine) solveCaptchaIfPresent(pageURL, body string) (string, bool) {
	m := siteKeyPattern.FindStringSubmatch(body)
	if m == nil || e.solver == nil {
		return "", false
	}
	result, err := e.solver.Solve(models.CaptchaRequest{PageURL: pageURL, SiteKey: m[1], Type: models.CaptchaRecaptchaV2})
	if err != nil || !result.Success {
		return "", false
	}
	return result.Token, true
}

func boolToFormString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func addressForm(prefix string, a models.Address) url.Values {
	v := url.Values{}
	v.Set(prefix+"[first_name]", a.FirstName)
	v.Set(prefix+"[last_name]", a.LastName)
	v.Set(prefix+"[address1]", a.Address1)
	v.Set(prefix+"[address2]", a.Address2)
	v.Set(prefix+"[city]", a.City)
	v.Set(prefix+"[province]", a.State)
	v.Set(prefix+"[zip]", a.ZipCode)
	v.Set(prefix+"[country]", a.Country)
	return v
}

// --- Confirm / poll for order processing ---

// Shopify's processing page is polled on its own, much shorter cadence
// than Footsites' queue wait. The order is either confirmed or
// declined within seconds, not minutes.
const (
	orderPollInterval = 2 * time.Second
	orderPollMaxTries = 20
)

// pollProcessing polls pollURL — the exact URL submitPayment landed
// on, not a hardcoded path — until it resolves to a thank-you page, a
// page carrying an order number, or a decline. The iteration bound is the step's own polling contract,
// not a retry.
func (e *Engine) pollProcessing(ctx context.Context, pollURL string) (string, error) {
	var order string
	err := e.timedErr(stepConfirm, func() error {
		for i := 0; i < orderPollMaxTries; i++ {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
			resp, err := e.client.HTTP.Do(req)
			if err != nil {
				return resilience.Transient("poll order confirmation failed", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			landed := resp.Request.URL.String()
			lowerBody := strings.ToLower(string(body))

			if resp.StatusCode == http.StatusPaymentRequired || strings.Contains(lowerBody, "stock_problems") || strings.Contains(lowerBody, "declined") {
				return resilience.Declined("")
			}
			if strings.Contains(landed, "thank_you") || strings.Contains(landed, "orders/") {
				order = extractOrderNumber(string(body))
				return nil
			}
			if order = extractOrderNumber(string(body)); order != "" {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(orderPollInterval):
			}
		}
		return resilience.ServiceUnavailable("order confirmation timed out")
	})
	return order, err
}

var orderNumberPattern = regexp.MustCompile(`Order\s*#?\s*(\d+)`)

func extractOrderNumber(body string) string {
	if m := orderNumberPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}
