// Package footsites implements the Footsites-family checkout state
// machine (footlocker, champs, eastbay, finishline), which share a
// cart/checkout API shape and use Adyen CSE for card data, plus a
// queue/waiting-room polling step absent from the Shopify flow. Every
// step runs exactly once; retrying a failed attempt is the
// scheduler's job.
package footsites

import (
	"bytes"
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

	"github.com/duskline/phantom/checkout/adyen"
	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/observability"
	"github.com/duskline/phantom/resilience"
	"github.com/duskline/phantom/session"
)

// BrandConfig is the per-brand API surface; all four brands share
// Footsites' backend so only the hostnames differ.
type BrandConfig struct {
	Domain      string
	APIBase     string
	CartAPI     string
	CheckoutAPI string
}

var Brands = map[string]BrandConfig{
	"footlocker": {"www.footlocker.com", "https://www.footlocker.com/api", "/cart", "/checkout"},
	"champs":     {"www.champssports.com", "https://www.champssports.com/api", "/cart", "/checkout"},
	"eastbay":    {"www.eastbay.com", "https://www.eastbay.com/api", "/cart", "/checkout"},
	"finishline": {"www.finishline.com", "https://www.finishline.com/api", "/cart", "/checkout"},
}

type step string

const (
	stepSearch     step = "search"
	stepCart       step = "cart"
	stepCheckout   step = "checkout"
	stepQueue      step = "queue"
	stepPayment    step = "payment"
	queuePollEvery      = 3 * time.Second
	queueMaxPolls       = 60
	searchLimit         = 24
)

// Engine drives one task through a Footsites brand's checkout flow.
type Engine struct {
	client *session.Client
	brand  BrandConfig
	pubKey *adyen.PublicKey
}

func New(client *session.Client, brand BrandConfig, adyenKey *adyen.PublicKey) *Engine {
	return &Engine{client: client, brand: brand, pubKey: adyenKey}
}

type cartAddRequest struct {
	SKU      string `json:"sku"`
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
}

type cartResponse struct {
	CartID string `json:"cartId"`
	Total  string `json:"total"`
}

// Run executes the full flow for a catalog search query and size.
// Failures are reported in the returned TaskResult and the error is
// always nil; the caller (Task Scheduler) decides retry policy, same
// contract as the Shopify engine.
func (e *Engine) Run(ctx context.Context, query, size string, profile *models.Profile, report func(models.TaskStatus, string)) (*models.TaskResult, error) {
	start := time.Now()

	report(models.TaskMonitoring, "searching catalog")
	sku, _, err := e.timed(stepSearch, func() (string, *decimal.Decimal, error) {
		sku, err := e.search(ctx, query, size)
		return sku, nil, err
	})
	if err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskAddingToCart, "adding to cart")
	cartID, price, err := e.timed(stepCart, func() (string, *decimal.Decimal, error) {
		return e.addToCart(ctx, sku, size)
	})
	if err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskCarted, "starting checkout")
	if _, _, err := e.timed(stepCheckout, func() (string, *decimal.Decimal, error) {
		return "", nil, e.beginCheckout(ctx, cartID)
	}); err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskPolling, "waiting room")
	if _, _, err := e.timed(stepQueue, func() (string, *decimal.Decimal, error) {
		return "", nil, e.waitInQueue(ctx, cartID)
	}); err != nil {
		return e.fail(start, err), nil
	}

	report(models.TaskSubmittingPayment, "submitting payment")
	orderNumber, _, err := e.timed(stepPayment, func() (string, *decimal.Decimal, error) {
		order, err := e.submitPayment(ctx, cartID, profile)
		return order, nil, err
	})
	if err != nil {
		return e.fail(start, err), nil
	}

	elapsed := time.Since(start).Seconds()
	observability.CheckoutOutcomes.WithLabelValues("footsites", "success").Inc()
	return &models.TaskResult{
		Success:     true,
		OrderNumber: orderNumber,
		ElapsedSec:  &elapsed,
		TotalPrice:  price,
		Timestamp:   time.Now(),
	}, nil
}

func (e *Engine) fail(start time.Time, err error) *models.TaskResult {
	elapsed := time.Since(start).Seconds()
	outcome := "failed"
	declined := false
	if rerr, ok := err.(*resilience.Error); ok && rerr.Kind == resilience.KindDeclined {
		outcome = "declined"
		declined = true
	}
	observability.CheckoutOutcomes.WithLabelValues("footsites", outcome).Inc()
	return &models.TaskResult{Success: false, Declined: declined, ErrorMessage: err.Error(), ElapsedSec: &elapsed, Timestamp: time.Now()}
}

// timed runs a step exactly once, recording its duration. Steps never
// retry internally; the queue step's bounded polling is its own
// contract, not a retry.
func (e *Engine) timed(s step, fn func() (string, *decimal.Decimal, error)) (string, *decimal.Decimal, error) {
	start := time.Now()
	id, price, err := fn()
	observability.CheckoutStepDuration.WithLabelValues("footsites", string(s)).Observe(time.Since(start).Seconds())
	return id, price, err
}

type searchHit struct {
	ID string `json:"id"`
}

type searchResponse struct {
	Products []searchHit `json:"products"`
}

type productVariant struct {
	SKU       string `json:"sku"`
	Size      string `json:"size"`
	Available bool   `json:"available"`
}

type productDetail struct {
	ID       string           `json:"id"`
	Variants []productVariant `json:"variants"`
}

// search is the two-stage catalog lookup: a keyword search followed
// by per-result variant enumeration, returning the SKU of the first
// available variant whose size contains or equals the requested size.
func (e *Engine) search(ctx context.Context, query, size string) (string, error) {
	searchURL := fmt.Sprintf("%s/products/search?query=%s&limit=%d", e.brand.APIBase, url.QueryEscape(query), searchLimit)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return "", resilience.Transient("product search failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.RateLimited("product search rate limited", 3)
	}
	if resp.StatusCode >= 400 {
		return "", resilience.ServiceUnavailable("product search")
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", resilience.Transient("invalid search response", err)
	}

	for _, hit := range sr.Products {
		sku, err := e.firstMatchingVariant(ctx, hit.ID, size)
		if err != nil {
			return "", err
		}
		if sku != "" {
			return sku, nil
		}
	}
	return "", resilience.NotFound("product", query+"/"+size)
}

func (e *Engine) firstMatchingVariant(ctx context.Context, productID, size string) (string, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.brand.APIBase+"/products/"+productID, nil)
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return "", resilience.Transient("product detail fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", resilience.ServiceUnavailable("product detail")
	}
	var pd productDetail
	if err := json.NewDecoder(resp.Body).Decode(&pd); err != nil {
		return "", resilience.Transient("invalid product detail response", err)
	}
	for _, v := range pd.Variants {
		if v.Available && (strings.Contains(v.Size, size) || v.Size == size) {
			return v.SKU, nil
		}
	}
	return "", nil
}

func (e *Engine) addToCart(ctx context.Context, sku, size string) (string, *decimal.Decimal, error) {
	body, _ := json.Marshal(cartAddRequest{SKU: sku, Size: size, Quantity: 1})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, e.brand.APIBase+e.brand.CartAPI+"/items", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return "", nil, resilience.Transient("add to cart failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", nil, resilience.RateLimited("cart API rate limited", 3)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
		return "", nil, resilience.NotFound("sku/size", sku+"/"+size)
	}
	if resp.StatusCode >= 400 {
		return "", nil, resilience.ServiceUnavailable("cart API")
	}

	var cart cartResponse
	if err := json.NewDecoder(resp.Body).Decode(&cart); err != nil {
		return "", nil, resilience.Transient("invalid cart response", err)
	}
	price, _ := decimal.NewFromString(cart.Total)
	return cart.CartID, &price, nil
}

func (e *Engine) beginCheckout(ctx context.Context, cartID string) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, e.brand.APIBase+e.brand.CheckoutAPI+"/"+cartID+"/begin", nil)
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return resilience.Transient("begin checkout failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimited("checkout API rate limited", 3)
	}
	if resp.StatusCode >= 400 {
		return resilience.ServiceUnavailable("checkout API")
	}
	return nil
}

type queueStatus struct {
	InQueue  bool `json:"inQueue"`
	Position int  `json:"position"`
}

// waitInQueue polls the waiting-room endpoint every 3s up to 60 times
// with the same cookie jar before giving up.
func (e *Engine) waitInQueue(ctx context.Context, cartID string) error {
	for i := 0; i < queueMaxPolls; i++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.brand.APIBase+e.brand.CheckoutAPI+"/"+cartID+"/queue", nil)
		resp, err := e.client.HTTP.Do(req)
		if err != nil {
			return resilience.Transient("queue poll failed", err)
		}
		var qs queueStatus
		decodeErr := json.NewDecoder(resp.Body).Decode(&qs)
		resp.Body.Close()
		if decodeErr != nil {
			return resilience.Transient("invalid queue response", decodeErr)
		}
		if !qs.InQueue {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queuePollEvery):
		}
	}
	return resilience.ServiceUnavailable(fmt.Sprintf("waiting room did not clear after %d polls", queueMaxPolls))
}

type paymentRequest struct {
	CartID          string          `json:"cartId"`
	EncryptedCard   string          `json:"encryptedCardData"`
	Email           string          `json:"email"`
	ShippingAddress shippingAddress `json:"shippingAddress"`
}

type shippingAddress struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
	Country   string `json:"country"`
}

type paymentResponse struct {
	OrderNumber string `json:"orderNumber"`
	Declined    bool   `json:"declined"`
}

// adyenKeyPattern matches the `adyenKey = "exp|mod"` or
// `publicKey: "exp|mod"` assignment Footsites checkout pages embed
// inline; either identifier name is observed in the wild.
var adyenKeyPattern = regexp.MustCompile(`(?:adyenKey|publicKey)["'\s]*[:=]\s*["']([0-9a-fA-F]+)\|([0-9a-fA-F]+)["']`)

// resolvePublicKey scrapes the merchant's Adyen CSE public key from the
// checkout landing page, falling back to a pre-configured key (e.g. one
// pinned by an operator who already knows it hasn't rotated) when
// scraping turns up nothing.
func (e *Engine) resolvePublicKey(ctx context.Context) (*adyen.PublicKey, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+e.brand.Domain+"/checkout", nil)
	resp, err := e.client.HTTP.Do(req)
	if err == nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if m := adyenKeyPattern.FindStringSubmatch(string(body)); m != nil {
			if key, err := adyen.ParseHexKey(m[1], m[2]); err == nil {
				return key, nil
			}
		}
	}
	if e.pubKey != nil {
		return e.pubKey, nil
	}
	return nil, resilience.ServiceUnavailable("could not determine Adyen public key")
}

func (e *Engine) submitPayment(ctx context.Context, cartID string, profile *models.Profile) (string, error) {
	pubKey, err := e.resolvePublicKey(ctx)
	if err != nil {
		return "", err
	}
	encrypted, err := adyen.EncryptCard(pubKey, profile.Card)
	if err != nil {
		return "", resilience.Transient(fmt.Sprintf("card encryption failed for %s", resilience.MaskCard(profile.Card.Number)), err)
	}

	payload := paymentRequest{
		CartID:        cartID,
		EncryptedCard: encrypted,
		Email:         profile.Email,
		ShippingAddress: shippingAddress{
			FirstName: profile.Shipping.FirstName,
			LastName:  profile.Shipping.LastName,
			Address1:  profile.Shipping.Address1,
			Address2:  profile.Shipping.Address2,
			City:      profile.Shipping.City,
			State:     profile.Shipping.State,
			ZipCode:   profile.Shipping.ZipCode,
			Country:   profile.Shipping.Country,
		},
	}
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, e.brand.APIBase+e.brand.CheckoutAPI+"/"+cartID+"/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.HTTP.Do(req)
	if err != nil {
		return "", resilience.Transient("submit payment failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.RateLimited("payment API rate limited", 3)
	}
	if resp.StatusCode >= 500 {
		return "", resilience.ServiceUnavailable("payment API")
	}

	var pr paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", resilience.Transient("invalid payment response", err)
	}
	if pr.Declined || resp.StatusCode == http.StatusPaymentRequired {
		return "", resilience.Declined("")
	}
	return pr.OrderNumber, nil
}
