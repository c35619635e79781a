package shopify

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/session"
)

func testProfile() *models.Profile {
	return &models.Profile{
		Email: "buyer@example.com",
		Phone: "555-0100",
		Shipping: models.Address{
			FirstName: "Jane", LastName: "Doe",
			Address1: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701", Country: "US",
		},
		Card: models.Card{Number: "4111111111111111", Holder: "Jane Doe", ExpiryMonth: "03", ExpiryYearFull: "2030", CVV: "737"},
	}
}

func clientFor(server *httptest.Server) *session.Client {
	return &session.Client{HTTP: server.Client()}
}

func noopReport(models.TaskStatus, string) {}

// vaultMux registers a deposit.shopifycs.com stand-in at /__vault__/sessions
// returning a fixed vault session id, since the real card vault is an
// external origin the test server doubles for.
func vaultMux(mux *http.ServeMux) {
	mux.HandleFunc("/__vault__/sessions", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"vault-session-abc"}`)
	})
}

const productBody = `{"product":{"variants":[{"id":111,"title":"10","price":"150.00","available":true}]}}`

// checkoutPath is where the fake store's /checkout redirect lands:
// shop id 12345, checkout token abcdef01.
const checkoutPath = "/12345/checkouts/abcdef01"

// storeMux builds a fake storefront whose /checkout redirects into a
// live checkout session at checkoutPath. paymentsHandler decides how
// the payment POST resolves.
func storeMux(paymentsHandler http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/products/shoe.json", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, productBody) })
	mux.HandleFunc("/cart/add.js", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, checkoutPath, http.StatusFound)
	})
	mux.HandleFunc(checkoutPath, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(checkoutPath+"/shipping_rates", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(checkoutPath+"/payments", paymentsHandler)
	vaultMux(mux)
	return mux
}

// A clean run through every step ends in TaskResult{Success: true}
// with an order number and total price populated.
func TestShopifyEngineHappyPath(t *testing.T) {
	var orderPolled int32
	mux := storeMux(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, checkoutPath+"/processing", http.StatusFound)
	})
	mux.HandleFunc(checkoutPath+"/processing", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&orderPolled, 1)
		io.WriteString(w, "Order #884321 is being processed")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newWithVaultURL(clientFor(server), server.URL+"/__vault__/sessions")
	result, err := engine.Run(t.Context(), server.URL, server.URL+"/products/shoe.json", []string{"10"}, testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.False(t, result.Declined)
	assert.Equal(t, "884321", result.OrderNumber)
	assert.Equal(t, server.URL+checkoutPath, result.CheckoutURL)
	require.NotNil(t, result.TotalPrice)
	assert.True(t, result.TotalPrice.Equal(mustDecimal("150.00")))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&orderPolled), int32(1))
}

// Landing directly on the thank-you page after the payment POST
// (no redirect to /processing) is a success with the order number
// extracted immediately, never a poll.
func TestShopifyEnginePaymentLandsOnThankYouDirectly(t *testing.T) {
	var processingHits int32
	mux := storeMux(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, checkoutPath+"/thank_you", http.StatusFound)
	})
	mux.HandleFunc(checkoutPath+"/thank_you", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Thank you! Order #900123 is confirmed.")
	})
	mux.HandleFunc(checkoutPath+"/processing", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&processingHits, 1)
		io.WriteString(w, "Order #900123 is being processed")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newWithVaultURL(clientFor(server), server.URL+"/__vault__/sessions")
	result, err := engine.Run(t.Context(), server.URL, server.URL+"/products/shoe.json", []string{"10"}, testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "900123", result.OrderNumber)
	assert.Zero(t, atomic.LoadInt32(&processingHits))
}

// A /checkout response whose body carries the checkpoint markers is
// retried; once the store serves the real redirect, the run proceeds
// to success.
func TestShopifyEngineCheckpointRecoversOnRetry(t *testing.T) {
	var createCheckoutCalls int32
	mux := storeMux(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, checkoutPath+"/processing", http.StatusFound)
	})
	mux.HandleFunc(checkoutPath+"/processing", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Order #1 is being processed")
	})
	// Re-register /checkout over storeMux's default: one checkpoint
	// page, then the redirect.
	mux2 := http.NewServeMux()
	mux2.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&createCheckoutCalls, 1) == 1 {
			io.WriteString(w, "<html>Checkpoint: please verify you are human</html>")
			return
		}
		http.Redirect(w, r, checkoutPath, http.StatusFound)
	})
	mux2.HandleFunc("/", mux.ServeHTTP)
	server := httptest.NewServer(mux2)
	defer server.Close()

	engine := newWithVaultURL(clientFor(server), server.URL+"/__vault__/sessions")
	engine.checkpointWait = func(int) time.Duration { return time.Millisecond }
	result, err := engine.Run(t.Context(), server.URL, server.URL+"/products/shoe.json", []string{"10"}, testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&createCheckoutCalls))
}

// Three consecutive checkpoint pages exhaust the retry budget and fail
// the attempt with a "checkpoint not cleared" message.
func TestShopifyEngineCheckpointExhaustionFails(t *testing.T) {
	var createCheckoutCalls int32
	mux := storeMux(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux2 := http.NewServeMux()
	mux2.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&createCheckoutCalls, 1)
		io.WriteString(w, "<html>verify you are human</html>")
	})
	mux2.HandleFunc("/", mux.ServeHTTP)
	server := httptest.NewServer(mux2)
	defer server.Close()

	engine := newWithVaultURL(clientFor(server), server.URL+"/__vault__/sessions")
	engine.checkpointWait = func(int) time.Duration { return time.Millisecond }
	result, err := engine.Run(t.Context(), server.URL, server.URL+"/products/shoe.json", []string{"10"}, testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "checkpoint not cleared")
	assert.Equal(t, int32(maxCheckpointRetries), atomic.LoadInt32(&createCheckoutCalls))
}

// createCheckout extracts the checkout token and shop id from the
// landed /checkouts/<token> URL.
func TestCreateCheckoutExtractsTokenAndShopID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, checkoutPath, http.StatusFound)
	})
	mux.HandleFunc(checkoutPath, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server))
	checkout, err := engine.createCheckout(t.Context(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "abcdef01", checkout.CheckoutToken)
	assert.Equal(t, "12345", checkout.ShopID)
	assert.Equal(t, server.URL+checkoutPath, checkout.CheckoutURL)
}

// A /checkout response that is neither a checkpoint page nor a
// /checkouts/<token> landing fails immediately, with no retry.
func TestCreateCheckoutRejectsUnrecognizedLanding(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.WriteString(w, "<html>cart is empty</html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server))
	_, err := engine.createCheckout(t.Context(), server.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// A payment submission declined by the processor ends in
// TaskResult{Success: false, Declined: true}, never a plain failure.
func TestShopifyEngineDeclinedCard(t *testing.T) {
	mux := storeMux(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newWithVaultURL(clientFor(server), server.URL+"/__vault__/sessions")
	result, err := engine.Run(t.Context(), server.URL, server.URL+"/products/shoe.json", []string{"10"}, testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.True(t, result.Declined)
	assert.Equal(t, server.URL+checkoutPath, result.CheckoutURL)
}

// A non-2xx cart response fails the attempt on the spot: add-to-cart is
// single-attempt, with no internal retry.
func TestAddToCartDoesNotRetry(t *testing.T) {
	var cartCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cart/add.js", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&cartCalls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server))
	err := engine.addToCart(t.Context(), server.URL, "111")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cartCalls))
}

// The shipping rate id posted is the one scraped off the
// shipping_rates page, not the literal "auto".
func TestSubmitShippingScrapesRateID(t *testing.T) {
	var postedRateID string
	mux := http.NewServeMux()
	mux.HandleFunc(checkoutPath+"/shipping_rates", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<div data-shipping-method="shopify-Standard-5.00"></div>`)
	})
	mux.HandleFunc(checkoutPath, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		postedRateID = form.Get("checkout[shipping_rate][id]")
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server))
	checkout := &models.CheckoutSession{CheckoutURL: server.URL + checkoutPath}
	err := engine.submitShipping(t.Context(), checkout)
	require.NoError(t, err)
	assert.Equal(t, "shopify-Standard-5.00", postedRateID)
	assert.Equal(t, "shopify-Standard-5.00", checkout.ShippingRateID)
}

func TestFindVariantSkipsUnavailableAndPrefersRequestedSize(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products/shoe.json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"product":{"variants":[
			{"id":1,"title":"9","price":"100.00","available":false},
			{"id":2,"title":"10","price":"150.00","available":true},
			{"id":3,"title":"11","price":"150.00","available":true}
		]}}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server))
	variantID, price, err := engine.findVariant(t.Context(), server.URL+"/products/shoe.json", []string{"10"})
	require.NoError(t, err)
	assert.Equal(t, "2", variantID)
	assert.True(t, price.Equal(mustDecimal("150.00")))
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
