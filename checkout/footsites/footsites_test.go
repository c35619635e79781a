package footsites

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/phantom/checkout/adyen"
	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/session"
)

func testPubKey(t *testing.T) *adyen.PublicKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	pub, err := adyen.ParsePEM(pem.EncodeToMemory(block))
	require.NoError(t, err)
	return pub
}

func testProfile() *models.Profile {
	return &models.Profile{
		Email: "buyer@example.com",
		Shipping: models.Address{
			FirstName: "Jane", LastName: "Doe", Address1: "1 Main St",
			City: "Springfield", State: "IL", ZipCode: "62701", Country: "US",
		},
		Card: models.Card{Number: "4111111111111111", Holder: "Jane Doe", ExpiryMonth: "03", ExpiryYearFull: "2030", CVV: "737"},
	}
}

func noopReport(models.TaskStatus, string) {}

func brandFor(server *httptest.Server) BrandConfig {
	return BrandConfig{Domain: "test.local", APIBase: server.URL, CartAPI: "/cart", CheckoutAPI: "/checkout"}
}

func clientFor(server *httptest.Server) *session.Client {
	return &session.Client{HTTP: server.Client()}
}

// searchMux registers the two-stage product lookup: a search
// hit for "prod-1", then a product detail response carrying one
// available variant for the given sku/size.
func searchMux(mux *http.ServeMux, sku, size string) {
	mux.HandleFunc("/products/search", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{Products: []searchHit{{ID: "prod-1"}}})
	})
	mux.HandleFunc("/products/prod-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(productDetail{ID: "prod-1", Variants: []productVariant{{SKU: sku, Size: size, Available: true}}})
	})
}

func TestFootsitesEngineHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	searchMux(mux, "SKU-1", "10")
	mux.HandleFunc("/cart/items", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cartResponse{CartID: "cart-1", Total: "180.00"})
	})
	mux.HandleFunc("/checkout/cart-1/begin", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/checkout/cart-1/queue", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queueStatus{InQueue: false})
	})
	mux.HandleFunc("/checkout/cart-1/payment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paymentResponse{OrderNumber: "ORD-99", Declined: false})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server), brandFor(server), testPubKey(t))
	result, err := engine.Run(t.Context(), "retro shoe", "10", testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "ORD-99", result.OrderNumber)
	require.NotNil(t, result.TotalPrice)
}

func TestFootsitesEngineDeclinedPayment(t *testing.T) {
	mux := http.NewServeMux()
	searchMux(mux, "SKU-1", "10")
	mux.HandleFunc("/cart/items", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cartResponse{CartID: "cart-1", Total: "180.00"})
	})
	mux.HandleFunc("/checkout/cart-1/begin", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/checkout/cart-1/queue", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queueStatus{InQueue: false})
	})
	mux.HandleFunc("/checkout/cart-1/payment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paymentResponse{Declined: true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server), brandFor(server), testPubKey(t))
	result, err := engine.Run(t.Context(), "retro shoe", "10", testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.True(t, result.Declined)
}

func TestFootsitesEngineQueueClearsBeforePayment(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	searchMux(mux, "SKU-1", "10")
	mux.HandleFunc("/cart/items", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cartResponse{CartID: "cart-1", Total: "180.00"})
	})
	mux.HandleFunc("/checkout/cart-1/begin", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/checkout/cart-1/queue", func(w http.ResponseWriter, r *http.Request) {
		polls++
		json.NewEncoder(w).Encode(queueStatus{InQueue: polls < 2})
	})
	mux.HandleFunc("/checkout/cart-1/payment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paymentResponse{OrderNumber: "ORD-1"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server), brandFor(server), testPubKey(t))
	result, err := engine.Run(t.Context(), "retro shoe", "10", testProfile(), noopReport)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.GreaterOrEqual(t, polls, 2)
}

// Search rejects a variant whose size doesn't match, and picks
// the first available variant whose size contains the requested size.
func TestFootsitesEngineSearchPicksMatchingAvailableVariant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "retro shoe", r.URL.Query().Get("query"))
		assert.Equal(t, "24", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(searchResponse{Products: []searchHit{{ID: "prod-1"}}})
	})
	mux.HandleFunc("/products/prod-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(productDetail{ID: "prod-1", Variants: []productVariant{
			{SKU: "SKU-WRONG-SIZE", Size: "9", Available: true},
			{SKU: "SKU-OUT-OF-STOCK", Size: "10", Available: false},
			{SKU: "SKU-1", Size: "10", Available: true},
		}})
	})
	mux.HandleFunc("/cart/items", func(w http.ResponseWriter, r *http.Request) {
		var req cartAddRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SKU-1", req.SKU)
		json.NewEncoder(w).Encode(cartResponse{CartID: "cart-1", Total: "180.00"})
	})
	mux.HandleFunc("/checkout/cart-1/begin", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/checkout/cart-1/queue", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queueStatus{InQueue: false})
	})
	mux.HandleFunc("/checkout/cart-1/payment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paymentResponse{OrderNumber: "ORD-1"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := New(clientFor(server), brandFor(server), testPubKey(t))
	result, err := engine.Run(t.Context(), "retro shoe", "10", testProfile(), noopReport)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
}
