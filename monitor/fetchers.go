package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duskline/phantom/models"
	"github.com/duskline/phantom/resilience"
)

// Doer is the slice of *http.Client the fetchers need, so a
// session.Client's HTTP surface (or any instrumented wrapper) plugs in.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ShopifyFetcher reads live product state from a Shopify storefront. A
// target containing "/products/" is watched as a single product page
// (via its ".js" endpoint); any other target is treated as a
// storefront root and scanned through /products.json, so products
// listed after the monitor started are still picked up as new.
type ShopifyFetcher struct {
	Client Doer
}

// shopifyVariant is the variant subset shared by the product .js and
// products.json payloads.
type shopifyVariant struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	SKU       string `json:"sku"`
	Price     string `json:"price"`
	Available bool   `json:"available"`
}

// shopifyProduct is the subset of the single-product .js payload the
// monitor inspects.
type shopifyProduct struct {
	Title         string           `json:"title"`
	Handle        string           `json:"handle"`
	Available     bool             `json:"available"`
	Price         int64            `json:"price"` // cents
	Variants      []shopifyVariant `json:"variants"`
	FeaturedImage string           `json:"featured_image"`
}

// storefrontListing is one entry of a /products.json catalog scan.
type storefrontListing struct {
	Title    string           `json:"title"`
	Handle   string           `json:"handle"`
	Variants []shopifyVariant `json:"variants"`
	Images   []struct {
		Src string `json:"src"`
	} `json:"images"`
}

func (f *ShopifyFetcher) Fetch(ctx context.Context, target string) ([]*models.ProductObservation, error) {
	if strings.Contains(target, "/products/") {
		obs, err := f.fetchProduct(ctx, target)
		if err != nil {
			return nil, err
		}
		return []*models.ProductObservation{obs}, nil
	}
	return f.scanStorefront(ctx, target)
}

func (f *ShopifyFetcher) fetchProduct(ctx context.Context, target string) (*models.ProductObservation, error) {
	reqURL := target
	if !strings.HasSuffix(reqURL, ".js") && !strings.HasSuffix(reqURL, ".json") {
		reqURL += ".js"
	}
	body, err := fetchJSON(ctx, f.Client, reqURL)
	if err != nil {
		return nil, err
	}

	var p shopifyProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding product payload from %s: %w", reqURL, err)
	}

	obs := &models.ProductObservation{
		URL:        target,
		Title:      p.Title,
		Available:  p.Available,
		ImageURL:   p.FeaturedImage,
		Price:      decimal.New(p.Price, -2),
		ObservedAt: time.Now(),
	}
	fillVariants(obs, p.Variants)
	if len(obs.Sizes) > 0 {
		obs.Available = true
	}

	var raw map[string]any
	if json.Unmarshal(body, &raw) == nil {
		obs.Raw = raw
	}
	return obs, nil
}

func (f *ShopifyFetcher) scanStorefront(ctx context.Context, target string) ([]*models.ProductObservation, error) {
	base := strings.TrimRight(target, "/")
	body, err := fetchJSON(ctx, f.Client, base+"/products.json?limit=250")
	if err != nil {
		return nil, err
	}

	var catalog struct {
		Products []storefrontListing `json:"products"`
	}
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("decoding catalog payload from %s: %w", base, err)
	}

	now := time.Now()
	observations := make([]*models.ProductObservation, 0, len(catalog.Products))
	for _, p := range catalog.Products {
		obs := &models.ProductObservation{
			URL:        base + "/products/" + p.Handle,
			Title:      p.Title,
			ObservedAt: now,
		}
		if len(p.Images) > 0 {
			obs.ImageURL = p.Images[0].Src
		}
		if len(p.Variants) > 0 {
			if price, err := decimal.NewFromString(p.Variants[0].Price); err == nil {
				obs.Price = price
			}
		}
		fillVariants(obs, p.Variants)
		obs.Available = len(obs.Sizes) > 0
		observations = append(observations, obs)
	}
	return observations, nil
}

func fillVariants(obs *models.ProductObservation, variants []shopifyVariant) {
	obs.VariantSizes = make(map[string]string, len(variants))
	for _, v := range variants {
		if obs.SKU == "" && v.SKU != "" {
			obs.SKU = v.SKU
		}
		obs.VariantSizes[fmt.Sprintf("%d", v.ID)] = v.Title
		if v.Available {
			obs.Sizes = append(obs.Sizes, v.Title)
		}
	}
}

// FootsitesFetcher reads one product's live state from a
// Footsites-family product API. The target is the product id or SKU;
// APIBase is the brand's API root. The product API serves exactly one
// product per call, so every fetch is a one-element result.
type FootsitesFetcher struct {
	Client  Doer
	APIBase string
}

type footsitesProduct struct {
	Name  string `json:"name"`
	SKU   string `json:"sku"`
	Price struct {
		Value decimal.Decimal `json:"value"`
	} `json:"price"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Variants []struct {
		SKU       string `json:"sku"`
		Size      string `json:"size"`
		Available bool   `json:"isAvailable"`
	} `json:"variants"`
}

func (f *FootsitesFetcher) Fetch(ctx context.Context, target string) ([]*models.ProductObservation, error) {
	reqURL := f.APIBase + "/products/" + url.PathEscape(target)
	body, err := fetchJSON(ctx, f.Client, reqURL)
	if err != nil {
		return nil, err
	}

	var p footsitesProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding product payload from %s: %w", reqURL, err)
	}

	obs := &models.ProductObservation{
		URL:          reqURL,
		Title:        p.Name,
		SKU:          p.SKU,
		Price:        p.Price.Value,
		VariantSizes: make(map[string]string, len(p.Variants)),
		ObservedAt:   time.Now(),
	}
	if len(p.Images) > 0 {
		obs.ImageURL = p.Images[0].URL
	}
	for _, v := range p.Variants {
		obs.VariantSizes[v.SKU] = v.Size
		if v.Available {
			obs.Sizes = append(obs.Sizes, v.Size)
		}
	}
	obs.Available = len(obs.Sizes) > 0

	var raw map[string]any
	if json.Unmarshal(body, &raw) == nil {
		obs.Raw = raw
	}
	return []*models.ProductObservation{obs}, nil
}

// fetchJSON GETs reqURL and returns the body, translating throttle
// status codes into a rate-limited error the poll loop backs off on.
func fetchJSON(ctx context.Context, client Doer, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, resilience.Transient("fetching "+reqURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 430:
		return nil, resilience.RateLimited("throttled by "+reqURL, 0)
	case resp.StatusCode != http.StatusOK:
		return nil, resilience.Transient(fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, reqURL), nil)
	}
	return io.ReadAll(resp.Body)
}
