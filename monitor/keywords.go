// Package monitor implements the Monitor Engine: per-task polling of a
// product source, fingerprint-based dedup, and keyword-based matching
// that emits ProductEvents.
package monitor

import (
	"regexp"
	"strings"

	"github.com/duskline/phantom/models"
)

// KeywordSet is a parsed keyword expression: +positive, -negative,
// *required, SKU:exact, /regex/.
type KeywordSet struct {
	Positive      map[string]bool
	Negative      map[string]bool
	Required      map[string]bool
	SKUPatterns   map[string]bool
	RegexPatterns []*regexp.Regexp
}

// brandExpansions maps a brand token to its common search variants.
var brandExpansions = map[string][]string{
	"jordan":      {"jordan", "aj", "air jordan"},
	"dunk":        {"dunk", "sb dunk", "dunk low", "dunk high"},
	"yeezy":       {"yeezy", "yzy", "adidas yeezy"},
	"nike":        {"nike"},
	"adidas":      {"adidas", "adi"},
	"new balance": {"new balance", "nb", "newbalance"},
	"af1":         {"air force 1", "af1", "air force one", "forces"},
}

// ParseKeywordString parses a comma-separated keyword expression into a
// KeywordSet. Malformed regex parts are skipped rather than failing the
// whole expression.
func ParseKeywordString(s string) *KeywordSet {
	ks := &KeywordSet{
		Positive:    make(map[string]bool),
		Negative:    make(map[string]bool),
		Required:    make(map[string]bool),
		SKUPatterns: make(map[string]bool),
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.HasPrefix(part, "+"):
			ks.Positive[strings.ToLower(strings.TrimSpace(part[1:]))] = true
		case strings.HasPrefix(part, "-"):
			ks.Negative[strings.ToLower(strings.TrimSpace(part[1:]))] = true
		case strings.HasPrefix(part, "*"):
			ks.Required[strings.ToLower(strings.TrimSpace(part[1:]))] = true
		case len(part) >= 4 && strings.EqualFold(part[:4], "sku:"):
			ks.SKUPatterns[strings.ToUpper(strings.TrimSpace(part[4:]))] = true
		case strings.HasPrefix(part, "/") && strings.HasSuffix(part, "/") && len(part) >= 2:
			if re, err := regexp.Compile("(?i)" + part[1:len(part)-1]); err == nil {
				ks.RegexPatterns = append(ks.RegexPatterns, re)
			}
		default:
			ks.Positive[strings.ToLower(part)] = true
		}
	}
	return ks
}

// ExpandBrandKeywords returns a new KeywordSet with brand variants
// merged into Positive for any positive keyword that names a known
// brand (by substring match either direction).
func (ks *KeywordSet) ExpandBrandKeywords() *KeywordSet {
	expanded := make(map[string]bool, len(ks.Positive))
	for k := range ks.Positive {
		expanded[k] = true
	}
	for keyword := range ks.Positive {
		for brand, variants := range brandExpansions {
			if strings.Contains(brand, keyword) || strings.Contains(keyword, brand) {
				for _, v := range variants {
					expanded[v] = true
				}
			}
		}
	}
	return &KeywordSet{
		Positive:      expanded,
		Negative:      ks.Negative,
		Required:      ks.Required,
		SKUPatterns:   ks.SKUPatterns,
		RegexPatterns: ks.RegexPatterns,
	}
}

// Matcher evaluates observations against a KeywordSet in a fixed
// short-circuit order: SKU exact -> negative reject -> required ->
// regex -> positive-weighted -> pure-monitor mode -> reject.
type Matcher struct {
	Keywords *KeywordSet
}

func NewMatcher(ks *KeywordSet) *Matcher {
	if ks == nil {
		ks = &KeywordSet{
			Positive: map[string]bool{}, Negative: map[string]bool{},
			Required: map[string]bool{}, SKUPatterns: map[string]bool{},
		}
	}
	return &Matcher{Keywords: ks}
}

// Match scores an observation's title/sku/description.
func (m *Matcher) Match(title, sku, description string) models.MatchResult {
	titleLower := strings.ToLower(title)
	combined := titleLower
	if description != "" {
		combined += " " + strings.ToLower(description)
	}

	if sku != "" && len(m.Keywords.SKUPatterns) > 0 {
		skuUpper := strings.ToUpper(sku)
		for pattern := range m.Keywords.SKUPatterns {
			if strings.Contains(skuUpper, pattern) || strings.Contains(pattern, skuUpper) {
				return models.MatchResult{Matched: true, Confidence: 1.0}
			}
		}
	}

	for neg := range m.Keywords.Negative {
		if strings.Contains(combined, neg) {
			return models.MatchResult{Matched: false, Confidence: 0.0}
		}
	}

	for req := range m.Keywords.Required {
		if !strings.Contains(combined, req) {
			return models.MatchResult{Matched: false, Confidence: 0.0}
		}
	}

	for _, re := range m.Keywords.RegexPatterns {
		if re.MatchString(combined) {
			return models.MatchResult{Matched: true, Confidence: 0.9}
		}
	}

	if len(m.Keywords.Positive) > 0 {
		matched := 0
		for pos := range m.Keywords.Positive {
			if strings.Contains(combined, pos) {
				matched++
			}
		}
		if matched == 0 {
			return models.MatchResult{Matched: false, Confidence: 0.0}
		}
		confidence := 0.5 + (float64(matched)/float64(len(m.Keywords.Positive)))*0.5
		if confidence > 1.0 {
			confidence = 1.0
		}
		return models.MatchResult{Matched: true, Confidence: confidence}
	}

	if len(m.Keywords.Positive) == 0 && len(m.Keywords.SKUPatterns) == 0 {
		return models.MatchResult{Matched: true, Confidence: 0.5}
	}

	return models.MatchResult{Matched: false, Confidence: 0.0}
}

var sizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)size\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)sz\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)us\s*(\d+(?:\.\d+)?)`),
}

// ExtractSize pulls a size token out of free text, trying each pattern
// in order and returning the first match.
func ExtractSize(text string) (string, bool) {
	for _, re := range sizePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}
