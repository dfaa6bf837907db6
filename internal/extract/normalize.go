package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

var (
	numberPattern   = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	currencyPattern = regexp.MustCompile(`\b[A-Za-z]{3}\b`)
)

// ParseRating reads a rating that may use a decimal comma ("4,9").
// Unparseable input yields nil.
func ParseRating(s string) *float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParsePrice extracts the first number in amount ("569 RUB" -> 569). When
// currency is empty a three-letter code following the number is used.
func ParsePrice(amount, currency string) *crawler.Price {
	compact := strings.NewReplacer(" ", "", "\u00a0", "").Replace(amount)
	match := numberPattern.FindString(compact)
	if match == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", "."), 64)
	if err != nil {
		return nil
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		currency = currencyPattern.FindString(amount)
	}
	return &crawler.Price{Amount: v, Currency: strings.ToUpper(currency)}
}

// dedupe trims values and drops empties and repeats, keeping first occurrence order.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
