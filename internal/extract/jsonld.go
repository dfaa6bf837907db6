package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// jsonldBlocks holds the decoded nodes of every ld+json script on a page.
type jsonldBlocks struct {
	nodes     []map[string]any
	total     int
	malformed int
	lastErr   error
}

func readJSONLD(doc *goquery.Document) jsonldBlocks {
	var out jsonldBlocks
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		out.total++
		var payload any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			out.malformed++
			out.lastErr = err
			return
		}
		for _, item := range asList(payload) {
			node, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out.nodes = append(out.nodes, node)
			for _, g := range asList(node["@graph"]) {
				if child, ok := g.(map[string]any); ok {
					out.nodes = append(out.nodes, child)
				}
			}
		}
	})
	return out
}

// bookNode returns the first node typed Book or Product.
func (b jsonldBlocks) bookNode() map[string]any {
	for _, node := range b.nodes {
		if hasType(node, "book", "product") {
			return node
		}
	}
	return nil
}

func hasType(node map[string]any, types ...string) bool {
	for _, t := range asList(node["@type"]) {
		s, ok := t.(string)
		if !ok {
			continue
		}
		for _, want := range types {
			if strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func fillFromNode(rec *crawler.Record, url string, node map[string]any) {
	rec.Title = cleanText(stringOf(node["name"]))
	rec.Authors = names(node["author"])
	rec.Description = strings.TrimSpace(stringOf(node["description"]))

	if agg, ok := node["aggregateRating"].(map[string]any); ok {
		rec.Rating = ParseRating(stringOf(agg["ratingValue"]))
	}

	offers := asList(node["offers"])
	if len(offers) > 0 {
		if offer, ok := offers[0].(map[string]any); ok {
			rec.Price = ParsePrice(stringOf(offer["price"]), stringOf(offer["priceCurrency"]))
		}
	}

	for _, g := range asList(node["genre"]) {
		if s := cleanText(stringOf(g)); s != "" {
			rec.Genres = append(rec.Genres, s)
		}
	}
	rec.Reviews = reviewsFromNodes(url, asList(node["review"]))
}

// names accepts a string, an object with a name, or a list of either.
func names(v any) []string {
	var out []string
	for _, item := range asList(v) {
		switch t := item.(type) {
		case string:
			if s := cleanText(t); s != "" {
				out = append(out, s)
			}
		case map[string]any:
			if s := cleanText(stringOf(t["name"])); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

// stringOf renders JSON scalars as strings. Objects and lists yield "".
func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
