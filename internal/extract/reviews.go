package extract

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
)

// ExtractReviews reads reviews from a book or reviews page. JSON-LD review nodes
// win; pages without them fall back to schema.org microdata.
func (e *Extractor) ExtractReviews(bookURL string, body []byte) ([]crawler.Review, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	blocks := readJSONLD(doc)
	var nodes []any
	for _, node := range blocks.nodes {
		switch {
		case hasType(node, "review"):
			nodes = append(nodes, node)
		case hasType(node, "book", "product"):
			nodes = append(nodes, asList(node["review"])...)
		}
	}
	if reviews := reviewsFromNodes(bookURL, nodes); len(reviews) > 0 {
		return reviews, nil
	}
	return reviewsFromMicrodata(bookURL, doc), nil
}

func reviewsFromNodes(bookURL string, nodes []any) []crawler.Review {
	var out []crawler.Review
	seen := make(map[string]struct{})
	for _, item := range nodes {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text := cleanText(stringOf(node["reviewBody"]))
		if text == "" {
			text = cleanText(stringOf(node["description"]))
		}
		if text == "" {
			continue
		}
		var rating *float64
		if rr, ok := node["reviewRating"].(map[string]any); ok {
			rating = ParseRating(stringOf(rr["ratingValue"]))
		}
		author := ""
		if authors := names(node["author"]); len(authors) > 0 {
			author = authors[0]
		}
		rv := newReview(bookURL, author, stringOf(node["datePublished"]), text, rating)
		if _, dup := seen[rv.ID]; dup {
			continue
		}
		seen[rv.ID] = struct{}{}
		out = append(out, rv)
	}
	return out
}

func reviewsFromMicrodata(bookURL string, doc *goquery.Document) []crawler.Review {
	out := []crawler.Review{}
	seen := make(map[string]struct{})
	doc.Find("[itemprop=review]").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(s.Find("[itemprop=reviewBody]").First().Text())
		if text == "" {
			return
		}
		author := itemValue(s.Find("[itemprop=author]").First())
		if inner := s.Find("[itemprop=author] [itemprop=name]").First(); inner.Length() > 0 {
			author = itemValue(inner)
		}
		rating := ParseRating(itemValue(s.Find("[itemprop=ratingValue]").First()))
		date := itemValue(s.Find("[itemprop=datePublished]").First())
		rv := newReview(bookURL, author, date, text, rating)
		if _, dup := seen[rv.ID]; dup {
			return
		}
		seen[rv.ID] = struct{}{}
		out = append(out, rv)
	})
	return out
}

// itemValue prefers the content or datetime attribute over element text.
func itemValue(s *goquery.Selection) string {
	for _, attr := range []string{"content", "datetime"} {
		if v, ok := s.Attr(attr); ok && v != "" {
			return cleanText(v)
		}
	}
	return cleanText(s.Text())
}

func newReview(bookURL, author, publishedAt, text string, rating *float64) crawler.Review {
	return crawler.Review{
		ID:          sha256.ReviewID(bookURL, author, publishedAt, text),
		BookURL:     bookURL,
		Author:      author,
		Text:        text,
		Rating:      rating,
		PublishedAt: publishedAt,
	}
}
