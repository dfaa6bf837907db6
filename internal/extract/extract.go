// Package extract turns book pages into records. JSON-LD is preferred, then
// OpenGraph/meta tags, then a handful of CSS selectors against the markup.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// Config lists the selectors used by the HTML fallback.
type Config struct {
	AuthorSelectors      []string
	GenreSelectors       []string
	DescriptionSelectors []string
}

// DefaultConfig returns selectors that match the catalog's current markup.
func DefaultConfig() Config {
	return Config{
		AuthorSelectors:      []string{".art__author--details a", ".book__author a", "[itemprop=author]"},
		GenreSelectors:       []string{".book-genres-and-tags__wrapper a", "a[href^='/genre/']"},
		DescriptionSelectors: []string{".book__infoAboutBook--wrapper", "[itemprop=description]"},
	}
}

// Extractor implements crawler.Extractor. It is stateless and safe for concurrent use.
type Extractor struct {
	cfg Config
}

// New returns an Extractor. An empty Config uses DefaultConfig.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if len(cfg.AuthorSelectors) == 0 {
		cfg.AuthorSelectors = def.AuthorSelectors
	}
	if len(cfg.GenreSelectors) == 0 {
		cfg.GenreSelectors = def.GenreSelectors
	}
	if len(cfg.DescriptionSelectors) == 0 {
		cfg.DescriptionSelectors = def.DescriptionSelectors
	}
	return &Extractor{cfg: cfg}
}

// Extract parses body and returns the record for url.
func (e *Extractor) Extract(url string, body []byte) (crawler.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Record{}, &crawler.ExtractionError{Kind: crawler.NoStructuredData, Err: fmt.Errorf("parse html: %w", err)}
	}

	blocks := readJSONLD(doc)
	rec := crawler.Record{URL: url}
	if node := blocks.bookNode(); node != nil {
		fillFromNode(&rec, url, node)
		if rec.Title != "" {
			rec.Source = crawler.SourceJSONLD
		}
	}

	if rec.Title == "" {
		if title := metaContent(doc, "og:title", "title"); title != "" {
			rec.Title = title
			rec.Source = crawler.SourceMeta
		}
	}
	if rec.Title == "" {
		if h1 := cleanText(doc.Find("h1").First().Text()); h1 != "" {
			rec.Title = h1
			rec.Source = crawler.SourceHTML
		}
	}
	if rec.Title == "" {
		switch {
		case blocks.total == 0:
			return crawler.Record{}, &crawler.ExtractionError{Kind: crawler.NoStructuredData}
		case blocks.malformed == blocks.total:
			return crawler.Record{}, &crawler.ExtractionError{Kind: crawler.MalformedJSON, Err: blocks.lastErr}
		default:
			return crawler.Record{}, &crawler.ExtractionError{Kind: crawler.MissingRequiredField, Field: "title"}
		}
	}

	e.fillFallbacks(&rec, doc)
	rec.Authors = dedupe(rec.Authors)
	rec.Genres = dedupe(rec.Genres)
	return rec, nil
}

func (e *Extractor) fillFallbacks(rec *crawler.Record, doc *goquery.Document) {
	if rec.Description == "" {
		rec.Description = metaContent(doc, "og:description", "description")
	}
	if rec.Description == "" {
		rec.Description = firstText(doc, e.cfg.DescriptionSelectors)
	}
	if len(rec.Authors) == 0 {
		doc.Find("meta[property='book:author'], meta[name='book:author']").Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr("content"); ok {
				rec.Authors = append(rec.Authors, v)
			}
		})
	}
	if len(rec.Authors) == 0 {
		if author := firstText(doc, e.cfg.AuthorSelectors); author != "" {
			rec.Authors = []string{author}
		}
	}
	if len(rec.Genres) == 0 {
		rec.Genres = listTexts(doc, e.cfg.GenreSelectors)
	}
	if rec.Price == nil {
		if amount := metaContent(doc, "product:price:amount", "og:price:amount"); amount != "" {
			rec.Price = ParsePrice(amount, metaContent(doc, "product:price:currency", "og:price:currency"))
		}
	}
}

// metaContent returns the content of the first meta tag whose property or name
// matches one of keys, in key order.
func metaContent(doc *goquery.Document, keys ...string) string {
	for _, key := range keys {
		sel := doc.Find(fmt.Sprintf("meta[property=%q], meta[name=%q]", key, key)).First()
		if v, ok := sel.Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := cleanText(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// listTexts returns the texts matched by the first selector that matches anything.
func listTexts(doc *goquery.Document, selectors []string) []string {
	for _, sel := range selectors {
		var out []string
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := cleanText(s.Text()); text != "" {
				out = append(out, text)
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
