// Package detector decides when a plain HTTP fetch of a book page needs a browser render.
package detector

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// Heuristic promotes pages that look like an unrendered client-side shell.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var (
	structuredMarkers = [][]byte{
		[]byte("application/ld+json"),
		[]byte(`property="og:title"`),
		[]byte(`itemprop="name"`),
	}
	shellMarkers = [][]byte{
		[]byte(`id="__next"`),
		[]byte(`id="root"`),
		[]byte(`id="app"`),
		[]byte("data-reactroot"),
	}
)

// ShouldPromote reports whether probe should be refetched headlessly. Pages that
// already carry structured data are never promoted.
func (h *Heuristic) ShouldPromote(probe crawler.FetchResult) bool {
	if probe.StatusCode != http.StatusOK || probe.UsedHeadless {
		return false
	}
	body := probe.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range structuredMarkers {
		if bytes.Contains(body, marker) {
			return false
		}
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptHeavy(body)
}

// scriptHeavy is true when inline script makes up at least a quarter of the document text.
func scriptHeavy(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scripted := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripted += len(s.Text())
	})
	if scripted == 0 {
		return false
	}
	return scripted*100/len(doc.Text()) >= 25
}
