package discovery

import (
	"context"
	"net/url"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// pageFetcher applies politeness before each discovery request.
type pageFetcher struct {
	fetcher crawler.Fetcher
	limiter crawler.Limiter
}

func (p pageFetcher) get(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, rawURL); err != nil {
			return crawler.FetchResult{}, err
		}
	}
	return p.fetcher.Fetch(ctx, rawURL)
}

// resolve joins ref against base. Unparseable refs yield "".
func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}
