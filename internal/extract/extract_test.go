package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

const bookURL = "https://www.example.com/book/ivan-petrov/zimniy-sad-123/"

func TestExtractJSONLD(t *testing.T) {
	t.Parallel()

	body := `<html><head>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"BreadcrumbList"}</script>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":["Book","Product"],
 "name":"  Зимний   сад ",
 "author":[{"@type":"Person","name":"Иван Петров"},"Анна Смирнова",{"name":"Иван Петров"}],
 "aggregateRating":{"ratingValue":"4,7","ratingCount":"120"},
 "offers":[{"price":"569","priceCurrency":"RUB"}],
 "genre":["Проза","Проза"," Драма "],
 "description":"Роман о саде.",
 "review":[{"@type":"Review","author":{"name":"Олег"},"reviewBody":"Понравилось","reviewRating":{"ratingValue":5},"datePublished":"2024-03-01"}]}
</script></head><body><h1>Ignored heading</h1></body></html>`

	rec, err := New(Config{}).Extract(bookURL, []byte(body))
	require.NoError(t, err)
	require.Equal(t, crawler.SourceJSONLD, rec.Source)
	require.Equal(t, "Зимний сад", rec.Title)
	require.Equal(t, []string{"Иван Петров", "Анна Смирнова"}, rec.Authors)
	require.NotNil(t, rec.Rating)
	require.InDelta(t, 4.7, *rec.Rating, 1e-9)
	require.Equal(t, &crawler.Price{Amount: 569, Currency: "RUB"}, rec.Price)
	require.Equal(t, []string{"Проза", "Драма"}, rec.Genres)
	require.Equal(t, "Роман о саде.", rec.Description)
	require.Len(t, rec.Reviews, 1)
	require.Equal(t, "Олег", rec.Reviews[0].Author)
	require.Equal(t, bookURL, rec.Reviews[0].BookURL)
	require.Len(t, rec.Reviews[0].ID, 16)
}

func TestExtractGraphNode(t *testing.T) {
	t.Parallel()

	body := `<script type="application/ld+json">
{"@graph":[{"@type":"WebPage","name":"Page"},{"@type":"Product","name":"Audio edition","offers":{"price":199.5,"priceCurrency":"rub"}}]}
</script>`
	rec, err := New(Config{}).Extract(bookURL, []byte(body))
	require.NoError(t, err)
	require.Equal(t, "Audio edition", rec.Title)
	require.Equal(t, &crawler.Price{Amount: 199.5, Currency: "RUB"}, rec.Price)
	require.Empty(t, rec.Authors)
	require.Nil(t, rec.Rating)
}

func TestExtractMetaFallback(t *testing.T) {
	t.Parallel()

	body := `<html><head>
<meta property="og:title" content="Meta Title">
<meta property="og:description" content="From meta">
<meta property="book:author" content="Author One">
<meta property="product:price:amount" content="1 234,50">
<meta property="product:price:currency" content="RUB">
</head><body>
<div class="book-genres-and-tags__wrapper"><a href="/genre/a/">Фэнтези</a><a href="/genre/b/">Юмор</a></div>
</body></html>`

	rec, err := New(Config{}).Extract(bookURL, []byte(body))
	require.NoError(t, err)
	require.Equal(t, crawler.SourceMeta, rec.Source)
	require.Equal(t, "Meta Title", rec.Title)
	require.Equal(t, "From meta", rec.Description)
	require.Equal(t, []string{"Author One"}, rec.Authors)
	require.Equal(t, []string{"Фэнтези", "Юмор"}, rec.Genres)
	require.NotNil(t, rec.Price)
	require.InDelta(t, 1234.5, rec.Price.Amount, 1e-9)
}

func TestExtractHTMLFallback(t *testing.T) {
	t.Parallel()

	body := `<html><body>
<h1> Heading   Title </h1>
<div class="book__author"><a href="/author/x/">Писатель</a></div>
<a href="/genre/detective/">Детектив</a>
<div class="book__infoAboutBook--wrapper">Long description.</div>
</body></html>`

	rec, err := New(Config{}).Extract(bookURL, []byte(body))
	require.NoError(t, err)
	require.Equal(t, crawler.SourceHTML, rec.Source)
	require.Equal(t, "Heading Title", rec.Title)
	require.Equal(t, []string{"Писатель"}, rec.Authors)
	require.Equal(t, []string{"Детектив"}, rec.Genres)
	require.Equal(t, "Long description.", rec.Description)
}

func TestExtractErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		kind      crawler.ExtractionErrorKind
		retryable bool
	}{
		{
			name: "no structured data",
			body: `<html><body><p>nothing here</p></body></html>`,
			kind: crawler.NoStructuredData,
		},
		{
			name:      "all blocks malformed",
			body:      `<script type="application/ld+json">{"@type":"Book","name":</script>`,
			kind:      crawler.MalformedJSON,
			retryable: true,
		},
		{
			name: "book without name",
			body: `<script type="application/ld+json">{"@type":"Book","author":"X"}</script>`,
			kind: crawler.MissingRequiredField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(Config{}).Extract(bookURL, []byte(tt.body))
			var extractErr *crawler.ExtractionError
			require.True(t, errors.As(err, &extractErr), "got %v", err)
			require.Equal(t, tt.kind, extractErr.Kind)
			require.Equal(t, tt.retryable, crawler.IsRetryable(err))
		})
	}
}

func TestExtractReviewsJSONLD(t *testing.T) {
	t.Parallel()

	body := `<script type="application/ld+json">
[{"@type":"Review","author":"Мария","reviewBody":"Хорошо","reviewRating":{"ratingValue":"4"},"datePublished":"2024-01-02"},
 {"@type":"Review","author":"Мария","reviewBody":"Хорошо","reviewRating":{"ratingValue":"4"},"datePublished":"2024-01-02"},
 {"@type":"Review","author":"Пётр","reviewBody":""}]
</script>`
	reviews, err := New(Config{}).ExtractReviews(bookURL, []byte(body))
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	require.Equal(t, "Мария", reviews[0].Author)
	require.Equal(t, "2024-01-02", reviews[0].PublishedAt)
	require.NotNil(t, reviews[0].Rating)
	require.InDelta(t, 4.0, *reviews[0].Rating, 1e-9)
}

func TestExtractReviewsMicrodata(t *testing.T) {
	t.Parallel()

	body := `<html><body>
<div itemprop="review" itemscope>
  <span itemprop="author" itemscope><span itemprop="name">Ольга</span></span>
  <meta itemprop="ratingValue" content="3,5">
  <time itemprop="datePublished" datetime="2023-11-20">20 ноября</time>
  <div itemprop="reviewBody">Неплохо, но   длинно.</div>
</div>
<div itemprop="review"><div itemprop="reviewBody"></div></div>
</body></html>`
	reviews, err := New(Config{}).ExtractReviews(bookURL, []byte(body))
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	rv := reviews[0]
	require.Equal(t, "Ольга", rv.Author)
	require.Equal(t, "Неплохо, но длинно.", rv.Text)
	require.Equal(t, "2023-11-20", rv.PublishedAt)
	require.NotNil(t, rv.Rating)
	require.InDelta(t, 3.5, *rv.Rating, 1e-9)

	none, err := New(Config{}).ExtractReviews(bookURL, []byte(`<html></html>`))
	require.NoError(t, err)
	require.Empty(t, none)
}
