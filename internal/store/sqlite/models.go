package sqlite

import (
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

type queueEntryRow struct {
	URL          string     `gorm:"primaryKey"`
	Status       string     `gorm:"not null;index:idx_queue_claim,priority:1"`
	Attempts     int        `gorm:"not null;default:0;index:idx_queue_claim,priority:2"`
	ClaimedBy    string     `gorm:"not null;default:''"`
	ClaimedAt    *time.Time `gorm:"index"`
	LastError    string     `gorm:"not null;default:''"`
	DiscoveredAt time.Time  `gorm:"not null;index:idx_queue_claim,priority:3"`
	UpdatedAt    time.Time  `gorm:"not null;autoUpdateTime:false"`
}

func (queueEntryRow) TableName() string { return "queue_entries" }

func (r queueEntryRow) toEntry() crawler.QueueEntry {
	e := crawler.QueueEntry{
		URL:          r.URL,
		Status:       crawler.Status(r.Status),
		Attempts:     r.Attempts,
		ClaimedBy:    r.ClaimedBy,
		LastError:    r.LastError,
		DiscoveredAt: r.DiscoveredAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.ClaimedAt != nil {
		t := r.ClaimedAt.UTC()
		e.ClaimedAt = &t
	}
	return e
}

type recordRow struct {
	URL           string   `gorm:"primaryKey"`
	Title         string   `gorm:"not null"`
	Authors       []string `gorm:"serializer:json"`
	Rating        *float64
	PriceAmount   *float64
	PriceCurrency string
	Genres        []string `gorm:"serializer:json"`
	Description   string
	Source        string
	ScrapedAt     time.Time
}

func (recordRow) TableName() string { return "records" }

type reviewRow struct {
	BookURL     string `gorm:"primaryKey"`
	Position    int    `gorm:"primaryKey"`
	ReviewID    string `gorm:"index"`
	Author      string
	Text        string
	Rating      *float64
	PublishedAt string
}

func (reviewRow) TableName() string { return "reviews" }

func newRecordRow(rec crawler.Record) recordRow {
	row := recordRow{
		URL:         rec.URL,
		Title:       rec.Title,
		Authors:     rec.Authors,
		Rating:      rec.Rating,
		Genres:      rec.Genres,
		Description: rec.Description,
		Source:      string(rec.Source),
		ScrapedAt:   rec.ScrapedAt.UTC(),
	}
	if rec.Price != nil {
		amount := rec.Price.Amount
		row.PriceAmount = &amount
		row.PriceCurrency = rec.Price.Currency
	}
	return row
}

func newReviewRows(rec crawler.Record) []reviewRow {
	rows := make([]reviewRow, 0, len(rec.Reviews))
	for i, rv := range rec.Reviews {
		rows = append(rows, reviewRow{
			BookURL:     rec.URL,
			Position:    i,
			ReviewID:    rv.ID,
			Author:      rv.Author,
			Text:        rv.Text,
			Rating:      rv.Rating,
			PublishedAt: rv.PublishedAt,
		})
	}
	return rows
}

func (r recordRow) toRecord(reviews []reviewRow) crawler.Record {
	rec := crawler.Record{
		URL:         r.URL,
		Title:       r.Title,
		Authors:     r.Authors,
		Rating:      r.Rating,
		Genres:      r.Genres,
		Description: r.Description,
		Source:      crawler.RecordSource(r.Source),
		ScrapedAt:   r.ScrapedAt.UTC(),
	}
	if r.PriceAmount != nil {
		rec.Price = &crawler.Price{Amount: *r.PriceAmount, Currency: r.PriceCurrency}
	}
	for _, rv := range reviews {
		rec.Reviews = append(rec.Reviews, crawler.Review{
			ID:          rv.ReviewID,
			BookURL:     rv.BookURL,
			Author:      rv.Author,
			Text:        rv.Text,
			Rating:      rv.Rating,
			PublishedAt: rv.PublishedAt,
		})
	}
	return rec
}
