package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// Sheet names in the xlsx workbook.
const (
	SheetBooks   = "Books"
	SheetReviews = "Reviews"
)

var (
	bookHeader = []string{
		"url", "title", "authors", "rating", "price", "currency",
		"genres", "description", "reviews", "source", "scraped_at",
	}
	reviewHeader = []string{"review_id", "book_url", "author", "rating", "published_at", "text"}
)

// listSeparator joins multi-valued cells.
const listSeparator = ", "

func bookRow(r crawler.Record) []string {
	price, currency := "", ""
	if r.Price != nil {
		price = formatFloat(&r.Price.Amount)
		currency = r.Price.Currency
	}
	scraped := ""
	if !r.ScrapedAt.IsZero() {
		scraped = r.ScrapedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.URL,
		r.Title,
		strings.Join(r.Authors, listSeparator),
		formatFloat(r.Rating),
		price,
		currency,
		strings.Join(r.Genres, listSeparator),
		r.Description,
		strconv.Itoa(len(r.Reviews)),
		string(r.Source),
		scraped,
	}
}

func reviewRow(rv crawler.Review) []string {
	return []string{rv.ID, rv.BookURL, rv.Author, formatFloat(rv.Rating), rv.PublishedAt, rv.Text}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func writeCSV(w io.Writer, records []crawler.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(bookHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(bookRow(r)); err != nil {
			return fmt.Errorf("write %s: %w", r.URL, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, records []crawler.Record) error {
	if records == nil {
		records = []crawler.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(records)
}

// writeXLSX streams a Books sheet and a Reviews sheet so large catalogs do not
// hold every cell in memory.
func writeXLSX(w io.Writer, records []crawler.Record) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", cerr)
		}
	}()

	if err := f.SetSheetName("Sheet1", SheetBooks); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetReviews); err != nil {
		return fmt.Errorf("add reviews sheet: %w", err)
	}

	books := make([][]string, 0, len(records))
	var reviews [][]string
	for _, r := range records {
		books = append(books, bookRow(r))
		for _, rv := range r.Reviews {
			reviews = append(reviews, reviewRow(rv))
		}
	}
	if err := streamSheet(f, SheetBooks, bookHeader, books); err != nil {
		return err
	}
	if err := streamSheet(f, SheetReviews, reviewHeader, reviews); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func streamSheet(f *excelize.File, sheet string, header []string, rows [][]string) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("stream %s: %w", sheet, err)
	}
	for i, row := range append([][]string{header}, rows...) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", sheet, err)
	}
	return nil
}
