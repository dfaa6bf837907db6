// Package sqlite persists the work queue and harvested records in a single SQLite file via gorm.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// Store implements crawler.Store on SQLite.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
	opts  store.Options
}

// Open opens (creating if needed) the database file at path and migrates the schema.
func Open(path string, opts store.Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection serializes claim transactions.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&queueEntryRow{}, &recordRow{}, &reviewRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &Store{db: db, sqlDB: sqlDB, opts: opts.WithDefaults()}, nil
}

func (s *Store) now() time.Time { return s.opts.Clock.Now().UTC() }

// Enqueue inserts url as Pending; existing rows are left untouched.
func (s *Store) Enqueue(ctx context.Context, url string) (crawler.EnqueueResult, error) {
	now := s.now()
	row := queueEntryRow{
		URL:          url,
		Status:       string(crawler.StatusPending),
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return 0, fmt.Errorf("enqueue %s: %w", url, res.Error)
	}
	if res.RowsAffected == 0 {
		return crawler.AlreadyExists, nil
	}
	return crawler.Inserted, nil
}

// ClaimBatch selects claimable rows and flips each with a conditional update
// keyed on its prior status and attempts, so a row is handed out at most once.
func (s *Store) ClaimBatch(ctx context.Context, n int, workerID string) ([]crawler.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	now := s.now()
	var claimed []crawler.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []queueEntryRow
		err := tx.
			Where("attempts < ?", s.opts.MaxAttempts).
			Where("((status = ?) OR (status = ? AND updated_at <= ?))",
				crawler.StatusPending, crawler.StatusFailed, now.Add(-s.opts.FailedCooldown)).
			Order("CASE status WHEN 'pending' THEN 0 ELSE 1 END").
			Order("attempts").
			Order("discovered_at").
			Order("url").
			Limit(n).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			res := tx.Model(&queueEntryRow{}).
				Where("url = ? AND status = ? AND attempts = ?", row.URL, row.Status, row.Attempts).
				Updates(map[string]any{
					"status":     crawler.StatusClaimed,
					"claimed_by": workerID,
					"claimed_at": now,
					"attempts":   row.Attempts + 1,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			row.Status = string(crawler.StatusClaimed)
			row.ClaimedBy = workerID
			claimedAt := now
			row.ClaimedAt = &claimedAt
			row.Attempts++
			row.UpdatedAt = now
			claimed = append(claimed, row.toEntry())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return claimed, nil
}

func heldBy(tx *gorm.DB, entry crawler.QueueEntry) *gorm.DB {
	return tx.Model(&queueEntryRow{}).Where(
		"url = ? AND status = ? AND claimed_by = ? AND attempts = ?",
		entry.URL, crawler.StatusClaimed, entry.ClaimedBy, entry.Attempts,
	)
}

// Complete writes record and marks the entry Done in one transaction.
func (s *Store) Complete(ctx context.Context, entry crawler.QueueEntry, record crawler.Record) error {
	now := s.now()
	record.URL = entry.URL
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := heldBy(tx, entry).Updates(map[string]any{
			"status":     crawler.StatusDone,
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": "",
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return crawler.ErrNotClaimed
		}
		return writeRecord(tx, record)
	})
	if errors.Is(err, crawler.ErrNotClaimed) {
		return err
	}
	if err != nil {
		return fmt.Errorf("complete %s: %w", entry.URL, err)
	}
	return nil
}

// Fail records cause and moves the entry to Pending or Failed.
func (s *Store) Fail(ctx context.Context, entry crawler.QueueEntry, cause error, retryable bool) error {
	res := heldBy(s.db.WithContext(ctx), entry).Updates(map[string]any{
		"status":     s.opts.FailureStatus(entry.Attempts, retryable),
		"claimed_by": "",
		"claimed_at": nil,
		"last_error": store.TruncateError(cause),
		"updated_at": s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("fail %s: %w", entry.URL, res.Error)
	}
	if res.RowsAffected == 0 {
		return crawler.ErrNotClaimed
	}
	return nil
}

// ReleaseStaleClaims frees claims taken before olderThan.
func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	now := s.now()
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, target := range []struct {
			status crawler.Status
			cond   string
		}{
			{crawler.StatusPending, "attempts < ?"},
			{crawler.StatusFailed, "attempts >= ?"},
		} {
			res := tx.Model(&queueEntryRow{}).
				Where("status = ? AND claimed_at < ?", crawler.StatusClaimed, olderThan.UTC()).
				Where(target.cond, s.opts.MaxAttempts).
				Updates(map[string]any{
					"status":     target.status,
					"claimed_by": "",
					"claimed_at": nil,
					"last_error": store.ErrLeaseExpired,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			released += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(released), nil
}

// CountByStatus tallies entries per status.
func (s *Store) CountByStatus(ctx context.Context) (crawler.StatusCounts, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&queueEntryRow{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	counts := crawler.StatusCounts{}
	for _, st := range crawler.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[crawler.Status(r.Status)] = r.N
	}
	return counts, nil
}

// GetEntry returns the queue entry for url.
func (s *Store) GetEntry(ctx context.Context, url string) (crawler.QueueEntry, error) {
	var row queueEntryRow
	err := s.db.WithContext(ctx).Where("url = ?", url).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crawler.QueueEntry{}, crawler.ErrEntryNotFound
	}
	if err != nil {
		return crawler.QueueEntry{}, fmt.Errorf("get entry %s: %w", url, err)
	}
	return row.toEntry(), nil
}

// GetRecord returns the record stored for url with its reviews.
func (s *Store) GetRecord(ctx context.Context, url string) (crawler.Record, error) {
	db := s.db.WithContext(ctx)
	var row recordRow
	err := db.Where("url = ?", url).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crawler.Record{}, crawler.ErrRecordNotFound
	}
	if err != nil {
		return crawler.Record{}, fmt.Errorf("get record %s: %w", url, err)
	}
	var reviews []reviewRow
	if err := db.Where("book_url = ?", url).Order("position").Find(&reviews).Error; err != nil {
		return crawler.Record{}, fmt.Errorf("get reviews %s: %w", url, err)
	}
	return row.toRecord(reviews), nil
}

// ListRecords returns all records ordered by URL.
func (s *Store) ListRecords(ctx context.Context) ([]crawler.Record, error) {
	db := s.db.WithContext(ctx)
	var rows []recordRow
	if err := db.Order("url").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var reviews []reviewRow
	if err := db.Order("book_url").Order("position").Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	byBook := make(map[string][]reviewRow)
	for _, rv := range reviews {
		byBook[rv.BookURL] = append(byBook[rv.BookURL], rv)
	}
	out := make([]crawler.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord(byBook[row.URL]))
	}
	return out, nil
}

// SaveRecord upserts a record outside of the claim flow and marks its entry Done.
func (s *Store) SaveRecord(ctx context.Context, record crawler.Record) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row queueEntryRow
		err := tx.Where("url = ?", record.URL).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = queueEntryRow{URL: record.URL, DiscoveredAt: now}
		case err != nil:
			return err
		case row.Status == string(crawler.StatusClaimed):
			return crawler.ErrNotClaimed
		}
		row.Status = string(crawler.StatusDone)
		row.LastError = ""
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		return writeRecord(tx, record)
	})
	if errors.Is(err, crawler.ErrNotClaimed) {
		return err
	}
	if err != nil {
		return fmt.Errorf("save record %s: %w", record.URL, err)
	}
	return nil
}

// ResetAll drops every record and requeues every entry.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	var reset int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := global.Delete(&reviewRow{}).Error; err != nil {
			return err
		}
		if err := global.Delete(&recordRow{}).Error; err != nil {
			return err
		}
		res := global.Model(&queueEntryRow{}).Updates(map[string]any{
			"status":     crawler.StatusPending,
			"attempts":   0,
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": "",
			"updated_at": s.now(),
		})
		reset = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("reset queue: %w", err)
	}
	return int(reset), nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

func writeRecord(tx *gorm.DB, record crawler.Record) error {
	row := newRecordRow(record)
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	if err := tx.Where("book_url = ?", record.URL).Delete(&reviewRow{}).Error; err != nil {
		return err
	}
	reviews := newReviewRows(record)
	if len(reviews) == 0 {
		return nil
	}
	return tx.Create(&reviews).Error
}
