// Package export writes harvested records to xlsx, csv or json files, locally
// or in a GCS bucket.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

// Format is an output encoding.
type Format string

// Supported formats.
const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var contentTypes = map[Format]string{
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	FormatCSV:  "text/csv; charset=utf-8",
	FormatJSON: "application/json",
}

// FormatFor picks the format from the destination extension.
func FormatFor(dest string) (Format, error) {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(dest), ".")); ext {
	case "xlsx":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export extension %q (want .xlsx, .csv or .json)", ext)
	}
}

// Encode writes records to w in format.
func Encode(w io.Writer, format Format, records []crawler.Record) error {
	switch format {
	case FormatXLSX:
		return writeXLSX(w, records)
	case FormatCSV:
		return writeCSV(w, records)
	case FormatJSON:
		return writeJSON(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// Uploader is a blob store that must be closed after use.
type Uploader interface {
	crawler.BlobStore
	Close() error
}

// DialGCS opens an Uploader for bucket.
type DialGCS func(ctx context.Context, bucket string) (Uploader, error)

// Summary describes a finished export.
type Summary struct {
	URI     string
	Format  Format
	Books   int
	Reviews int
	// SHA256 is the hex digest of the written bytes.
	SHA256 string
}

// Exporter encodes records and hands them to the destination store.
type Exporter struct {
	dialGCS DialGCS
	hasher  crawler.Hasher
	logger  *zap.Logger
}

// New returns an Exporter. A nil dial uses application default credentials.
func New(dial DialGCS, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = func(ctx context.Context, bucket string) (Uploader, error) {
			return gcs.Dial(ctx, gcs.Config{Bucket: bucket})
		}
	}
	return &Exporter{dialGCS: dial, hasher: sha256.New(), logger: logger.Named("export")}
}

// Export writes records to dest, a local path or gs://bucket/object.
func (e *Exporter) Export(ctx context.Context, records []crawler.Record, dest string) (Summary, error) {
	format, err := FormatFor(dest)
	if err != nil {
		return Summary{}, err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, format, records); err != nil {
		return Summary{}, fmt.Errorf("encode %s: %w", format, err)
	}

	digest, err := e.hasher.Hash(buf.Bytes())
	if err != nil {
		return Summary{}, fmt.Errorf("digest export: %w", err)
	}
	sum := Summary{Format: format, Books: len(records), SHA256: digest}
	for _, r := range records {
		sum.Reviews += len(r.Reviews)
	}

	if strings.HasPrefix(dest, gcs.Scheme) {
		sum.URI, err = e.upload(ctx, dest, format, &buf)
	} else {
		sum.URI, err = writeLocal(ctx, dest, format, &buf)
	}
	if err != nil {
		return Summary{}, err
	}
	e.logger.Info("export written",
		zap.String("uri", sum.URI),
		zap.String("format", string(format)),
		zap.Int("books", sum.Books),
		zap.Int("reviews", sum.Reviews),
		zap.String("sha256", sum.SHA256),
	)
	return sum, nil
}

func (e *Exporter) upload(ctx context.Context, dest string, format Format, data io.Reader) (string, error) {
	bucket, object, err := gcs.ParseURI(dest)
	if err != nil {
		return "", err
	}
	store, err := e.dialGCS(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			e.logger.Warn("close gcs client", zap.Error(cerr))
		}
	}()
	uri, err := store.PutObject(ctx, object, contentTypes[format], data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", dest, err)
	}
	return uri, nil
}

func writeLocal(ctx context.Context, dest string, format Format, data io.Reader) (string, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dest, err)
	}
	store, err := local.New(local.Config{BaseDir: filepath.Dir(abs)})
	if err != nil {
		return "", err
	}
	path, err := store.PutObject(ctx, filepath.Base(abs), contentTypes[format], data)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return path, nil
}
