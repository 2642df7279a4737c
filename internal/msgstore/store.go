// Package msgstore stores rendered email bodies outside the email record,
// keyed by record id.
package msgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no body exists for a record.
var ErrNotFound = errors.New("msgstore: body not found")

// BodyStore persists the rendered HTML body of an email record.
type BodyStore interface {
	Put(ctx context.Context, recordID int64, body string) error
	Get(ctx context.Context, recordID int64) (string, error)
	Delete(ctx context.Context, recordID int64) error
}

// Config selects and configures a BodyStore backend.
type Config struct {
	Type       string `mapstructure:"type"` // "postgres" (default), "local" or "s3"
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// New creates a BodyStore for cfg. The postgres backend shares db with the
// record store. Unknown types fall back to postgres with a warning.
func New(ctx context.Context, cfg Config, db DBTX, logger zerolog.Logger) (BodyStore, error) {
	switch cfg.Type {
	case "", "postgres":
		return NewPostgresStore(db), nil
	case "local":
		return NewLocalFileStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		logger.Warn().
			Str("type", cfg.Type).
			Msg("unsupported body store type, defaulting to postgres")
		return NewPostgresStore(db), nil
	}
}

// objectName is the file or object name used for a record's body.
func objectName(recordID int64) string {
	return fmt.Sprintf("%d.html", recordID)
}
