package sender

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultOutputDir = "./mail_output"

// File writes each message as a complete .eml file in a directory.
// Intended for development and debugging; messages are never actually delivered.
type File struct {
	outputDir string
	log       zerolog.Logger
	now       func() time.Time
}

// NewFile creates a File sender writing to dir, or "./mail_output" when dir
// is empty.
func NewFile(dir string, log zerolog.Logger) *File {
	if dir == "" {
		dir = defaultOutputDir
	}
	return &File{outputDir: dir, log: log, now: time.Now}
}

func (f *File) Name() string { return "file" }

// Send writes the composed message to <timestamp>_<message-id>.eml.
func (f *File) Send(_ context.Context, msg *Message) (*Result, error) {
	now := f.now()
	c, err := compose(msg, now, f.log)
	if err != nil {
		return nil, classify(f.Name(), err)
	}

	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return nil, classify(f.Name(), fmt.Errorf("create output dir: %w", err))
	}

	safeID := strings.NewReplacer("/", "_", "@", "_at_").Replace(c.messageID)
	path := filepath.Join(f.outputDir, fmt.Sprintf("%s_%s.eml", now.Format("20060102_150405"), safeID))
	if err := os.WriteFile(path, c.raw, 0o640); err != nil {
		return nil, classify(f.Name(), fmt.Errorf("write %s: %w", path, err))
	}

	f.log.Debug().Str("path", path).Msg("message written")
	return &Result{ProviderMessageID: c.messageID, Skipped: c.skipped}, nil
}
