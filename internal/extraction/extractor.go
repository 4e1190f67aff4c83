// Package extraction turns source documents into raw text segments.
//
// Extractors never return errors: a missing file, unreadable container or
// parse failure yields no segments and a log entry. Binary formats try a
// structured parse first and fall back to scraping text nodes out of the
// raw container.
package extraction

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/logging"
	"go.uber.org/zap"
)

// maxFileSize bounds attachment reads.
const maxFileSize = 100 << 20

// MIME types handled by the attachment extractors.
const (
	MIMEText     = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMEXMD      = "text/x-markdown"
	MIMEPDF      = "application/pdf"
	MIMEDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEPPTX     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

// Extractor produces segments for the content kinds it supports. kind is
// a content type for records and a MIME type for attachments.
type Extractor interface {
	Name() string
	Supports(kind string) bool
	Extract(ctx context.Context, doc *content.Document) []content.Segment
}

// Builtin returns every built-in extractor.
func Builtin() []Extractor {
	return []Extractor{
		Post{},
		Comment{},
		Link{},
		Text{},
		PDF{},
		DOCX{},
		PPTX{},
	}
}

// page1 is the metadata of a single-segment document.
func page1() map[string]any {
	return map[string]any{"page": 1}
}

func warn(ctx context.Context, doc *content.Document, msg string, err error) {
	fields := []zap.Field{zap.String("content", doc.Ref.String())}
	if doc.Path != "" {
		fields = append(fields, zap.String("path", doc.Path))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logging.FromContext(ctx).Warn(ctx, msg, fields...)
}

// readAttachment loads doc's file, bounded by maxFileSize.
func readAttachment(doc *content.Document) ([]byte, error) {
	if doc.Path == "" {
		return nil, fmt.Errorf("%w: document has no attached file", content.ErrExtraction)
	}
	f, err := os.Open(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", content.ErrExtraction, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", content.ErrExtraction, doc.Path, err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", content.ErrExtraction, doc.Path, maxFileSize)
	}
	return data, nil
}
