package extraction

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/tmc/langchaingo/documentloaders"
)

// PDF extracts one segment per non-empty page. When the document cannot be
// parsed it scrapes text-showing operators out of the raw content streams.
type PDF struct{}

func (PDF) Name() string { return "pdf" }

func (PDF) Supports(kind string) bool { return kind == MIMEPDF }

func (PDF) Extract(ctx context.Context, doc *content.Document) []content.Segment {
	data, err := readAttachment(doc)
	if err != nil {
		warn(ctx, doc, "pdf unreadable", err)
		return nil
	}

	segments, err := parsePDF(ctx, data)
	if err == nil && len(segments) > 0 {
		return segments
	}
	warn(ctx, doc, "pdf parse failed, scraping content streams", err)

	text := scrapePDFText(data)
	if text == "" {
		warn(ctx, doc, "pdf yielded no text", nil)
		return nil
	}
	return []content.Segment{{Content: text, Metadata: page1()}}
}

func parsePDF(ctx context.Context, data []byte) (segments []content.Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			segments, err = nil, fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	docs, err := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data))).Load(ctx)
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		text := strings.TrimSpace(d.PageContent)
		if text == "" {
			continue
		}
		page := i + 1
		if p, ok := d.Metadata["page"].(int); ok {
			page = p
		}
		segments = append(segments, content.Segment{Content: text, Metadata: map[string]any{"page": page}})
	}
	return segments, nil
}

var (
	pdfStream     = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\nendstream`)
	pdfTextOp     = regexp.MustCompile(`(?s)\(((?:[^()\\]|\\.)*)\)\s*Tj|\[((?:[^\]\\]|\\.)*)\]\s*TJ`)
	pdfStringLit  = regexp.MustCompile(`(?s)\(((?:[^()\\]|\\.)*)\)`)
	pdfWhitespace = regexp.MustCompile(`\s+`)
)

// scrapePDFText pulls Tj and TJ string operands out of every content
// stream, inflating streams that are Flate-compressed.
func scrapePDFText(data []byte) string {
	var pieces []string
	for _, m := range pdfStream.FindAllSubmatch(data, -1) {
		stream := m[1]
		if zr, err := zlib.NewReader(bytes.NewReader(stream)); err == nil {
			if inflated, err := io.ReadAll(zr); err == nil || len(inflated) > 0 {
				stream = inflated
			}
			zr.Close()
		}
		for _, op := range pdfTextOp.FindAllSubmatch(stream, -1) {
			if op[1] != nil {
				pieces = append(pieces, unescapePDF(string(op[1])))
				continue
			}
			var sb strings.Builder
			for _, lit := range pdfStringLit.FindAllSubmatch(op[2], -1) {
				sb.WriteString(unescapePDF(string(lit[1])))
			}
			pieces = append(pieces, sb.String())
		}
	}
	text := strings.Join(pieces, " ")
	return strings.TrimSpace(pdfWhitespace.ReplaceAllString(text, " "))
}

func unescapePDF(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
