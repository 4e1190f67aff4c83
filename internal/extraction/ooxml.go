package extraction

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

const docxBody = "word/document.xml"

var (
	slideName   = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	docxTextRun = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	pptxTextRun = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
)

// DOCX extracts a Word document as one segment: paragraphs separated by
// blank lines, table cells by " | ".
type DOCX struct{}

func (DOCX) Name() string { return "docx" }

func (DOCX) Supports(kind string) bool { return kind == MIMEDOCX }

func (DOCX) Extract(ctx context.Context, doc *content.Document) []content.Segment {
	data, err := readAttachment(doc)
	if err != nil {
		warn(ctx, doc, "docx unreadable", err)
		return nil
	}

	parts, err := openParts(data, func(name string) bool { return name == docxBody })
	if err != nil {
		warn(ctx, doc, "docx container unreadable", err)
		return nil
	}
	body, ok := parts[docxBody]
	if !ok {
		warn(ctx, doc, "docx has no document body", nil)
		return nil
	}

	text, err := walkOOXML(body, docxRules)
	if err != nil {
		warn(ctx, doc, "docx xml malformed, scraping text runs", err)
		text = scrapeRuns(body, docxTextRun, " ")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []content.Segment{{Content: text, Metadata: page1()}}
}

// PPTX extracts one segment per non-empty slide in slide-number order.
type PPTX struct{}

func (PPTX) Name() string { return "pptx" }

func (PPTX) Supports(kind string) bool { return kind == MIMEPPTX }

func (PPTX) Extract(ctx context.Context, doc *content.Document) []content.Segment {
	data, err := readAttachment(doc)
	if err != nil {
		warn(ctx, doc, "pptx unreadable", err)
		return nil
	}

	parts, err := openParts(data, slideName.MatchString)
	if err != nil {
		warn(ctx, doc, "pptx container unreadable", err)
		return nil
	}

	type slide struct {
		num  int
		body []byte
	}
	slides := make([]slide, 0, len(parts))
	for name, body := range parts {
		n, _ := strconv.Atoi(slideName.FindStringSubmatch(name)[1])
		slides = append(slides, slide{num: n, body: body})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var segments []content.Segment
	for _, s := range slides {
		text, err := walkOOXML(s.body, pptxRules)
		if err != nil {
			warn(ctx, doc, fmt.Sprintf("slide %d xml malformed, scraping text runs", s.num), err)
			text = scrapeRuns(s.body, pptxTextRun, "\n")
		}
		if text = strings.TrimSpace(text); text != "" {
			segments = append(segments, content.Segment{Content: text, Metadata: map[string]any{"page": s.num}})
		}
	}
	return segments
}

// ooxmlRules maps element local names to the text emitted for them.
type ooxmlRules struct {
	text  string            // element whose character data is content
	start map[string]string // emitted at element start
	end   map[string]string // emitted at element end
}

var docxRules = ooxmlRules{
	text:  "t",
	start: map[string]string{"tab": "\t", "br": "\n"},
	end:   map[string]string{"p": "\n\n", "tc": " | ", "tr": "\n"},
}

var pptxRules = ooxmlRules{
	text:  "t",
	start: map[string]string{"br": "\n"},
	end:   map[string]string{"p": "\n", "tr": "\n"},
}

func walkOOXML(body []byte, rules ooxmlRules) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var sb strings.Builder
	inText := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == rules.text {
				inText++
			}
			sb.WriteString(rules.start[t.Name.Local])
		case xml.EndElement:
			if t.Name.Local == rules.text && inText > 0 {
				inText--
			}
			sb.WriteString(rules.end[t.Name.Local])
		case xml.CharData:
			if inText > 0 {
				sb.Write(t)
			}
		}
	}
}

func scrapeRuns(body []byte, run *regexp.Regexp, sep string) string {
	var pieces []string
	for _, m := range run.FindAllSubmatch(body, -1) {
		pieces = append(pieces, html.UnescapeString(string(m[1])))
	}
	return strings.Join(pieces, sep)
}

// openParts returns the archive members selected by want. A damaged
// central directory falls back to walking local file headers.
func openParts(data []byte, want func(string) bool) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		parts := scanLocalEntries(data, want)
		if len(parts) == 0 {
			return nil, err
		}
		return parts, nil
	}

	parts := make(map[string][]byte)
	for _, f := range zr.File {
		if !want(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(io.LimitReader(rc, maxFileSize))
		rc.Close()
		if err != nil && len(body) == 0 {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		parts[f.Name] = body
	}
	return parts, nil
}

var localHeader = []byte("PK\x03\x04")

// scanLocalEntries walks local file headers directly, inflating what it
// can. Truncated entries contribute whatever decompressed cleanly.
func scanLocalEntries(data []byte, want func(string) bool) map[string][]byte {
	parts := make(map[string][]byte)
	for off := 0; ; {
		i := bytes.Index(data[off:], localHeader)
		if i < 0 {
			break
		}
		h := off + i
		off = h + len(localHeader)
		if h+30 > len(data) {
			break
		}
		method := binary.LittleEndian.Uint16(data[h+8:])
		nameLen := int(binary.LittleEndian.Uint16(data[h+26:]))
		extraLen := int(binary.LittleEndian.Uint16(data[h+28:]))
		start := h + 30 + nameLen + extraLen
		if start > len(data) {
			break
		}
		name := string(data[h+30 : h+30+nameLen])
		if !want(name) {
			continue
		}

		var body []byte
		switch method {
		case zip.Store:
			size := int(binary.LittleEndian.Uint32(data[h+18:]))
			end := min(start+size, len(data))
			if size == 0 {
				end = len(data)
			}
			body = data[start:end]
		case zip.Deflate:
			fr := flate.NewReader(bytes.NewReader(data[start:]))
			body, _ = io.ReadAll(io.LimitReader(fr, maxFileSize))
			fr.Close()
		}
		if len(body) > 0 {
			parts[name] = body
		}
	}
	return parts
}
