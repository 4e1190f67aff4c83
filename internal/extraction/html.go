package extraction

import (
	"context"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var newlineRuns = regexp.MustCompile(`[\r\n]+`)

// Post extracts the HTML body of posts and pages as one segment. Image alt
// text is kept inline, tables become markdown and block boundaries become
// paragraph breaks.
type Post struct{}

func (Post) Name() string { return "post" }

func (Post) Supports(kind string) bool { return kind == "post" || kind == "page" }

func (Post) Extract(ctx context.Context, doc *content.Document) []content.Segment {
	root, err := html.Parse(strings.NewReader(doc.Body))
	if err != nil {
		warn(ctx, doc, "html parse failed", err)
		return nil
	}

	var sb strings.Builder
	renderHTML(&sb, root)

	text := strings.TrimSpace(newlineRuns.ReplaceAllString(sb.String(), "\n\n"))
	if text == "" {
		warn(ctx, doc, "post has no text", nil)
		return nil
	}
	return []content.Segment{{Content: text, Metadata: page1()}}
}

func renderHTML(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Img:
			if alt := strings.TrimSpace(attr(n, "alt")); alt != "" {
				sb.WriteString(" [Image: " + alt + "] ")
			}
			return
		case atom.Br:
			sb.WriteString("\n")
			return
		case atom.Table:
			sb.WriteString("\n\n" + tableMarkdown(n) + "\n\n")
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderHTML(sb, c)
	}

	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Div, atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			sb.WriteString("\n")
		}
	}
}

// tableMarkdown renders the first thead row as a header and every tbody
// row as a body row.
func tableMarkdown(table *html.Node) string {
	var header []string
	var body [][]string

	for sec := table.FirstChild; sec != nil; sec = sec.NextSibling {
		if sec.Type != html.ElementNode {
			continue
		}
		switch sec.DataAtom {
		case atom.Thead:
			for _, row := range tableRows(sec) {
				if header == nil {
					header = row
				}
			}
		case atom.Tbody, atom.Tfoot:
			body = append(body, tableRows(sec)...)
		}
	}

	var sb strings.Builder
	if len(header) > 0 {
		sb.WriteString("| " + strings.Join(header, " | ") + " |\n")
		sep := make([]string, len(header))
		for i := range sep {
			sep[i] = "---"
		}
		sb.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	}
	for _, row := range body {
		sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return sb.String()
}

func tableRows(section *html.Node) [][]string {
	var rows [][]string
	for tr := section.FirstChild; tr != nil; tr = tr.NextSibling {
		if tr.Type != html.ElementNode || tr.DataAtom != atom.Tr {
			continue
		}
		var cells []string
		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type == html.ElementNode && (td.DataAtom == atom.Td || td.DataAtom == atom.Th) {
				cells = append(cells, strings.TrimSpace(plainText(td)))
			}
		}
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	}
	return rows
}

func plainText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(plainText(c))
	}
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
