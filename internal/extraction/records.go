package extraction

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// Comment renders a comment with its author and parent post title.
type Comment struct{}

func (Comment) Name() string { return "comment" }

func (Comment) Supports(kind string) bool { return kind == "comment" }

func (Comment) Extract(_ context.Context, doc *content.Document) []content.Segment {
	author := doc.Author
	if author == "" {
		author = "Anonymous"
	}
	postTitle := doc.ParentTitle
	if postTitle == "" {
		postTitle = "Unknown Post"
	}

	text := "Comment by " + author + "\nOn: " + postTitle + "\n\n" + doc.Body

	return []content.Segment{{
		Content: text,
		Metadata: map[string]any{
			"page":           1,
			"comment_id":     doc.Ref.ID,
			"comment_author": doc.Author,
			"post_id":        doc.ParentID,
			"post_title":     postTitle,
			"approved":       doc.Approved,
		},
	}}
}

// Link renders a bookmark: name, source URL and description.
type Link struct{}

func (Link) Name() string { return "link" }

func (Link) Supports(kind string) bool { return kind == "link" }

func (Link) Extract(_ context.Context, doc *content.Document) []content.Segment {
	name := doc.Title
	if name == "" {
		name = "Unnamed Link"
	}

	var sb strings.Builder
	sb.WriteString(name)
	if doc.URL != "" {
		sb.WriteString("\n[Source: " + doc.URL + "]")
	}
	if doc.Description != "" {
		sb.WriteString("\n\nDescription: " + doc.Description)
	}

	categories := doc.Categories
	if categories == nil {
		categories = []string{}
	}

	return []content.Segment{{
		Content: sb.String(),
		Metadata: map[string]any{
			"page":        1,
			"link_id":     doc.Ref.ID,
			"link_url":    doc.URL,
			"link_rating": doc.Rating,
			"categories":  categories,
		},
	}}
}

// Text reads plain text and markdown attachments as one segment.
type Text struct{}

func (Text) Name() string { return "text" }

func (Text) Supports(kind string) bool {
	return kind == MIMEText || kind == MIMEMarkdown || kind == MIMEXMD
}

func (Text) Extract(ctx context.Context, doc *content.Document) []content.Segment {
	data, err := readAttachment(doc)
	if err != nil {
		warn(ctx, doc, "text attachment unreadable", err)
		return nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return []content.Segment{{Content: text, Metadata: page1()}}
}
