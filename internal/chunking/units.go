package chunking

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

const (
	// Paragraph chunks longer than this many bytes are split by words.
	maxParagraphChunkBytes = 1500
	safetySplitWords       = 250
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
)

// Word groups whitespace-separated words. It is the only unit strategy
// that honours overlap.
type Word struct{}

func (Word) Name() string { return StrategyWord }

func (Word) Chunk(segments []content.Segment, settings content.ChunkingSettings, global map[string]any) []content.Chunk {
	s := normalize(settings, 50)
	return groupUnits(segments, s.ChunkSize, s.ChunkSize-s.Overlap, " ", strings.Fields, global)
}

// Sentence groups sentences ending in '.', '!' or '?'.
type Sentence struct{}

func (Sentence) Name() string { return StrategySentence }

func (Sentence) Chunk(segments []content.Segment, settings content.ChunkingSettings, global map[string]any) []content.Chunk {
	s := normalize(settings, 5)
	return groupUnits(segments, s.ChunkSize, s.ChunkSize, " ", splitSentences, global)
}

// Paragraph groups blank-line separated paragraphs, then splits any chunk
// that is still too large into word runs.
type Paragraph struct{}

func (Paragraph) Name() string { return StrategyParagraph }

func (Paragraph) Chunk(segments []content.Segment, settings content.ChunkingSettings, global map[string]any) []content.Chunk {
	s := normalize(settings, 3)
	chunks := groupUnits(segments, s.ChunkSize, s.ChunkSize, "\n\n", splitParagraphs, global)

	safe := make([]content.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Content) <= maxParagraphChunkBytes {
			safe = append(safe, c)
			continue
		}
		words := strings.Fields(c.Content)
		for start := 0; start < len(words); start += safetySplitWords {
			end := min(start+safetySplitWords, len(words))
			meta := make(map[string]any, len(c.Metadata))
			for k, v := range c.Metadata {
				meta[k] = v
			}
			safe = append(safe, content.Chunk{
				Content:  strings.Join(words[start:end], " "),
				Metadata: meta,
			})
		}
	}
	return reindex(safe)
}

// groupUnits splits each segment into units and emits windows of size
// units, advancing by step. A segment with no more than size units is
// emitted unchanged.
func groupUnits(segments []content.Segment, size, step int, sep string, split func(string) []string, global map[string]any) []content.Chunk {
	b := newBuilder(global)
	for _, seg := range segments {
		units := split(seg.Content)
		if len(units) <= size {
			b.add(seg.Content, seg.Metadata)
			continue
		}
		for start := 0; start < len(units); start += step {
			end := min(start+size, len(units))
			b.add(strings.Join(units[start:end], sep), seg.Metadata)
		}
	}
	return b.chunks
}

// splitSentences splits on whitespace runs that follow '.', '!' or '?'.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range whitespaceRun.FindAllStringIndex(text, -1) {
		if loc[0] == 0 || !strings.ContainsRune(".!?", rune(text[loc[0]-1])) {
			continue
		}
		if s := text[last:loc[0]]; s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := text[last:]; s != "" {
		out = append(out, s)
	}
	return out
}

func splitParagraphs(text string) []string {
	parts := paragraphBreak.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
