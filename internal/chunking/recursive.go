package chunking

import (
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/tmc/langchaingo/textsplitter"
)

// Recursive splits on progressively finer separators (paragraphs, lines,
// words) until pieces fit chunk_size runes.
type Recursive struct{}

func (Recursive) Name() string { return StrategyRecursive }

func (Recursive) Chunk(segments []content.Segment, settings content.ChunkingSettings, global map[string]any) []content.Chunk {
	s := normalize(settings, 800)
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.ChunkSize),
		textsplitter.WithChunkOverlap(s.Overlap),
	)

	b := newBuilder(global)
	for _, seg := range segments {
		pieces, err := splitter.SplitText(seg.Content)
		if err != nil || len(pieces) == 0 {
			// Keep the text rather than lose it.
			b.add(seg.Content, seg.Metadata)
			continue
		}
		for _, p := range pieces {
			b.add(p, seg.Metadata)
		}
	}
	return b.chunks
}
