package chunking

import (
	"github.com/fyrsmithlabs/indexd/internal/content"
)

// oversizedPageBytes marks a lone segment whose page boundaries were
// evidently not detected.
const oversizedPageBytes = 3000

// Page emits one chunk per segment. A single oversized segment is handed
// to Paragraph with a three-paragraph window.
type Page struct{}

func (Page) Name() string { return StrategyPage }

func (Page) Chunk(segments []content.Segment, _ content.ChunkingSettings, global map[string]any) []content.Chunk {
	if len(segments) == 1 && len(segments[0].Content) > oversizedPageBytes {
		return Paragraph{}.Chunk(segments, content.ChunkingSettings{ChunkSize: 3}, global)
	}
	b := newBuilder(global)
	for _, seg := range segments {
		b.add(seg.Content, seg.Metadata)
	}
	return b.chunks
}
