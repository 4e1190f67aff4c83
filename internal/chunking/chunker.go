// Package chunking splits extracted segments into the chunks that are
// embedded and stored.
//
// Every strategy stamps a zero-based, contiguous chunk_index across the
// whole content item and merges metadata in the order: global metadata,
// segment metadata, chunk_index.
package chunking

import (
	"github.com/fyrsmithlabs/indexd/internal/content"
)

// Strategy names.
const (
	StrategyCharacter = "character"
	StrategyWord      = "word"
	StrategySentence  = "sentence"
	StrategyParagraph = "paragraph"
	StrategyPage      = "page"
	StrategyRecursive = "recursive"
)

// Chunker turns segments into chunks.
type Chunker interface {
	// Name is the strategy name the chunker is registered under.
	Name() string

	// Chunk splits segments. Zero settings select the strategy defaults.
	Chunk(segments []content.Segment, settings content.ChunkingSettings, global map[string]any) []content.Chunk
}

// Builtin returns one instance of every built-in strategy.
func Builtin() []Chunker {
	return []Chunker{
		Character{},
		Word{},
		Sentence{},
		Paragraph{},
		Page{},
		Recursive{},
	}
}

// normalize fills defaults and clamps overlap so that every window
// advances.
func normalize(s content.ChunkingSettings, defaultSize int) content.ChunkingSettings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = defaultSize
	}
	if s.Overlap < 0 || s.Overlap >= s.ChunkSize {
		s.Overlap = 0
	}
	return s
}

// builder accumulates chunks with a running index.
type builder struct {
	global map[string]any
	chunks []content.Chunk
}

func newBuilder(global map[string]any) *builder {
	return &builder{global: global}
}

func (b *builder) add(text string, segMeta map[string]any) {
	idx := len(b.chunks)
	b.chunks = append(b.chunks, content.Chunk{
		Content:  text,
		Index:    idx,
		Metadata: mergeMetadata(b.global, segMeta, idx),
	})
}

func mergeMetadata(global, segment map[string]any, index int) map[string]any {
	m := make(map[string]any, len(global)+len(segment)+1)
	for k, v := range global {
		m[k] = v
	}
	for k, v := range segment {
		m[k] = v
	}
	m["chunk_index"] = index
	return m
}

// reindex rewrites indices so they are contiguous from zero.
func reindex(chunks []content.Chunk) []content.Chunk {
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Metadata["chunk_index"] = i
	}
	return chunks
}
