package chunking

import (
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// Character cuts fixed-size rune windows, snapping to a space when one
// falls in the last fifth of a window.
type Character struct{}

func (Character) Name() string { return StrategyCharacter }

func (Character) Chunk(segments []content.Segment, settings content.ChunkingSettings, global map[string]any) []content.Chunk {
	s := normalize(settings, 300)
	b := newBuilder(global)

	for _, seg := range segments {
		runes := []rune(seg.Content)
		n := len(runes)
		if n <= s.ChunkSize {
			b.add(seg.Content, seg.Metadata)
			continue
		}

		for start := 0; start < n; {
			end := start + s.ChunkSize
			if end > n {
				end = n
			}
			window := runes[start:end]
			step := s.ChunkSize

			if start+s.ChunkSize < n {
				if sp := lastSpace(window); sp > 0 && float64(sp) > float64(s.ChunkSize)*0.8 {
					window = window[:sp]
					step = sp
				}
			}

			b.add(strings.TrimSpace(string(window)), seg.Metadata)
			if end == n {
				// Anything after this would lie inside the window just emitted.
				break
			}

			advance := step - s.Overlap
			if advance <= 0 {
				// A snapped window can be shorter than the overlap.
				advance = step
			}
			start += advance
		}
	}
	return b.chunks
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == ' ' {
			return i
		}
	}
	return -1
}
