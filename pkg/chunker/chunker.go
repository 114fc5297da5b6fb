// Package chunker slices source files into embeddable windows. The default
// implementation is a fixed line window; chunk boundaries are deterministic so
// reprocessed files upsert onto the same rows.
package chunker

import (
	"path/filepath"
	"strings"
)

// Slice is one chunk of a file with 1-based inclusive line bounds
type Slice struct {
	Content   string
	StartLine int
	EndLine   int
	ChunkType string
}

// Chunker splits file content into slices
type Chunker interface {
	Chunk(path string, content []byte) []Slice
}

// LineWindow chunks by fixed line count. Window must be positive.
type LineWindow struct {
	Window int
}

// DefaultWindow is the default chunk height in lines
const DefaultWindow = 40

// NewLineWindow creates the default chunker
func NewLineWindow(window int) *LineWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	return &LineWindow{Window: window}
}

func (c *LineWindow) Chunk(path string, content []byte) []Slice {
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")

	chunkType := "code"
	if filepath.Ext(path) == ".md" {
		chunkType = "doc"
	}

	var slices []Slice
	for start := 0; start < len(lines); start += c.Window {
		end := start + c.Window
		if end > len(lines) {
			end = len(lines)
		}
		slices = append(slices, Slice{
			Content:   strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
			ChunkType: chunkType,
		})
	}
	return slices
}

var languageByExt = map[string]string{
	".ts":  "typescript",
	".tsx": "typescript",
	".js":  "javascript",
	".jsx": "javascript",
	".py":  "python",
	".go":  "go",
	".md":  "markdown",
}

// Language maps a file path to its language tag, or "text" when unknown
func Language(path string) string {
	if lang, ok := languageByExt[filepath.Ext(path)]; ok {
		return lang
	}
	return "text"
}
