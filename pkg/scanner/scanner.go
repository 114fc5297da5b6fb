package scanner

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/pkg/types"
)

// Options controls which files the walk yields
type Options struct {
	// IncludeExts lists the file extensions (with leading dot) to index
	IncludeExts []string
	// ExcludeSubstrings filters any path containing one of these segments
	ExcludeSubstrings []string
	// ExcludeSuffixes filters filenames by suffix (declaration files etc.)
	ExcludeSuffixes []string
}

// DefaultOptions is the default scan policy: common source extensions,
// dependency and test trees excluded, declaration-only files dropped.
func DefaultOptions() Options {
	return Options{
		IncludeExts:       []string{".ts", ".tsx", ".js", ".jsx", ".py", ".go", ".md"},
		ExcludeSubstrings: []string{"node_modules", "__tests__", ".test.", ".spec."},
		ExcludeSuffixes:   []string{".d.ts"},
	}
}

// configNames are exact filenames tagged CONFIG
var configNames = map[string]struct{}{
	"package.json":  {},
	"tsconfig.json": {},
	"pyproject.toml": {},
	"go.mod":        {},
	"Makefile":      {},
	"Dockerfile":    {},
}

// Classify tags a file for the Isolated Worker. Tags travel in the batch
// payload; the scanner itself treats all kept files the same.
func Classify(path string) types.FileClass {
	name := filepath.Base(path)
	ext := filepath.Ext(name)

	if strings.Contains(path, "__tests__") || strings.Contains(name, ".test.") || strings.Contains(name, ".spec.") {
		return types.FileClassTest
	}
	if _, ok := configNames[name]; ok {
		return types.FileClassConfig
	}
	if strings.Contains(name, ".config.") || strings.HasPrefix(name, ".eslintrc") {
		return types.FileClassConfig
	}
	if name == "index"+ext && ext != "" {
		return types.FileClassPotentialBarrel
	}
	return types.FileClassRegular
}

// Scan walks root and returns the kept files as absolute paths in lexicographic
// order, each with its classifier tag. Each job re-walks; there is no
// incremental mode.
func Scan(root string, opts Options) ([]types.FileEntry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scan root: %w", err)
	}

	var entries []types.FileEntry
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			for _, sub := range opts.ExcludeSubstrings {
				if d.Name() == sub {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !keep(path, opts) {
			return nil
		}
		entries = append(entries, types.FileEntry{Path: path, Class: Classify(path)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", abs, err)
	}

	// WalkDir is already lexical per directory; the explicit sort pins the
	// whole-list ordering invariant independent of walk internals.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func keep(path string, opts Options) bool {
	for _, sub := range opts.ExcludeSubstrings {
		if strings.Contains(path, sub) {
			return false
		}
	}
	for _, suffix := range opts.ExcludeSuffixes {
		if strings.HasSuffix(path, suffix) {
			return false
		}
	}
	ext := filepath.Ext(path)
	for _, inc := range opts.IncludeExts {
		if ext == inc {
			return true
		}
	}
	return false
}

// Shard partitions the file list into batches of batchSize, preserving order.
// The final batch may be short. The batch is the unit of recovery.
func Shard(files []types.FileEntry, batchSize int) [][]types.FileEntry {
	if batchSize <= 0 || len(files) == 0 {
		return nil
	}
	batches := make([][]types.FileEntry, 0, (len(files)+batchSize-1)/batchSize)
	for start := 0; start < len(files); start += batchSize {
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[start:end])
	}
	return batches
}
