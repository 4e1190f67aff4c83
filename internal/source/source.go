// Package source loads the documents behind content references.
//
// The filesystem layout is one JSON manifest per item at
// <root>/<type>/<id>.json. Attachments name their binary in the "file"
// field, resolved relative to the manifest's directory.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// ErrNotFound is returned when no manifest exists for a ref.
var ErrNotFound = errors.New("content not found")

// maxManifestSize bounds manifest reads.
const maxManifestSize = 16 << 20

// Source loads documents.
type Source interface {
	Load(ctx context.Context, ref content.Ref) (*content.Document, error)
}

// FS is a Source over a directory tree.
type FS struct {
	root string
}

// NewFS returns a filesystem source rooted at root.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source root: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// ManifestPath returns where the manifest of ref lives.
func (f *FS) ManifestPath(ref content.Ref) string {
	return filepath.Join(f.root, ref.Type, strconv.FormatInt(ref.ID, 10)+".json")
}

// Load reads and decodes the manifest of ref.
func (f *FS) Load(ctx context.Context, ref content.Ref) (*content.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	path := f.ManifestPath(ref)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, fmt.Errorf("manifest %s too large: %d bytes", path, info.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc content.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	doc.Ref = ref

	if doc.File != "" {
		p, err := f.resolve(filepath.Dir(path), doc.File)
		if err != nil {
			return nil, err
		}
		doc.Path = p
		if doc.MIME == "" {
			doc.MIME = DetectMIME(p)
		}
	}
	return &doc, nil
}

// resolve joins name onto dir and refuses paths that leave the root.
func (f *FS) resolve(dir, name string) (string, error) {
	p := filepath.Clean(filepath.Join(dir, name))
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment path %q escapes source root", name)
	}
	return p, nil
}

// RefFromPath maps a manifest path under the root back to its ref.
func (f *FS) RefFromPath(path string) (content.Ref, bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return content.Ref{}, false
	}
	dir, file := filepath.Split(rel)
	dir = filepath.Clean(dir)
	if dir == "." || strings.Contains(dir, string(filepath.Separator)) || !strings.HasSuffix(file, ".json") {
		return content.Ref{}, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(file, ".json"), 10, 64)
	if err != nil {
		return content.Ref{}, false
	}
	ref := content.Ref{ID: id, Type: dir}
	if ref.Validate() != nil {
		return content.Ref{}, false
	}
	return ref, true
}

var extMIME = map[string]string{
	".pdf":      "application/pdf",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx":     "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
}

// DetectMIME guesses a media type from a file extension, without
// parameters.
func DetectMIME(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := extMIME[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
		return t
	}
	return "application/octet-stream"
}
