package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestFS_LoadPost(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "post", "12.json"), `{"title":"Hello","body":"<p>Hi</p>","url":"https://example.com/hello"}`)

	fs, err := NewFS(root)
	require.NoError(t, err)

	doc, err := fs.Load(context.Background(), content.Ref{ID: 12, Type: "post"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", doc.Title)
	assert.Equal(t, "<p>Hi</p>", doc.Body)
	assert.Equal(t, content.Ref{ID: 12, Type: "post"}, doc.Ref)
}

func TestFS_LoadAttachment(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "attachment", "3.json"), `{"title":"Slides","file":"files/deck.pptx"}`)
	writeFile(t, filepath.Join(root, "attachment", "files", "deck.pptx"), "zip")

	fs, err := NewFS(root)
	require.NoError(t, err)

	doc, err := fs.Load(context.Background(), content.Ref{ID: 3, Type: "attachment"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fs.Root(), "attachment", "files", "deck.pptx"), doc.Path)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.presentationml.presentation", doc.MIME)
}

func TestFS_AttachmentEscapingRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "attachment", "4.json"), `{"file":"../../etc/passwd"}`)

	fs, err := NewFS(root)
	require.NoError(t, err)

	_, err = fs.Load(context.Background(), content.Ref{ID: 4, Type: "attachment"})
	assert.ErrorContains(t, err, "escapes source root")
}

func TestFS_NotFound(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Load(context.Background(), content.Ref{ID: 1, Type: "post"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFS_RefFromPath(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	ref, ok := fs.RefFromPath(filepath.Join(fs.Root(), "page", "77.json"))
	require.True(t, ok)
	assert.Equal(t, content.Ref{ID: 77, Type: "page"}, ref)

	_, ok = fs.RefFromPath(filepath.Join(fs.Root(), "page", "notes.json"))
	assert.False(t, ok)
	_, ok = fs.RefFromPath(filepath.Join(fs.Root(), "attachment", "files", "1.json"))
	assert.False(t, ok)
	_, ok = fs.RefFromPath(filepath.Join(fs.Root(), "77.json"))
	assert.False(t, ok)
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectMIME("a/B.PDF"))
	assert.Equal(t, "text/markdown", DetectMIME("readme.md"))
	assert.Equal(t, "application/octet-stream", DetectMIME("blob.zzzunknown"))
}
