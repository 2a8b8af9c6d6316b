package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	t.Run("create new directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "knowledge")
		require.NoError(t, EnsureDir(dir))

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("directory already exists", func(t *testing.T) {
		assert.NoError(t, EnsureDir(t.TempDir()))
	})

	t.Run("path exists but is not directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "knowledge")
		require.NoError(t, os.WriteFile(path, []byte("test"), 0644))

		err := EnsureDir(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})
}

func TestValidateDocumentPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple", "notes.md", false},
		{"nested", "guides/setup.md", false},
		{"dotdot prefix in name", "..notes.md", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../secret.md", true},
		{"unclean", "guides/../../x.md", true},
		{"trailing slash", "guides/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocumentPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDocumentPath(t *testing.T) {
	dir := t.TempDir()

	full, err := DocumentPath(dir, "guides/setup.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "guides", "setup.md"), full)

	_, err = DocumentPath(dir, "../escape.md")
	assert.Error(t, err)
}

func TestDocumentName(t *testing.T) {
	name, err := documentName("release notes")
	require.NoError(t, err)
	assert.Equal(t, "release_notes.md", name)

	name, err = documentName("faq.txt")
	require.NoError(t, err)
	assert.Equal(t, "faq.txt", name)

	_, err = documentName("  ")
	assert.Error(t, err)

	_, err = documentName("../up")
	assert.Error(t, err)
}

func TestIsDocument(t *testing.T) {
	assert.True(t, IsDocument("a.md"))
	assert.True(t, IsDocument("A.MD"))
	assert.True(t, IsDocument("b.txt"))
	assert.True(t, IsDocument("c.markdown"))
	assert.False(t, IsDocument("d.html"))
	assert.False(t, IsDocument("knowledge.db"))
}
