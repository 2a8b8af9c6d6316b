package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbedder generates deterministic embeddings from a text hash.
type mockEmbedder struct {
	dimension int
	calls     atomic.Int64
	fail      atomic.Bool
}

func newMockEmbedder(dimension int) *mockEmbedder {
	return &mockEmbedder{dimension: dimension}
}

func (e *mockEmbedder) Dimension() int { return e.dimension }

func (e *mockEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *mockEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail.Load() {
		return nil, errors.New("embedder unavailable")
	}
	e.calls.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for n, text := range texts {
		vec := make([]float32, e.dimension)
		hash := 0
		for _, c := range text {
			hash = hash*31 + int(c)
		}
		for i := range vec {
			vec[i] = float32((hash+i)%100)/100.0 + 0.01
		}
		out[n] = vec
	}
	return out, nil
}

var quiet = zerolog.Nop()

func newTestBase(t *testing.T, embedder Embedder) (*Base, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := NewBase(Config{
		Dir:      dir,
		DBPath:   filepath.Join(t.TempDir(), "index.db"),
		Embedder: embedder,
		Logger:   &quiet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func requireKeyword(t *testing.T, b *Base) {
	t.Helper()
	if !b.Status().KeywordSearch {
		t.Skip("sqlite built without FTS5 (use -tags sqlite_fts5)")
	}
}

func TestNewBase_InvalidConfig(t *testing.T) {
	_, err := NewBase(Config{Logger: &quiet})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = NewBase(Config{Dir: file, Logger: &quiet})
	assert.Error(t, err)
}

func TestNewBase_DefaultsDBIntoDir(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBase(Config{Dir: dir, Embedder: newMockEmbedder(8), Logger: &quiet})
	require.NoError(t, err)
	defer b.Close()

	_, err = os.Stat(filepath.Join(dir, DefaultDBName))
	assert.NoError(t, err)
	assert.Equal(t, DefaultNumDocuments, b.NumDocuments())
	assert.Equal(t, dir, b.Dir())
}

func TestLoad_EmptyDir(t *testing.T) {
	b, _ := newTestBase(t, newMockEmbedder(16))

	require.NoError(t, b.Load(context.Background(), false))

	status := b.Status()
	assert.Equal(t, 0, status.TotalFiles)
	assert.Equal(t, 0, status.TotalChunks)
	assert.False(t, status.IsDirty)
	assert.NotNil(t, status.LastSyncTime)
}

func TestLoad_IndexesDocumentsOnly(t *testing.T) {
	b, dir := newTestBase(t, newMockEmbedder(16))

	writeDoc(t, dir, "doc.md", "# Markdown\n\nThis should be indexed.")
	writeDoc(t, dir, "notes.txt", "Plain text is indexed too.")
	writeDoc(t, dir, "nested/deep.md", "# Deep\n\nNested documents count.")
	writeDoc(t, dir, "page.html", "<h1>ignored</h1>")
	writeDoc(t, dir, ".hidden/secret.md", "# Hidden\n\nSkipped.")

	require.NoError(t, b.Load(context.Background(), false))

	status := b.Status()
	assert.Equal(t, 3, status.TotalFiles)
	assert.Equal(t, 3, status.TotalChunks)
}

func TestLoad_IdempotentAndSkipsUnchanged(t *testing.T) {
	emb := newMockEmbedder(16)
	b, dir := newTestBase(t, emb)
	writeDoc(t, dir, "test.md", "# Test\n\nContent")

	require.NoError(t, b.Load(context.Background(), false))
	first := b.Status()
	calls := emb.calls.Load()

	require.NoError(t, b.Load(context.Background(), false))
	second := b.Status()

	assert.Equal(t, first.TotalFiles, second.TotalFiles)
	assert.Equal(t, first.TotalChunks, second.TotalChunks)
	assert.Equal(t, calls, emb.calls.Load(), "unchanged files are not re-embedded")
}

func TestLoad_RecreateUsesEmbeddingCache(t *testing.T) {
	emb := newMockEmbedder(16)
	b, dir := newTestBase(t, emb)
	writeDoc(t, dir, "test.md", "# Test\n\nSome content for testing the embedding cache.")

	require.NoError(t, b.Load(context.Background(), false))
	calls := emb.calls.Load()

	require.NoError(t, b.Load(context.Background(), true))
	assert.Equal(t, calls, emb.calls.Load())

	status := b.Status()
	require.NotNil(t, status.EmbeddingCacheHitRate)
	assert.InDelta(t, 0.5, *status.EmbeddingCacheHitRate, 0.001)
	assert.Equal(t, 1, status.TotalFiles)
}

func TestLoad_DeletedAndChangedFilesLeaveNoOrphans(t *testing.T) {
	b, dir := newTestBase(t, newMockEmbedder(16))
	ctx := context.Background()

	for _, name := range []string{"doc1.md", "doc2.md", "doc3.md"} {
		writeDoc(t, dir, name, "# "+name+"\n\nContent about "+name)
	}
	require.NoError(t, b.Load(ctx, false))
	assert.Equal(t, 3, b.Status().TotalFiles)

	require.NoError(t, os.Remove(filepath.Join(dir, "doc2.md")))
	writeDoc(t, dir, "doc3.md", "# doc3\n\nRewritten content")
	require.NoError(t, b.Load(ctx, false))

	assert.Equal(t, 2, b.Status().TotalFiles)

	var vectors int
	require.NoError(t, b.db.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&vectors))
	assert.Equal(t, 2, vectors)

	if b.keyword {
		var fts int
		require.NoError(t, b.db.QueryRow("SELECT COUNT(*) FROM chunks_fts").Scan(&fts))
		assert.Equal(t, 2, fts)
	}
}

func TestLoad_ConcurrentLoadRejected(t *testing.T) {
	b, _ := newTestBase(t, newMockEmbedder(8))

	b.mu.Lock()
	b.syncing = true
	b.mu.Unlock()

	err := b.Load(context.Background(), false)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	b.mu.Lock()
	b.syncing = false
	b.mu.Unlock()
}

func TestLoad_EmbedderFailureFallsBackToKeywords(t *testing.T) {
	emb := newMockEmbedder(8)
	emb.fail.Store(true)
	b, dir := newTestBase(t, emb)
	requireKeyword(t, b)

	writeDoc(t, dir, "go.md", "# Go\n\nGoroutines are cheap.")
	require.NoError(t, b.Load(context.Background(), false))

	docs, err := b.Search(context.Background(), "goroutines", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "go.md", docs[0].Name)
	assert.NotContains(t, docs[0].Meta, "vector_score")
}

func TestSearch_EmptyQuery(t *testing.T) {
	b, _ := newTestBase(t, newMockEmbedder(8))

	docs, err := b.Search(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearch_KeywordMatch(t *testing.T) {
	b, dir := newTestBase(t, nil)
	requireKeyword(t, b)

	writeDoc(t, dir, "golang.md", "# Go\n\nGolang is a great language for building scalable systems.")
	writeDoc(t, dir, "cooking.md", "# Cooking\n\nCooking is the art of preparing food.")

	// the index is dirty after open, so Search syncs first
	docs, err := b.Search(context.Background(), "What's golang?", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	d := docs[0]
	assert.Equal(t, "golang.md#0", d.ID)
	assert.Equal(t, "golang.md", d.Name)
	assert.Contains(t, d.Content, "Golang")
	assert.InDelta(t, 0.3, d.Score, 0.0001)
	assert.Equal(t, 1.0, d.Meta["keyword_score"])
}

func TestSearch_VectorScores(t *testing.T) {
	b, dir := newTestBase(t, newMockEmbedder(32))

	writeDoc(t, dir, "ml.md", "# Machine Learning\n\nMachine learning is a subset of artificial intelligence.")
	writeDoc(t, dir, "cooking.md", "# Cooking\n\nCooking is the art of preparing food.")

	docs, err := b.Search(context.Background(), "artificial intelligence", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	for _, d := range docs {
		assert.Contains(t, d.Meta, "vector_score")
		assert.Greater(t, d.Score, 0.0)
	}
}

func TestSearch_Hybrid(t *testing.T) {
	b, dir := newTestBase(t, newMockEmbedder(32))
	requireKeyword(t, b)

	writeDoc(t, dir, "go.md", "# Golang Programming\n\nGolang is designed for building scalable and concurrent systems.")
	require.NoError(t, b.Load(context.Background(), false))

	docs, err := b.Search(context.Background(), "golang concurrent", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Contains(t, docs[0].Meta, "vector_score")
	assert.Contains(t, docs[0].Meta, "keyword_score")
}

func TestSearch_LimitAndMinScore(t *testing.T) {
	b, dir := newTestBase(t, newMockEmbedder(8))

	for i := 0; i < 10; i++ {
		writeDoc(t, dir, fmt.Sprintf("doc%d.md", i), fmt.Sprintf("# Document %d\n\nThis document mentions golang. Golang golang.", i))
	}
	require.NoError(t, b.Load(context.Background(), false))

	docs, err := b.Search(context.Background(), "golang", &SearchOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = b.Search(context.Background(), "golang", nil)
	require.NoError(t, err)
	assert.Len(t, docs, DefaultNumDocuments)

	for i := 1; i < len(docs); i++ {
		assert.GreaterOrEqual(t, docs[i-1].Score, docs[i].Score)
	}

	docs, err = b.Search(context.Background(), "golang", &SearchOptions{MinScore: 2})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestAddDocument(t *testing.T) {
	b, dir := newTestBase(t, newMockEmbedder(8))
	ctx := context.Background()

	require.NoError(t, b.Load(ctx, false))
	assert.False(t, b.IsDirty())

	doc, err := b.AddDocument(ctx, "release notes", "# Release\n\nVersion two ships the scheduler.")
	require.NoError(t, err)
	assert.Equal(t, "release_notes.md", doc.Name)
	assert.True(t, b.IsDirty())

	data, err := os.ReadFile(filepath.Join(dir, "release_notes.md"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Release"))

	docs, err := b.Search(ctx, "scheduler", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.False(t, b.IsDirty())
	assert.Equal(t, 1, b.Status().TotalFiles)

	_, err = b.AddDocument(ctx, "../escape", "nope")
	assert.Error(t, err)
	_, err = b.AddDocument(ctx, "empty", " ")
	assert.Error(t, err)
}

func TestSearch_UnavailableWithoutBackends(t *testing.T) {
	b, dir := newTestBase(t, nil)
	if b.Status().KeywordSearch {
		t.Skip("sqlite built with FTS5")
	}
	writeDoc(t, dir, "notes.md", "# Notes\n\nIndexed even without search.")

	require.NoError(t, b.Load(context.Background(), false))
	assert.Equal(t, 1, b.Status().TotalFiles)
	assert.False(t, b.Status().VectorSearch)

	_, err := b.Search(context.Background(), "notes", nil)
	require.ErrorIs(t, err, ErrSearchUnavailable)
	assert.NotContains(t, err.Error(), "%!w")
}

func TestClose_Idempotent(t *testing.T) {
	b, err := NewBase(Config{Dir: t.TempDir(), Embedder: newMockEmbedder(8), Watch: true, Logger: &quiet})
	require.NoError(t, err)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"what" OR "s" OR "golang"`, ftsQuery("What's golang?"))
	assert.Equal(t, `"go"`, ftsQuery("go GO go"))
	assert.Equal(t, "", ftsQuery("?!"))
}
