package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrSyncInProgress is returned when Load is called while another load runs.
	ErrSyncInProgress = errors.New("knowledge sync already in progress")
	// ErrSearchUnavailable is returned by Search when the base has neither an
	// embedder nor an FTS5 index. Documents are still indexed.
	ErrSearchUnavailable = errors.New("knowledge search unavailable: no embedder configured and sqlite lacks FTS5")
)

const (
	// DefaultNumDocuments is the number of documents returned by Search.
	DefaultNumDocuments = 5
	// DefaultDBName is the index file created inside the knowledge directory
	// when no DBPath is configured.
	DefaultDBName = ".knowledge.db"

	candidateLimit = 200
)

// Document is a chunk of a knowledge file returned by Search.
type Document struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Content string                 `json:"content"`
	Score   float64                `json:"score"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// SearchOptions configures search behavior
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// Status represents the current state of the index
type Status struct {
	TotalFiles            int        `json:"total_files"`
	TotalChunks           int        `json:"total_chunks"`
	IsDirty               bool       `json:"is_dirty"`
	IsSyncing             bool       `json:"is_syncing"`
	VectorSearch          bool       `json:"vector_search"`
	KeywordSearch         bool       `json:"keyword_search"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty"`
}

// Config holds knowledge base configuration
type Config struct {
	// Dir holds the markdown and text documents.
	Dir string
	// DBPath of the SQLite index. Defaults to Dir/.knowledge.db.
	DBPath string
	// Embedder is optional; without it only keyword search is used.
	Embedder     Embedder
	NumDocuments int
	// Watch starts an fsnotify watcher that marks the index dirty on changes.
	Watch    bool
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// Base indexes a directory of documents and answers hybrid searches over it.
type Base struct {
	db           *sql.DB
	dir          string
	embedder     Embedder
	numDocuments int
	logger       zerolog.Logger
	watcher      *FileWatcher
	keyword      bool

	mu        sync.RWMutex
	dirty     bool
	syncing   bool
	lastSync  *time.Time
	closeOnce sync.Once

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// NewBase opens the index and, when cfg.Watch is set, starts watching Dir.
func NewBase(cfg Config) (*Base, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, errors.New("knowledge directory is required")
	}
	if err := EnsureDir(cfg.Dir); err != nil {
		return nil, err
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Dir, DefaultDBName)
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	logger := log.Logger.With().Str("component", "knowledge").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	numDocuments := cfg.NumDocuments
	if numDocuments <= 0 {
		numDocuments = DefaultNumDocuments
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	b := &Base{
		db:           db,
		dir:          cfg.Dir,
		embedder:     cfg.Embedder,
		numDocuments: numDocuments,
		logger:       logger,
		dirty:        true,
	}

	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Watch {
		watcher, err := NewFileWatcher(logger, cfg.Debounce, b.MarkDirty)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.Watch(cfg.Dir); err != nil {
			watcher.Stop()
			db.Close()
			return nil, fmt.Errorf("failed to watch knowledge directory: %w", err)
		}
		b.watcher = watcher
	}

	b.logger.Debug().Str("dir", cfg.Dir).Bool("vector", b.embedder != nil).Bool("keyword", b.keyword).Msg("Knowledge base opened")
	return b, nil
}

func (b *Base) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			heading TEXT,
			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON embedding_cache(created_at);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 is only compiled in with the sqlite_fts5 build tag.
	if _, err := b.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`); err != nil {
		b.logger.Warn().Err(err).Msg("FTS5 unavailable, keyword search disabled")
	} else {
		b.keyword = true
	}

	if b.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, b.embedder.Dimension())
		if _, err := b.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	if !b.keyword && b.embedder == nil {
		b.logger.Warn().Msg("No embedder and no FTS5, knowledge search is disabled until one is available")
	}
	return nil
}

// Dir returns the document directory.
func (b *Base) Dir() string {
	return b.dir
}

// NumDocuments returns the default result count.
func (b *Base) NumDocuments() int {
	return b.numDocuments
}

// Search performs hybrid search (vector + keyword). A dirty index is synced
// first. opts may be nil.
func (b *Base) Search(ctx context.Context, query string, opts *SearchOptions) ([]Document, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.knowledge", "knowledge.search", attribute.String("query", query))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, b.logger)
	start := time.Now()
	defer func() { observability.RecordKnowledgeSearch(time.Since(start)) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []Document{}, nil
	}

	o := SearchOptions{Limit: b.numDocuments, VectorWeight: 0.7, KeywordWeight: 0.3}
	if opts != nil {
		if opts.Limit > 0 {
			o.Limit = opts.Limit
		}
		if opts.VectorWeight > 0 || opts.KeywordWeight > 0 {
			o.VectorWeight = opts.VectorWeight
			o.KeywordWeight = opts.KeywordWeight
		}
		o.MinScore = opts.MinScore
	}

	if b.embedder == nil && !b.keyword {
		return nil, tracing.Fail(span, ErrSearchUnavailable)
	}

	if b.IsDirty() {
		if err := b.Load(ctx, false); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var vectorResults []vectorSearchResult
	var keywordResults []keywordSearchResult
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	if b.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorResults, vectorErr = b.vectorSearch(ctx, query, candidateLimit)
		}()
	}
	if b.keyword {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keywordResults, keywordErr = b.keywordSearch(ctx, query, candidateLimit)
		}()
	}
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	vectorFailed := b.embedder == nil || vectorErr != nil
	keywordFailed := !b.keyword || keywordErr != nil
	if vectorFailed && keywordFailed {
		err := errors.Join(vectorErr, keywordErr)
		if err == nil {
			err = ErrSearchUnavailable
		}
		return nil, tracing.Fail(span, fmt.Errorf("both search methods failed: %w", err))
	}

	results := b.mergeResults(ctx, vectorResults, keywordResults, o)
	if len(results) > o.Limit {
		results = results[:o.Limit]
	}

	span.SetAttributes(attribute.Int("knowledge.results", len(results)))
	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

type vectorSearchResult struct {
	chunkID    string
	similarity float64 // cosine similarity (-1 to 1)
}

type keywordSearchResult struct {
	chunkID   string
	bm25Score float64
}

func (b *Base) vectorSearch(ctx context.Context, query string, limit int) ([]vectorSearchResult, error) {
	embedding, err := b.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vectorSearchResult
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		// cosine distance is in [0, 2]
		results = append(results, vectorSearchResult{chunkID: chunkID, similarity: 1.0 - distance})
	}
	return results, rows.Err()
}

func (b *Base) keywordSearch(ctx context.Context, query string, limit int) ([]keywordSearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []keywordSearchResult
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// bm25 is negative; lower is better
		results = append(results, keywordSearchResult{chunkID: chunkID, bm25Score: -score})
	}
	return results, rows.Err()
}

// ftsQuery turns free text into an FTS5 query matching any of its terms.
// Terms are quoted so punctuation in questions cannot break the syntax.
func ftsQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

func (b *Base) mergeResults(ctx context.Context, vectorResults []vectorSearchResult, keywordResults []keywordSearchResult, opts SearchOptions) []Document {
	vectorMap := make(map[string]float64, len(vectorResults))
	keywordMap := make(map[string]float64, len(keywordResults))

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.chunkID] = r.similarity
	}
	for _, r := range keywordResults {
		keywordMap[r.chunkID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	type scoredResult struct {
		chunkID      string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	ids := make(map[string]struct{}, len(vectorMap)+len(keywordMap))
	for id := range vectorMap {
		ids[id] = struct{}{}
	}
	for id := range keywordMap {
		ids[id] = struct{}{}
	}

	scored := make([]scoredResult, 0, len(ids))
	for chunkID := range ids {
		var s scoredResult
		s.chunkID = chunkID

		if v, ok := vectorMap[chunkID]; ok {
			nv := (v + 1) / 2
			s.vectorScore = &nv
			s.score += nv * opts.VectorWeight
		}
		if k, ok := keywordMap[chunkID]; ok {
			var nk float64
			if maxKeyword > 0 {
				nk = k / maxKeyword
			}
			s.keywordScore = &nk
			s.score += nk * opts.KeywordWeight
		}

		if opts.MinScore > 0 && s.score < opts.MinScore {
			continue
		}
		scored = append(scored, s)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return scored[i].chunkID < scored[j].chunkID
		}
		return scored[i].score > scored[j].score
	})

	results := make([]Document, 0, len(scored))
	for _, s := range scored {
		if len(results) >= opts.Limit {
			break
		}
		var content, path string
		var seq int
		err := b.db.QueryRowContext(ctx, `
			SELECT c.content, c.seq, f.path
			FROM chunks c
			JOIN files f ON c.file_id = f.id
			WHERE c.id = ?
		`, s.chunkID).Scan(&content, &seq, &path)
		if err != nil {
			b.logger.Warn().Err(err).Str("chunk_id", s.chunkID).Msg("Failed to fetch chunk details")
			continue
		}

		meta := map[string]interface{}{"chunk": seq}
		if s.vectorScore != nil {
			meta["vector_score"] = *s.vectorScore
		}
		if s.keywordScore != nil {
			meta["keyword_score"] = *s.keywordScore
		}
		results = append(results, Document{
			ID:      s.chunkID,
			Name:    filepath.ToSlash(path),
			Content: content,
			Score:   s.score,
			Meta:    meta,
		})
	}
	return results
}

// Load indexes the knowledge directory. Unchanged files are skipped unless
// recreate is set, in which case the index is rebuilt from scratch.
func (b *Base) Load(ctx context.Context, recreate bool) error {
	ctx, span := tracing.StartSpan(ctx, "mnemo.knowledge", "knowledge.load", attribute.Bool("recreate", recreate))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, b.logger)

	b.mu.Lock()
	if b.syncing {
		b.mu.Unlock()
		return tracing.Fail(span, ErrSyncInProgress)
	}
	b.syncing = true
	b.dirty = false
	b.mu.Unlock()

	succeeded := false
	defer func() {
		b.mu.Lock()
		b.syncing = false
		if succeeded {
			now := time.Now()
			b.lastSync = &now
		} else {
			b.dirty = true
		}
		b.mu.Unlock()
	}()

	start := time.Now()
	defer func() { observability.RecordKnowledgeSync(time.Since(start)) }()

	if recreate {
		if err := b.truncate(ctx); err != nil {
			return tracing.Fail(span, fmt.Errorf("failed to reset index: %w", err))
		}
	}

	var docs []string
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != b.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsDocument(d.Name()) {
			rel, err := filepath.Rel(b.dir, path)
			if err != nil {
				return err
			}
			docs = append(docs, rel)
		}
		return nil
	})
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to walk knowledge directory: %w", err))
	}

	filesIndexed, filesSkipped, chunksCreated := 0, 0, 0
	var failed []error
	for _, rel := range docs {
		if err := ctx.Err(); err != nil {
			return tracing.Fail(span, err)
		}
		indexed, chunks, err := b.indexFile(ctx, filepath.Join(b.dir, rel), rel)
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to index file")
			span.RecordError(err)
			failed = append(failed, err)
			continue
		}
		if indexed {
			filesIndexed++
			chunksCreated += chunks
		} else {
			filesSkipped++
		}
	}

	pruned, err := b.pruneDeletedFiles(ctx, docs)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
		span.RecordError(err)
		failed = append(failed, err)
	}

	logger.Info().
		Int("files_indexed", filesIndexed).
		Int("files_skipped", filesSkipped).
		Int("chunks_created", chunksCreated).
		Int("files_pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")

	observability.SetKnowledgeChunks(b.countChunks(ctx))
	succeeded = len(failed) == 0
	if !succeeded {
		return fmt.Errorf("failed to index %d item(s): %w", len(failed), errors.Join(failed...))
	}
	return nil
}

func (b *Base) truncate(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{"DELETE FROM chunks", "DELETE FROM files"}
	if b.keyword {
		stmts = append(stmts, "DELETE FROM chunks_fts")
	}
	if b.embedder != nil {
		stmts = append(stmts, "DELETE FROM embeddings")
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// removeFile deletes a file row along with its chunks and their FTS and
// vector entries, which are not covered by the foreign key cascade.
func (b *Base) removeFile(ctx context.Context, tx *sql.Tx, relPath string) error {
	sub := "SELECT c.id FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.path = ?"
	if b.keyword {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE chunk_id IN ("+sub+")", relPath); err != nil {
			return err
		}
	}
	if b.embedder != nil {
		ids, err := chunkIDs(ctx, tx, sub, relPath)
		if err != nil {
			return err
		}
		// vec0 tables do not support subqueries in DELETE.
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)", relPath); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", relPath)
	return err
}

func chunkIDs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Base) indexFile(ctx context.Context, fullPath, relPath string) (bool, int, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return false, 0, err
	}
	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err = b.db.QueryRowContext(ctx, "SELECT content_hash FROM files WHERE path = ?", relPath).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	chunks := chunkContent(string(content))

	// Embeddings are computed before the transaction so a slow embedder does
	// not hold the write lock.
	var vectors [][]float32
	if b.embedder != nil && len(chunks) > 0 {
		vectors, err = b.embedChunks(ctx, chunks)
		if err != nil {
			b.logger.Warn().Err(err).Str("file", relPath).Msg("Failed to embed chunks, indexing keywords only")
			vectors = nil
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := b.removeFile(ctx, tx, relPath); err != nil {
		return false, 0, err
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		relPath, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, 0, err
	}
	fileID, err := result.LastInsertId()
	if err != nil {
		return false, 0, err
	}

	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#%d", filepath.ToSlash(relPath), i)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, file_id, seq, content, start_offset, end_offset, heading) VALUES (?, ?, ?, ?, ?, ?, ?)",
			chunkID, fileID, i, c.content, c.startOffset, c.endOffset, c.heading,
		); err != nil {
			return false, 0, err
		}
		if b.keyword {
			if _, err := tx.ExecContext(ctx, "INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)", chunkID, c.content); err != nil {
				return false, 0, err
			}
		}
		if vectors != nil {
			embeddingJSON, err := json.Marshal(vectors[i])
			if err != nil {
				return false, 0, fmt.Errorf("failed to marshal embedding: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)", chunkID, string(embeddingJSON)); err != nil {
				return false, 0, fmt.Errorf("failed to store embedding in vector table: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

// embedChunks returns one embedding per chunk, reusing cached vectors for
// content seen before and embedding the rest in one batch.
func (b *Base) embedChunks(ctx context.Context, chunks []chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	hashes := make([]string, len(chunks))
	var missing []int

	for i, c := range chunks {
		sum := sha256.Sum256([]byte(c.content))
		hashes[i] = hex.EncodeToString(sum[:])

		var cached []byte
		err := b.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ? AND dimension = ?", hashes[i], b.embedder.Dimension()).Scan(&cached)
		if err == nil {
			var vec []float32
			if err := json.Unmarshal(cached, &vec); err == nil {
				b.cacheHits.Add(1)
				vectors[i] = vec
				continue
			}
		}
		b.cacheMisses.Add(1)
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = chunks[i].content
	}
	generated, err := b.embedder.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(generated) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(generated), len(missing))
	}

	for j, i := range missing {
		vectors[i] = generated[j]
		data, err := json.Marshal(generated[j])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := b.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			hashes[i], data, len(generated[j]), time.Now().Unix(),
		); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to cache embedding")
		}
	}
	return vectors, nil
}

func (b *Base) pruneDeletedFiles(ctx context.Context, existing []string) (int, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(existing))
	for _, f := range existing {
		keep[f] = true
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, path := range stale {
		if err := b.removeFile(ctx, tx, path); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// AddDocument writes content to a document file under the knowledge
// directory and marks the index dirty. A name without an indexed extension
// gets ".md". Existing documents are overwritten.
func (b *Base) AddDocument(ctx context.Context, name, content string) (*Document, error) {
	_, span := tracing.StartSpan(ctx, "mnemo.knowledge", "knowledge.add_document", attribute.String("name", name))
	defer span.End()

	rel, err := documentName(name)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, tracing.Fail(span, errors.New("document content is required"))
	}
	fullPath, err := DocumentPath(b.dir, rel)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to create directory: %w", err))
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to write document: %w", err))
	}

	b.MarkDirty()
	return &Document{
		ID:      filepath.ToSlash(rel),
		Name:    filepath.ToSlash(rel),
		Content: content,
		Meta:    map[string]interface{}{"bytes": len(content)},
	}, nil
}

func (b *Base) countChunks(ctx context.Context) int {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to count chunks")
	}
	return n
}

// Status returns current index status
func (b *Base) Status() Status {
	b.mu.RLock()
	status := Status{
		IsDirty:       b.dirty,
		IsSyncing:     b.syncing,
		VectorSearch:  b.embedder != nil,
		KeywordSearch: b.keyword,
	}
	if b.lastSync != nil {
		t := *b.lastSync
		status.LastSyncTime = &t
	}
	b.mu.RUnlock()

	_ = b.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&status.TotalFiles)
	_ = b.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&status.TotalChunks)

	hits, misses := b.cacheHits.Load(), b.cacheMisses.Load()
	if total := hits + misses; total > 0 {
		rate := float64(hits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	return status
}

// IsDirty reports whether the index needs a sync.
func (b *Base) IsDirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty
}

// MarkDirty marks the index as needing sync
func (b *Base) MarkDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = true
}

// Close stops the watcher and closes the index. Safe to call twice.
func (b *Base) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.watcher != nil {
			if werr := b.watcher.Stop(); werr != nil {
				b.logger.Warn().Err(werr).Msg("Failed to stop file watcher")
			}
		}
		err = b.db.Close()
	})
	return err
}
