// Package index owns per-tenant vector indexes and their encrypted metadata
// side tables.
//
// Each tenant's state persists as a pair of artifacts under
// <data_dir>/<tenant_id>/: an opaque index export (index.gob) and an
// encrypted JSON metadata table (metadata.enc). The two are kept in
// lock-step: every index entry has a metadata row, and both files are
// written temp-then-rename on every mutation.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const (
	indexFile    = "index.gob"
	metadataFile = "metadata.enc"

	collectionName = "docs"

	// previewLength bounds the content preview stored in the metadata table.
	previewLength = 200

	// seedDocID identifies the placeholder document inserted into every new
	// collection so similarity search never runs against an empty structure.
	// It is filtered out of all search results.
	seedDocID = "__seed__"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidTenant is returned for tenant IDs unusable as directory names.
	ErrInvalidTenant = errors.New("invalid tenant id")
)

// CorruptError reports a mismatch between the persisted vector index and
// metadata table that exceeds the configured tolerance.
type CorruptError struct {
	TenantID      string
	IndexCount    int
	MetadataCount int
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("storage corrupt for tenant %s: index has %d entries, metadata has %d",
		e.TenantID, e.IndexCount, e.MetadataCount)
}

// Embedder converts text to a fixed-length vector. Precondition: the model
// must produce normalized vectors so cosine similarities land in [0, 1].
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// Chunk is an immutable span of already-decoded source text, the unit of
// retrieval. Raw file parsing happens upstream.
type Chunk struct {
	Content  string
	Source   string
	Metadata map[string]string
}

// DocumentMeta is the metadata table row kept for each indexed chunk.
type DocumentMeta struct {
	ContentPreview  string            `json:"content_preview"`
	Metadata        map[string]string `json:"metadata"`
	EmbeddingsModel string            `json:"embeddings_model"`
}

// SearchResult is a similarity-search hit.
type SearchResult struct {
	DocID      string
	Content    string
	Source     string
	Similarity float32
	Metadata   map[string]string
}

// Config holds the process-wide dependencies shared by all tenant stores.
type Config struct {
	DataDir  string
	Cipher   Cipher
	Embedder Embedder
	Compress bool
	// CorruptTolerance bounds the allowed drift between index entry count
	// and metadata rows on load. Deletions persist both structures, so the
	// default of 0 is correct unless an operator has hand-edited artifacts.
	CorruptTolerance int
	Logger           *slog.Logger
}

// Store owns exactly one tenant's vector index and metadata table.
//
// Mutations (AddChunks, RemoveDocument, Rebuild) serialize on an internal
// mutex around the in-memory update and the persist step, so two writers
// never interleave their artifact pairs. Search only holds the mutex long
// enough to snapshot the collection handle.
type Store struct {
	tenantID string
	dir      string
	cfg      Config
	logger   *slog.Logger

	mu   sync.Mutex
	db   *chromem.DB
	coll *chromem.Collection
	meta map[string]DocumentMeta
}

// Load opens a tenant's persisted store, or creates an empty one seeded
// with a single placeholder vector if nothing is persisted yet.
func Load(ctx context.Context, tenantID string, cfg Config) (*Store, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		tenantID: tenantID,
		dir:      filepath.Join(cfg.DataDir, tenantID),
		cfg:      cfg,
		logger:   cfg.Logger.With("tenant_id", tenantID),
		meta:     make(map[string]DocumentMeta),
	}

	indexPath := filepath.Join(s.dir, indexFile)
	if _, err := os.Stat(indexPath); err == nil {
		if err := s.loadPersisted(indexPath); err != nil {
			return nil, err
		}
		s.logger.Info("loaded tenant index", "documents", len(s.meta))
		return s, nil
	}

	if err := s.createEmpty(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("created tenant index")
	return s, nil
}

func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenant)
	}
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
		}
	}
	return nil
}

func (s *Store) loadPersisted(indexPath string) error {
	db := chromem.NewDB()
	if err := db.ImportFromFile(indexPath, ""); err != nil {
		return fmt.Errorf("importing index: %w", err)
	}

	coll := db.GetCollection(collectionName, s.embeddingFunc())
	if coll == nil {
		return &CorruptError{TenantID: s.tenantID, IndexCount: 0, MetadataCount: len(s.meta)}
	}

	meta := make(map[string]DocumentMeta)
	metaPath := filepath.Join(s.dir, metadataFile)
	if blob, err := os.ReadFile(metaPath); err == nil {
		plaintext, err := s.cfg.Cipher.Decrypt(blob)
		if err != nil {
			return fmt.Errorf("decrypting metadata: %w", err)
		}
		if err := json.Unmarshal(plaintext, &meta); err != nil {
			return fmt.Errorf("parsing metadata: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading metadata: %w", err)
	}

	// Every entry except the seed placeholder must have a metadata row.
	indexed := coll.Count() - 1
	if diff := indexed - len(meta); diff > s.cfg.CorruptTolerance || -diff > s.cfg.CorruptTolerance {
		return &CorruptError{TenantID: s.tenantID, IndexCount: indexed, MetadataCount: len(meta)}
	}

	s.db = db
	s.coll = coll
	s.meta = meta
	return nil
}

func (s *Store) createEmpty(ctx context.Context) error {
	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}

	if err := coll.AddDocument(ctx, seedDocument(s.tenantID)); err != nil {
		return fmt.Errorf("seeding collection: %w", err)
	}

	s.db = db
	s.coll = coll

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func seedDocument(tenantID string) chromem.Document {
	return chromem.Document{
		ID:      seedDocID,
		Content: "initial document",
		Metadata: map[string]string{
			"source":    "system",
			"tenant_id": tenantID,
			"seed":      "true",
		},
	}
}

// embeddingFunc delegates vector generation to the embedding provider. The
// LLM chat client is never involved in embedding.
func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.cfg.Embedder.Embed(ctx, text)
	}
}

// TenantID returns the tenant this store belongs to.
func (s *Store) TenantID() string {
	return s.tenantID
}

// Documents returns a copy of the metadata table.
func (s *Store) Documents() map[string]DocumentMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]DocumentMeta, len(s.meta))
	for id, m := range s.meta {
		out[id] = m
	}
	return out
}

// AddChunks indexes the given chunks and persists both the vector index and
// the metadata table atomically. Either both structures are updated and
// persisted or neither is: on failure the in-memory state rolls back to the
// pre-call snapshot. It returns the generated document IDs in chunk order.
func (s *Store) AddChunks(ctx context.Context, chunks []Chunk, extra map[string]string) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]DocumentMeta, len(s.meta))
	for id, m := range s.meta {
		snapshot[id] = m
	}

	docs := make([]chromem.Document, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		now := time.Now().UTC()
		docID := s.makeDocID(now, chunk.Content, ids)

		md := make(map[string]string, len(chunk.Metadata)+len(extra)+6)
		for k, v := range chunk.Metadata {
			md[k] = v
		}
		for k, v := range extra {
			md[k] = v
		}
		md["tenant_id"] = s.tenantID
		md["doc_id"] = docID
		md["source"] = chunk.Source
		md["indexed_at"] = now.Format(time.RFC3339Nano)
		md["char_count"] = strconv.Itoa(len(chunk.Content))
		md["word_count"] = strconv.Itoa(len(strings.Fields(chunk.Content)))

		docs = append(docs, chromem.Document{
			ID:       docID,
			Content:  chunk.Content,
			Metadata: md,
		})
		ids = append(ids, docID)

		s.meta[docID] = DocumentMeta{
			ContentPreview:  preview(chunk.Content),
			Metadata:        md,
			EmbeddingsModel: s.cfg.Embedder.ModelName(),
		}
	}

	rollback := func() {
		for _, id := range ids {
			_ = s.coll.Delete(ctx, nil, nil, id)
		}
		s.meta = snapshot
	}

	if err := s.coll.AddDocuments(ctx, docs, 4); err != nil {
		rollback()
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	if err := s.persistLocked(); err != nil {
		rollback()
		return nil, err
	}

	s.logger.Info("added chunks", "count", len(chunks))
	return ids, nil
}

// makeDocID derives a stable, unique document ID from the tenant, the
// ingestion timestamp, and a content hash.
func (s *Store) makeDocID(t time.Time, content string, batch []string) string {
	sum := sha256.Sum256([]byte(content))
	base := fmt.Sprintf("%s_%s_%s", s.tenantID, t.Format(time.RFC3339Nano), hex.EncodeToString(sum[:6]))

	id := base
	for n := 1; s.taken(id, batch); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

func (s *Store) taken(id string, batch []string) bool {
	if _, ok := s.meta[id]; ok {
		return true
	}
	for _, b := range batch {
		if b == id {
			return true
		}
	}
	return false
}

func preview(content string) string {
	if len(content) <= previewLength {
		return content
	}
	return content[:previewLength]
}

// RemoveDocument removes a document's metadata row and its vector. The
// underlying index supports point deletion, so no rebuild is needed to
// reclaim the entry.
func (s *Store) RemoveDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meta[docID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}

	if err := s.coll.Delete(ctx, nil, nil, docID); err != nil {
		return fmt.Errorf("deleting vector: %w", err)
	}
	delete(s.meta, docID)

	if err := s.persistLocked(); err != nil {
		return err
	}

	s.logger.Info("removed document", "doc_id", docID)
	return nil
}

// Rebuild replaces the entire vector index and metadata table from a fresh
// chunk set. Document IDs are derived from the tenant and a content hash,
// not the clock, so rebuilding from the same chunks yields the same IDs.
func (s *Store) Rebuild(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	if err := coll.AddDocument(ctx, seedDocument(s.tenantID)); err != nil {
		return fmt.Errorf("seeding collection: %w", err)
	}

	meta := make(map[string]DocumentMeta, len(chunks))
	docs := make([]chromem.Document, 0, len(chunks))
	for _, chunk := range chunks {
		now := time.Now().UTC()
		docID := s.rebuildDocID(chunk.Content, meta)

		md := make(map[string]string, len(chunk.Metadata)+6)
		for k, v := range chunk.Metadata {
			md[k] = v
		}
		md["tenant_id"] = s.tenantID
		md["doc_id"] = docID
		md["source"] = chunk.Source
		md["indexed_at"] = now.Format(time.RFC3339Nano)
		md["char_count"] = strconv.Itoa(len(chunk.Content))
		md["word_count"] = strconv.Itoa(len(strings.Fields(chunk.Content)))

		docs = append(docs, chromem.Document{ID: docID, Content: chunk.Content, Metadata: md})
		meta[docID] = DocumentMeta{
			ContentPreview:  preview(chunk.Content),
			Metadata:        md,
			EmbeddingsModel: s.cfg.Embedder.ModelName(),
		}
	}

	if len(docs) > 0 {
		if err := coll.AddDocuments(ctx, docs, 4); err != nil {
			return fmt.Errorf("adding documents: %w", err)
		}
	}

	oldDB, oldColl, oldMeta := s.db, s.coll, s.meta
	s.db, s.coll, s.meta = db, coll, meta

	if err := s.persistLocked(); err != nil {
		s.db, s.coll, s.meta = oldDB, oldColl, oldMeta
		return err
	}

	s.logger.Info("rebuilt index", "documents", len(meta))
	return nil
}

// rebuildDocID derives a deterministic ID from the tenant and a content
// hash. Duplicate contents get ordinal suffixes in chunk order, so the
// full ID set is a function of the input chunk sequence alone.
func (s *Store) rebuildDocID(content string, meta map[string]DocumentMeta) string {
	sum := sha256.Sum256([]byte(content))
	base := fmt.Sprintf("%s_%s", s.tenantID, hex.EncodeToString(sum[:6]))

	id := base
	for n := 1; ; n++ {
		if _, ok := meta[id]; !ok {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Search returns the top-n documents by embedding similarity to the query.
// The seed placeholder is filtered out, and n is capped at the number of
// indexed documents.
func (s *Store) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	coll := s.coll
	s.mu.Unlock()

	count := coll.Count()
	if count <= 1 {
		// Only the seed placeholder is present.
		return nil, nil
	}

	// Ask for one extra so the seed never crowds out a real document.
	ask := n + 1
	if ask > count {
		ask = count
	}

	hits, err := coll.Query(ctx, query, ask, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		if hit.ID == seedDocID || hit.Metadata["seed"] == "true" {
			continue
		}
		results = append(results, SearchResult{
			DocID:      hit.ID,
			Content:    hit.Content,
			Source:     hit.Metadata["source"],
			Similarity: hit.Similarity,
			Metadata:   hit.Metadata,
		})
	}
	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// persistLocked writes both artifacts temp-then-rename. Callers must hold
// the store mutex. Both temp files are written before either rename so a
// failure in the write phase leaves the persisted pair untouched.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating tenant directory: %w", err)
	}

	indexPath := filepath.Join(s.dir, indexFile)
	indexTmp := indexPath + ".tmp"
	if err := s.db.ExportToFile(indexTmp, s.cfg.Compress, ""); err != nil {
		return fmt.Errorf("exporting index: %w", err)
	}

	plaintext, err := json.Marshal(s.meta)
	if err != nil {
		os.Remove(indexTmp)
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	blob, err := s.cfg.Cipher.Encrypt(plaintext)
	if err != nil {
		os.Remove(indexTmp)
		return fmt.Errorf("encrypting metadata: %w", err)
	}

	metaPath := filepath.Join(s.dir, metadataFile)
	metaTmp := metaPath + ".tmp"
	if err := os.WriteFile(metaTmp, blob, 0o600); err != nil {
		os.Remove(indexTmp)
		return fmt.Errorf("writing metadata: %w", err)
	}

	if err := os.Rename(indexTmp, indexPath); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("replacing index: %w", err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		return fmt.Errorf("replacing metadata: %w", err)
	}
	return nil
}
