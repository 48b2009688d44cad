// Package embedstore implements the namespaced, persistent embedding store
// described in spec §4.2: an ordered mapping hash_id -> (content, vector)
// plus the reverse mapping content -> hash_id, backed by a single JSON file
// per namespace (chunk/entity/fact).
package embedstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/dan-solli/hipporag/pkg/embeddings"
	"github.com/dan-solli/hipporag/pkg/hashutil"
)

// Row is one stored record: a piece of content and its embedding vector.
type Row struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding"`
}

// fileFormat is the on-disk JSON shape from spec §4.2: a single object with
// parallel arrays, preserving insertion order.
type fileFormat struct {
	HashIDs    []string    `json:"hashIds"`
	Texts      []string    `json:"texts"`
	Embeddings [][]float64 `json:"embeddings"`
}

// Backend persists a store's rows. The JSON-file format (the default used
// by New) and pkg/store's SQLite-backed format (selected via
// hipporag.Config.DBPath) both implement it.
type Backend interface {
	// Load returns the previously persisted rows, in insertion order, or
	// three empty slices if nothing has been persisted yet.
	Load() (ids, texts []string, embeddings [][]float64, err error)
	// Persist replaces the backend's contents with the given rows.
	Persist(ids, texts []string, embeddings [][]float64) error
}

// Store is a namespaced, persistent ordered collection of (hash_id,
// content, vector) rows. Not safe for concurrent use — the core is
// single-threaded with respect to its own state.
type Store struct {
	namespace string
	prefix    string
	client    embeddings.Client
	backend   Backend

	ids        []string
	texts      []string
	embeddings [][]float64

	idIndex      map[string]int
	contentIndex map[string]string
}

// New opens (or initializes) a store at path, hashing content with the
// given id prefix (e.g. "chunk-", "entity-", "fact-") via pkg/hashutil. The
// store persists as a single JSON file at path.
func New(namespace, path, prefix string, client embeddings.Client) (*Store, error) {
	return NewWithBackend(namespace, prefix, client, &jsonFileBackend{path: path})
}

// NewWithBackend opens a store using a caller-supplied persistence backend,
// e.g. pkg/store's SQLite-backed implementation.
func NewWithBackend(namespace, prefix string, client embeddings.Client, backend Backend) (*Store, error) {
	s := &Store{
		namespace:    namespace,
		prefix:       prefix,
		client:       client,
		backend:      backend,
		idIndex:      make(map[string]int),
		contentIndex: make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("embedstore %s: %w", namespace, err)
	}
	return s, nil
}

func (s *Store) load() error {
	ids, texts, embeddings, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	s.ids = ids
	s.texts = texts
	s.embeddings = embeddings
	s.rebuildIndexes()
	return nil
}

func (s *Store) rebuildIndexes() {
	s.idIndex = make(map[string]int, len(s.ids))
	s.contentIndex = make(map[string]string, len(s.ids))
	for i, id := range s.ids {
		s.idIndex[id] = i
		s.contentIndex[s.texts[i]] = id
	}
}

// persist writes the store's rows through its backend.
func (s *Store) persist() error {
	return s.backend.Persist(s.ids, s.texts, s.embeddings)
}

// jsonFileBackend is the default Backend: a single JSON file per namespace,
// written atomically (write-to-temp then rename).
type jsonFileBackend struct {
	path string
}

func (b *jsonFileBackend) Load() (ids, texts []string, embeddings [][]float64, err error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, nil, nil, fmt.Errorf("parse %s: %w", b.path, err)
	}
	return ff.HashIDs, ff.Texts, ff.Embeddings, nil
}

func (b *jsonFileBackend) Persist(ids, texts []string, embeddings [][]float64) error {
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	ff := fileFormat{HashIDs: ids, Texts: texts, Embeddings: embeddings}
	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		// Fall back to a direct write when atomic rename is unavailable
		// (e.g. cross-device temp dirs).
		if werr := os.WriteFile(b.path, data, 0o644); werr != nil {
			return fmt.Errorf("rename %s: %w (fallback write also failed: %v)", tmp, err, werr)
		}
		_ = os.Remove(tmp)
	}
	return nil
}

func (s *Store) hash(text string) string {
	return hashutil.Hash(text, s.prefix)
}

// Missing returns only the texts whose hash is not already stored, keyed
// by hash_id.
func (s *Store) Missing(texts []string) map[string]string {
	out := make(map[string]string)
	for _, t := range texts {
		id := s.hash(t)
		if _, ok := s.idIndex[id]; !ok {
			out[id] = t
		}
	}
	return out
}

// Insert adds texts to the store, encoding only the ones not already
// present. Blank texts are dropped with a warn count. Duplicate content
// within the batch collapses to one record. The whole file is rewritten
// and persisted atomically.
func (s *Store) Insert(ctx context.Context, texts []string) error {
	dropped := 0
	dedup := make(map[string]struct{})
	var ordered []string
	for _, t := range texts {
		if t == "" {
			dropped++
			continue
		}
		if _, ok := dedup[t]; ok {
			continue
		}
		dedup[t] = struct{}{}
		ordered = append(ordered, t)
	}
	if dropped > 0 {
		log.Printf("hipporag: embedstore %s: dropped %d blank text(s)", s.namespace, dropped)
	}

	var toEncode []string
	var toEncodeIDs []string
	for _, t := range ordered {
		id := s.hash(t)
		if _, ok := s.idIndex[id]; ok {
			continue
		}
		toEncode = append(toEncode, t)
		toEncodeIDs = append(toEncodeIDs, id)
	}
	if len(toEncode) == 0 {
		return nil
	}

	vecs, err := s.client.BatchEncode(ctx, toEncode, "", true)
	if err != nil {
		return fmt.Errorf("embedstore %s: encode batch: %w", s.namespace, err)
	}
	if len(vecs) != len(toEncode) {
		return fmt.Errorf("embedstore %s: embedding client returned %d vectors for %d inputs (data corruption risk)",
			s.namespace, len(vecs), len(toEncode))
	}

	for i, t := range toEncode {
		id := toEncodeIDs[i]
		s.ids = append(s.ids, id)
		s.texts = append(s.texts, t)
		s.embeddings = append(s.embeddings, vecs[i])
	}
	s.rebuildIndexes()
	return s.persist()
}

// AllIDs returns every hash_id in insertion order.
func (s *Store) AllIDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// AllTexts returns every stored text in insertion order.
func (s *Store) AllTexts() []string {
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// Row returns the record for a single id.
func (s *Store) Row(id string) (Row, bool) {
	idx, ok := s.idIndex[id]
	if !ok {
		return Row{}, false
	}
	return Row{ID: id, Content: s.texts[idx], Embedding: s.embeddings[idx]}, true
}

// Rows returns records for the given ids, in the same order; unknown ids
// are skipped.
func (s *Store) Rows(ids []string) []Row {
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.Row(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// Embedding returns the vector for a single id.
func (s *Store) Embedding(id string) ([]float64, bool) {
	idx, ok := s.idIndex[id]
	if !ok {
		return nil, false
	}
	return s.embeddings[idx], true
}

// Embeddings returns vectors for the given ids, in the same order; unknown
// ids are skipped.
func (s *Store) Embeddings(ids []string) [][]float64 {
	out := make([][]float64, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.Embedding(id); ok {
			out = append(out, v)
		}
	}
	return out
}

// IDForContent returns the hash_id already assigned to content, if any.
func (s *Store) IDForContent(content string) (string, bool) {
	id, ok := s.contentIndex[content]
	return id, ok
}

// Len reports the number of stored rows.
func (s *Store) Len() int {
	return len(s.ids)
}

// Delete removes rows by id. Unknown ids are ignored with a warning.
// Removal proceeds in descending index order so earlier removals don't
// shift the indices of ones still pending.
func (s *Store) Delete(ids []string) error {
	var idxs []int
	for _, id := range ids {
		idx, ok := s.idIndex[id]
		if !ok {
			log.Printf("hipporag: embedstore %s: delete: unknown id %q ignored", s.namespace, id)
			continue
		}
		idxs = append(idxs, idx)
	}
	if len(idxs) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.IntSlice(idxs)))
	for _, idx := range idxs {
		s.ids = append(s.ids[:idx], s.ids[idx+1:]...)
		s.texts = append(s.texts[:idx], s.texts[idx+1:]...)
		s.embeddings = append(s.embeddings[:idx], s.embeddings[idx+1:]...)
	}
	s.rebuildIndexes()
	return s.persist()
}
