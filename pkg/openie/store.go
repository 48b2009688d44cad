package openie

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dan-solli/hipporag/pkg/hashutil"
)

// DocRecord is one persisted OpenIE result, keyed by its passage's content
// hash (the "idx" field, recomputed from the passage on every load as a
// repair step per spec §4.4).
type DocRecord struct {
	Idx               string      `json:"idx"`
	Passage           string      `json:"passage"`
	ExtractedEntities []string    `json:"extracted_entities"`
	ExtractedTriples  [][3]string `json:"extracted_triples"`
}

// fileFormat mirrors the persisted shape from spec §4.4.
type fileFormat struct {
	Docs         []DocRecord `json:"docs"`
	AvgEntChars  float64     `json:"avg_ent_chars"`
	AvgEntWords  float64     `json:"avg_ent_words"`
}

// Store persists { docs: [{idx, passage, extracted_entities,
// extracted_triples}], avg_ent_chars, avg_ent_words } for one working
// directory, keyed by chunk id.
type Store struct {
	path string
	docs map[string]DocRecord // idx -> record, insertion order not significant on disk
	order []string
}

// Open loads (or initializes) the OpenIE result store at path. Every
// entry's idx is recomputed from its passage hash: because passages are
// content-addressed, a stale idx on disk is repaired transparently.
func Open(path string) (*Store, error) {
	s := &Store{path: path, docs: make(map[string]DocRecord)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("openie: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("openie: parse %s: %w", path, err)
	}
	for _, rec := range ff.Docs {
		rec.Idx = hashutil.ChunkID(rec.Passage)
		s.docs[rec.Idx] = rec
		s.order = append(s.order, rec.Idx)
	}
	return s, nil
}

// Lookup returns the cached record for a chunk id, if present.
func (s *Store) Lookup(chunkID string) (DocRecord, bool) {
	rec, ok := s.docs[chunkID]
	return rec, ok
}

// Partition splits the given chunk ids (with their passage text) into
// those already cached and those needing extraction.
func (s *Store) Partition(chunkTexts map[string]string) (cached map[string]DocRecord, toExtract map[string]string) {
	cached = make(map[string]DocRecord)
	toExtract = make(map[string]string)
	for id, text := range chunkTexts {
		if rec, ok := s.docs[id]; ok {
			cached[id] = rec
		} else {
			toExtract[id] = text
		}
	}
	return cached, toExtract
}

// Put inserts or replaces a record and appends it to the persisted order
// if new.
func (s *Store) Put(rec DocRecord) {
	if _, exists := s.docs[rec.Idx]; !exists {
		s.order = append(s.order, rec.Idx)
	}
	s.docs[rec.Idx] = rec
}

// Delete removes records by chunk id, keeping the rest. Returns the kept
// set (used by the caller to persist only survivors).
func (s *Store) Delete(chunkIDs []string) {
	doomed := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		doomed[id] = true
	}
	newOrder := s.order[:0:0]
	for _, id := range s.order {
		if doomed[id] {
			delete(s.docs, id)
			continue
		}
		newOrder = append(newOrder, id)
	}
	s.order = newOrder
}

// Persist rewrites the whole file, recomputing avg_ent_chars/avg_ent_words
// over the current record set, and writes atomically.
func (s *Store) Persist() error {
	ff := fileFormat{}
	var totalChars, totalWords, totalEnts float64
	for _, id := range s.order {
		rec, ok := s.docs[id]
		if !ok {
			continue
		}
		ff.Docs = append(ff.Docs, rec)
		for _, ent := range rec.ExtractedEntities {
			totalChars += float64(len(ent))
			totalWords += float64(len(strings.Fields(ent)))
			totalEnts++
		}
	}
	if totalEnts > 0 {
		ff.AvgEntChars = totalChars / totalEnts
		ff.AvgEntWords = totalWords / totalEnts
	}

	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("openie: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("openie: mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("openie: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if werr := os.WriteFile(s.path, data, 0o644); werr != nil {
			return fmt.Errorf("openie: rename %s: %w (fallback write also failed: %v)", tmp, err, werr)
		}
		_ = os.Remove(tmp)
	}
	return nil
}
