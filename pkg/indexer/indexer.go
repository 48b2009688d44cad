// Package indexer implements the index/delete orchestration from spec
// §4.6: turning raw passages into chunk/entity/fact rows and the graph
// edges connecting them (triple edges, passage edges, synonymy edges).
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dan-solli/hipporag/pkg/embedstore"
	"github.com/dan-solli/hipporag/pkg/graph"
	"github.com/dan-solli/hipporag/pkg/hashutil"
	"github.com/dan-solli/hipporag/pkg/openie"
	"github.com/dan-solli/hipporag/pkg/vecmath"
)

// ErrOfflineOpenIE is returned by Index when OpenIEMode is "offline" and
// no pre_openie pass has populated the cache for the given docs.
var ErrOfflineOpenIE = errors.New("indexer: openie_mode is offline; run pre_openie(docs) first")

// Extractor is the OpenIE collaborator contract (spec §6's batch_openie).
type Extractor interface {
	BatchOpenIE(ctx context.Context, docs map[string]string) (map[string]openie.NerOut, map[string]openie.TripleOut, error)
}

// Config carries the indexer's tunable knobs, per spec §10.3 defaults.
type Config struct {
	OpenIEMode               string // "online" (default), "offline", "transformers-offline"
	SynonymyEdgeTopK         int    // default 100
	SynonymyEdgeSimThreshold float64
	GraphPath                string
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		OpenIEMode:               "online",
		SynonymyEdgeTopK:         100,
		SynonymyEdgeSimThreshold: 0.8,
	}
}

// Indexer owns the chunk/entity/fact embedding stores, the graph, and the
// OpenIE cache for one working directory, and implements index/delete.
type Indexer struct {
	cfg Config

	ChunkStore  *embedstore.Store
	EntityStore *embedstore.Store
	FactStore   *embedstore.Store
	Graph       *graph.SimpleGraph
	OpenIE      *openie.Store
	Extractor   Extractor
}

// New wires an Indexer from already-opened collaborators.
func New(cfg Config, chunks, entities, facts *embedstore.Store, g *graph.SimpleGraph, openieStore *openie.Store, extractor Extractor) *Indexer {
	return &Indexer{
		cfg:         cfg,
		ChunkStore:  chunks,
		EntityStore: entities,
		FactStore:   facts,
		Graph:       g,
		OpenIE:      openieStore,
		Extractor:   extractor,
	}
}

// PreOpenIE populates the OpenIE cache for docs without running the rest
// of Index — the "offline" OpenIE mode's required prerequisite pass.
func (ix *Indexer) PreOpenIE(ctx context.Context, docs []string) error {
	chunkTexts := make(map[string]string, len(docs))
	for _, d := range docs {
		chunkTexts[hashutil.ChunkID(d)] = d
	}
	_, toExtract := ix.OpenIE.Partition(chunkTexts)
	if len(toExtract) == 0 {
		return nil
	}
	ners, triples, err := ix.Extractor.BatchOpenIE(ctx, toExtract)
	if err != nil {
		return fmt.Errorf("indexer: pre_openie: %w", err)
	}
	for id, text := range toExtract {
		ix.OpenIE.Put(openie.DocRecord{
			Idx:               id,
			Passage:           text,
			ExtractedEntities: ners[id].UniqueEntities,
			ExtractedTriples:  triples[id].Triples,
		})
	}
	return ix.OpenIE.Persist()
}

// Index runs the full pipeline from spec §4.6 over a batch of raw
// passages: insert into the chunk store, extract (or reuse cached)
// OpenIE, build entity/fact rows, and wire triple/passage/synonymy edges
// into the graph.
func (ix *Indexer) Index(ctx context.Context, docs []string) error {
	if ix.cfg.OpenIEMode == "offline" {
		chunkTexts := make(map[string]string, len(docs))
		for _, d := range docs {
			chunkTexts[hashutil.ChunkID(d)] = d
		}
		_, toExtract := ix.OpenIE.Partition(chunkTexts)
		if len(toExtract) > 0 {
			return ErrOfflineOpenIE
		}
	}

	if err := ix.ChunkStore.Insert(ctx, docs); err != nil {
		return fmt.Errorf("indexer: insert chunks: %w", err)
	}

	chunkTexts := make(map[string]string, len(docs))
	chunkIDs := make([]string, 0, len(docs))
	seenChunk := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d == "" {
			continue
		}
		id := hashutil.ChunkID(d)
		chunkTexts[id] = d
		if !seenChunk[id] {
			seenChunk[id] = true
			chunkIDs = append(chunkIDs, id)
		}
	}

	cached, toExtract := ix.OpenIE.Partition(chunkTexts)

	var ners map[string]openie.NerOut
	var triples map[string]openie.TripleOut
	if len(toExtract) > 0 {
		if ix.cfg.OpenIEMode == "offline" {
			return ErrOfflineOpenIE
		}
		var err error
		ners, triples, err = ix.Extractor.BatchOpenIE(ctx, toExtract)
		if err != nil {
			return fmt.Errorf("indexer: openie extraction: %w", err)
		}
		for id, text := range toExtract {
			ix.OpenIE.Put(openie.DocRecord{
				Idx:               id,
				Passage:           text,
				ExtractedEntities: ners[id].UniqueEntities,
				ExtractedTriples:  triples[id].Triples,
			})
		}
		if err := ix.OpenIE.Persist(); err != nil {
			return fmt.Errorf("indexer: persist openie cache: %w", err)
		}
	}

	// Reformat into a uniform per-chunk raw-triples view covering both
	// cached and freshly-extracted chunks.
	rawTriples := make(map[string][][3]string, len(chunkIDs))
	for _, id := range chunkIDs {
		if rec, ok := cached[id]; ok {
			rawTriples[id] = rec.ExtractedTriples
			continue
		}
		rawTriples[id] = triples[id].Triples
	}
	if len(rawTriples) != len(chunkIDs) {
		return fmt.Errorf("indexer: invariant violated: %d chunk ids but %d triple results", len(chunkIDs), len(rawTriples))
	}

	newChunkIDs := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, exists := ix.Graph.VertexIndex(id); !exists {
			newChunkIDs = append(newChunkIDs, id)
		}
	}

	// Step 5-6: process triples, collect entity strings and fact strings.
	processedByChunk := make(map[string][][3]string, len(chunkIDs))
	var allEntities []string
	var allFacts []string
	entitySeen := make(map[string]bool)
	factSeen := make(map[string]bool)
	for _, id := range chunkIDs {
		kept := openie.FilterInvalidTriples(rawTriples[id])
		processed := make([][3]string, 0, len(kept))
		for _, t := range kept {
			p := openie.ProcessTriple(t)
			processed = append(processed, p)
			for _, ent := range []string{p[0], p[2]} {
				if ent == "" {
					continue
				}
				if !entitySeen[ent] {
					entitySeen[ent] = true
					allEntities = append(allEntities, ent)
				}
			}
			factStr := strings.Join(p[:], "|")
			if !factSeen[factStr] {
				factSeen[factStr] = true
				allFacts = append(allFacts, factStr)
			}
		}
		processedByChunk[id] = processed
	}

	if err := ix.EntityStore.Insert(ctx, allEntities); err != nil {
		return fmt.Errorf("indexer: insert entities: %w", err)
	}
	if err := ix.FactStore.Insert(ctx, allFacts); err != nil {
		return fmt.Errorf("indexer: insert facts: %w", err)
	}

	// Step 7: triple edges + passage edges, only for new chunks.
	type edgeKey struct{ from, to string }
	weights := make(map[edgeKey]float64)

	newChunkSet := make(map[string]bool, len(newChunkIDs))
	for _, id := range newChunkIDs {
		newChunkSet[id] = true
	}

	for _, id := range chunkIDs {
		if !newChunkSet[id] {
			continue
		}
		for _, p := range processedByChunk[id] {
			subjID := hashutil.EntityID(p[0])
			objID := hashutil.EntityID(p[2])
			if p[0] == "" || p[2] == "" {
				continue
			}
			weights[edgeKey{subjID, objID}] += 1
			weights[edgeKey{objID, subjID}] += 1
		}
	}

	// Step 8: synonymy edges via brute-force KNN over entity embeddings.
	synonymyPairs, synonymyWeights := ix.buildSynonymyEdges(allEntities)

	// Step 9: add any new vertices (entities + chunks), then add edges.
	var newNames []string
	var newAttrs []map[string]any
	for _, ent := range allEntities {
		id := hashutil.EntityID(ent)
		if _, exists := ix.Graph.VertexIndex(id); exists {
			continue
		}
		newNames = append(newNames, id)
		newAttrs = append(newAttrs, map[string]any{"kind": "entity", "hash_id": id, "content": ent})
	}
	for _, id := range newChunkIDs {
		newNames = append(newNames, id)
		newAttrs = append(newAttrs, map[string]any{"kind": "chunk", "hash_id": id, "content": chunkTexts[id]})
	}
	if len(newNames) > 0 {
		if err := ix.Graph.AddVertices(newNames, newAttrs); err != nil {
			return fmt.Errorf("indexer: add vertices: %w", err)
		}
	}

	var pairs [][2]string
	var edgeWeights []float64
	for k, w := range weights {
		pairs = append(pairs, [2]string{k.from, k.to})
		edgeWeights = append(edgeWeights, w)
	}
	for _, id := range newChunkIDs {
		for _, p := range processedByChunk[id] {
			if p[0] == "" || p[2] == "" {
				continue
			}
			pairs = append(pairs, [2]string{id, hashutil.EntityID(p[0])})
			edgeWeights = append(edgeWeights, 1)
			pairs = append(pairs, [2]string{id, hashutil.EntityID(p[2])})
			edgeWeights = append(edgeWeights, 1)
		}
	}
	pairs = append(pairs, synonymyPairs...)
	edgeWeights = append(edgeWeights, synonymyWeights...)

	ix.Graph.AddEdges(pairs, edgeWeights)

	if ix.cfg.GraphPath != "" {
		if err := ix.Graph.Save(ix.cfg.GraphPath); err != nil {
			return fmt.Errorf("indexer: save graph: %w", err)
		}
	}

	return nil
}

// buildSynonymyEdges runs brute-force KNN over the entity embedding space
// for the given entity strings, per spec §4.6 step 8.
func (ix *Indexer) buildSynonymyEdges(entities []string) ([][2]string, []float64) {
	allIDs := ix.EntityStore.AllIDs()
	allVecs := make([][]float64, len(allIDs))
	allTexts := make([]string, len(allIDs))
	for i, id := range allIDs {
		v, _ := ix.EntityStore.Embedding(id)
		allVecs[i] = v
		row, _ := ix.EntityStore.Row(id)
		allTexts[i] = row.Content
	}

	var pairs [][2]string
	var weights []float64

	topK := ix.cfg.SynonymyEdgeTopK
	threshold := ix.cfg.SynonymyEdgeSimThreshold

	for _, ent := range entities {
		stripped := nonAlnumOnly(ent)
		if len(stripped) <= 2 {
			continue
		}
		queryID := hashutil.EntityID(ent)
		queryVec, ok := ix.EntityStore.Embedding(queryID)
		if !ok {
			continue
		}

		type cand struct {
			id  string
			sim float64
		}
		var cands []cand
		for i, otherID := range allIDs {
			if otherID == queryID {
				continue
			}
			if allTexts[i] == "" {
				continue
			}
			sim := vecmath.CosineSimilarity(queryVec, allVecs[i])
			if sim >= threshold {
				cands = append(cands, cand{id: otherID, sim: sim})
			}
		}
		// sort by similarity descending, cap at topK
		for i := 1; i < len(cands); i++ {
			for j := i; j > 0 && cands[j].sim > cands[j-1].sim; j-- {
				cands[j], cands[j-1] = cands[j-1], cands[j]
			}
		}
		if topK > 0 && len(cands) > topK {
			cands = cands[:topK]
		}
		for _, c := range cands {
			// Synonymy edges are conceptually undirected; add both
			// directions explicitly (the per-Index-call edge map
			// already decided against a graph-level undirected flag
			// for triple edges, so we follow the same convention here).
			pairs = append(pairs, [2]string{queryID, c.id})
			weights = append(weights, c.sim)
			pairs = append(pairs, [2]string{c.id, queryID})
			weights = append(weights, c.sim)
		}
	}
	return pairs, weights
}

func nonAlnumOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Delete implements spec §4.6's delete(docs): removes chunks, and any
// entities/facts no longer referenced by a surviving chunk.
func (ix *Indexer) Delete(ctx context.Context, docs []string) error {
	chunkIDs := make([]string, 0, len(docs))
	for _, d := range docs {
		id := hashutil.ChunkID(d)
		if _, exists := ix.Graph.VertexIndex(id); exists {
			chunkIDs = append(chunkIDs, id)
		}
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	doomed := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		doomed[id] = true
	}

	entityToChunks := make(map[string]map[string]bool)
	factToChunks := make(map[string]map[string]bool)
	factTriples := make(map[string][3]string)

	for _, name := range ix.Graph.VertexNames() {
		idx, _ := ix.Graph.VertexIndex(name)
		attrs := ix.Graph.Attrs(idx)
		if attrs == nil || attrs["kind"] != "chunk" {
			continue
		}
		rec, ok := ix.OpenIE.Lookup(name)
		if !ok {
			continue
		}
		kept := openie.FilterInvalidTriples(rec.ExtractedTriples)
		for _, t := range kept {
			p := openie.ProcessTriple(t)
			if p[0] == "" || p[2] == "" {
				continue
			}
			subjID := hashutil.EntityID(p[0])
			objID := hashutil.EntityID(p[2])
			factStr := strings.Join(p[:], "|")
			factID := hashutil.FactID(factStr)
			factTriples[factID] = p

			for _, eid := range []string{subjID, objID} {
				if entityToChunks[eid] == nil {
					entityToChunks[eid] = make(map[string]bool)
				}
				entityToChunks[eid][name] = true
			}
			if factToChunks[factID] == nil {
				factToChunks[factID] = make(map[string]bool)
			}
			factToChunks[factID][name] = true
		}
	}

	removableEntities := make([]string, 0)
	for eid, chunks := range entityToChunks {
		allDoomed := true
		for c := range chunks {
			if !doomed[c] {
				allDoomed = false
				break
			}
		}
		if allDoomed {
			removableEntities = append(removableEntities, eid)
		}
	}

	removableFacts := make([]string, 0)
	for fid, chunks := range factToChunks {
		allDoomed := true
		for c := range chunks {
			if !doomed[c] {
				allDoomed = false
				break
			}
		}
		if allDoomed {
			removableFacts = append(removableFacts, fid)
		}
	}

	if err := ix.ChunkStore.Delete(chunkIDs); err != nil {
		return fmt.Errorf("indexer: delete chunks: %w", err)
	}
	if err := ix.EntityStore.Delete(removableEntities); err != nil {
		return fmt.Errorf("indexer: delete entities: %w", err)
	}
	if err := ix.FactStore.Delete(removableFacts); err != nil {
		return fmt.Errorf("indexer: delete facts: %w", err)
	}

	var removedVertexNames []string
	removedVertexNames = append(removedVertexNames, chunkIDs...)
	removedVertexNames = append(removedVertexNames, removableEntities...)
	ix.Graph.DeleteVertices(removedVertexNames)

	ix.OpenIE.Delete(chunkIDs)
	if err := ix.OpenIE.Persist(); err != nil {
		return fmt.Errorf("indexer: persist openie cache: %w", err)
	}

	if ix.cfg.GraphPath != "" {
		if err := ix.Graph.Save(ix.cfg.GraphPath); err != nil {
			return fmt.Errorf("indexer: save graph: %w", err)
		}
	}

	log.Printf("hipporag: indexer: deleted %d chunk(s), %d entit(y/ies), %d fact(s)", len(chunkIDs), len(removableEntities), len(removableFacts))
	return nil
}
