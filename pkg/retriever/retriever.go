// Package retriever implements the query-time path from spec §4.7: dense
// passage retrieval, fact scoring and reranking, and graph-aware hybrid
// fusion via personalized PageRank.
package retriever

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dan-solli/hipporag/pkg/embeddings"
	"github.com/dan-solli/hipporag/pkg/embedstore"
	"github.com/dan-solli/hipporag/pkg/graph"
	"github.com/dan-solli/hipporag/pkg/hashutil"
	"github.com/dan-solli/hipporag/pkg/openie"
	"github.com/dan-solli/hipporag/pkg/rerank"
	"github.com/dan-solli/hipporag/pkg/vecmath"
)

const (
	instructionToFact    = "query_to_fact"
	instructionToPassage = "query_to_passage"
)

// QuerySolution is one query's ranked retrieval result.
type QuerySolution struct {
	Question  string
	Docs      []string
	DocScores []float64

	// FellBackToDense is true when Retrieve couldn't run the hybrid
	// rerank+PPR path for this query (no facts, empty rerank match, or a
	// non-positive PPR reset vector) and returned dense passage scoring
	// instead.
	FellBackToDense bool
}

// Timing accumulates the three counters spec §4.7 names: rerank time, PPR
// time, and total, for one retrieve call.
type Timing struct {
	Rerank time.Duration
	PPR    time.Duration
	Total  time.Duration
}

// Config carries the retriever's tunable knobs.
type Config struct {
	LinkingTopK       int     // default 10
	Damping           float64 // default 0.5
	PassageNodeWeight float64 // default 0.05
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig() Config {
	return Config{LinkingTopK: 10, Damping: 0.5, PassageNodeWeight: 0.05}
}

// Retriever answers retrieve_dpr and retrieve over a shared set of
// embedding stores, graph, and OpenIE cache. Not safe for concurrent use,
// per the single-threaded-per-session model.
type Retriever struct {
	cfg Config

	ChunkStore  *embedstore.Store
	EntityStore *embedstore.Store
	FactStore   *embedstore.Store
	Graph       *graph.SimpleGraph
	OpenIE      *openie.Store
	Embeddings  embeddings.Client
	Reranker    *rerank.Reranker

	// state, rebuilt on first retrieve after a mutation (or whenever
	// g.VCount() doesn't match the cached vertex count).
	stateVCount     int
	passageNodeKeys []string // chunk ids, in ChunkStore order
	factNodeKeys    []string // fact ids, in FactStore order
	passageVID      []int    // passageNodeKeys[i] -> vertex index
	vertexNames     []string // vertex idx -> name, snapshotted at rebuild time
	entityToChunks  map[string]map[string]bool

	queryFactCache    map[string][]float64
	queryPassageCache map[string][]float64
}

// New wires a Retriever from already-opened collaborators.
func New(cfg Config, chunks, entities, facts *embedstore.Store, g *graph.SimpleGraph, openieStore *openie.Store, embClient embeddings.Client, reranker *rerank.Reranker) *Retriever {
	return &Retriever{
		cfg:               cfg,
		ChunkStore:        chunks,
		EntityStore:       entities,
		FactStore:         facts,
		Graph:             g,
		OpenIE:            openieStore,
		Embeddings:        embClient,
		Reranker:          reranker,
		queryFactCache:    make(map[string][]float64),
		queryPassageCache: make(map[string][]float64),
	}
}

// ensureState rebuilds the retrieval caches when the graph's vertex count
// no longer matches chunks + entities, per spec §4.7's "State preparation".
func (r *Retriever) ensureState() {
	want := r.ChunkStore.Len() + r.EntityStore.Len()
	if r.stateVCount == want && r.stateVCount == r.Graph.VCount() {
		return
	}
	r.rebuildState()
}

func (r *Retriever) rebuildState() {
	r.passageNodeKeys = r.ChunkStore.AllIDs()
	r.factNodeKeys = r.FactStore.AllIDs()
	r.vertexNames = r.Graph.VertexNames()

	r.passageVID = make([]int, len(r.passageNodeKeys))
	for i, id := range r.passageNodeKeys {
		idx, _ := r.Graph.VertexIndex(id)
		r.passageVID[i] = idx
	}

	// Reconstruct entity_to_chunks by re-reading the OpenIE cache for
	// every chunk currently in the graph — this is the only re-entry
	// path that lets delete work without the raw triple data.
	r.entityToChunks = make(map[string]map[string]bool)
	for _, name := range r.Graph.VertexNames() {
		idx, _ := r.Graph.VertexIndex(name)
		attrs := r.Graph.Attrs(idx)
		if attrs == nil || attrs["kind"] != "chunk" {
			continue
		}
		rec, ok := r.OpenIE.Lookup(name)
		if !ok {
			continue
		}
		for _, t := range openie.FilterInvalidTriples(rec.ExtractedTriples) {
			p := openie.ProcessTriple(t)
			for _, ent := range []string{p[0], p[2]} {
				if ent == "" {
					continue
				}
				eid := hashutil.EntityID(ent)
				if r.entityToChunks[eid] == nil {
					r.entityToChunks[eid] = make(map[string]bool)
				}
				r.entityToChunks[eid][name] = true
			}
		}
	}

	r.stateVCount = r.Graph.VCount()
}

// embedQuery returns the cached (or freshly encoded) fact and passage
// query embeddings for text, per spec §4.7's "Query embedding".
func (r *Retriever) embedQuery(ctx context.Context, text string) (factVec, passageVec []float64, err error) {
	factVec, factOK := r.queryFactCache[text]
	passageVec, passageOK := r.queryPassageCache[text]
	if factOK && passageOK {
		return factVec, passageVec, nil
	}

	if !factOK {
		vecs, err := r.Embeddings.BatchEncode(ctx, []string{text}, instructionToFact, true)
		if err != nil {
			return nil, nil, fmt.Errorf("retriever: embed query (fact): %w", err)
		}
		factVec = vecs[0]
		r.queryFactCache[text] = factVec
	}
	if !passageOK {
		vecs, err := r.Embeddings.BatchEncode(ctx, []string{text}, instructionToPassage, true)
		if err != nil {
			return nil, nil, fmt.Errorf("retriever: embed query (passage): %w", err)
		}
		passageVec = vecs[0]
		r.queryPassageCache[text] = passageVec
	}
	return factVec, passageVec, nil
}

// denseOrder runs dense passage retrieval: scores = P . q, min-max
// normalized, sorted descending. Returns parallel (order-into-
// passageNodeKeys, sorted-score) slices.
func (r *Retriever) denseOrder(passageVec []float64) ([]int, []float64) {
	if len(r.passageNodeKeys) == 0 {
		return nil, nil
	}
	rows := r.ChunkStore.Embeddings(r.passageNodeKeys)
	scores := vecmath.MatVec(rows, passageVec)
	norm := vecmath.MinMaxNormalize(scores)
	order := vecmath.ArgsortDescending(norm)
	sorted := make([]float64, len(order))
	for i, idx := range order {
		sorted[i] = norm[idx]
	}
	return order, sorted
}

// factScores scores every fact against factVec, min-max normalized.
// Returns nil if there are no facts or a dimension mismatch occurs
// (logged per the Missing-data taxonomy).
func (r *Retriever) factScores(factVec []float64) []float64 {
	if len(r.factNodeKeys) == 0 {
		return nil
	}
	rows := r.FactStore.Embeddings(r.factNodeKeys)
	for _, row := range rows {
		if len(row) != len(factVec) {
			log.Printf("hipporag: retriever: fact embedding dimension mismatch, skipping fact scoring")
			return nil
		}
	}
	scores := vecmath.MatVec(rows, factVec)
	return vecmath.MinMaxNormalize(scores)
}

// RetrieveDPR runs pure dense passage retrieval for each query.
func (r *Retriever) RetrieveDPR(ctx context.Context, queries []string, k int) ([]QuerySolution, error) {
	r.ensureState()
	out := make([]QuerySolution, len(queries))
	for i, q := range queries {
		_, passageVec, err := r.embedQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		out[i] = r.dprSolution(q, passageVec, k)
	}
	return out, nil
}

func (r *Retriever) dprSolution(question string, passageVec []float64, k int) QuerySolution {
	order, scores := r.denseOrder(passageVec)
	return r.assemble(question, order, scores, k)
}

// assemble converts passage-space order/score slices into a QuerySolution,
// per spec §4.7's "Final assembly": resolve ids to texts, drop and log any
// out-of-range indices, take the first k.
func (r *Retriever) assemble(question string, order []int, scores []float64, k int) QuerySolution {
	docs := make([]string, 0, k)
	docScores := make([]float64, 0, k)
	for i, idx := range order {
		if len(docs) >= k {
			break
		}
		if idx < 0 || idx >= len(r.passageNodeKeys) {
			log.Printf("hipporag: retriever: passage index %d out of range, skipped", idx)
			continue
		}
		row, ok := r.ChunkStore.Row(r.passageNodeKeys[idx])
		if !ok {
			continue
		}
		docs = append(docs, row.Content)
		docScores = append(docScores, scores[i])
	}
	return QuerySolution{Question: question, Docs: docs, DocScores: docScores}
}

// Retrieve runs the graph-aware hybrid retrieval path for each query.
func (r *Retriever) Retrieve(ctx context.Context, queries []string, k int) ([]QuerySolution, Timing, error) {
	r.ensureState()
	start := time.Now()
	var timing Timing

	out := make([]QuerySolution, len(queries))
	for i, q := range queries {
		factVec, passageVec, err := r.embedQuery(ctx, q)
		if err != nil {
			return nil, timing, err
		}

		fScores := r.factScores(factVec)
		if len(fScores) == 0 {
			out[i] = r.dprSolution(q, passageVec, k)
			out[i].FellBackToDense = true
			continue
		}

		topIdx, topFacts := r.topFacts(fScores)

		rerankStart := time.Now()
		rerankResult := r.Reranker.Rerank(ctx, q, topFacts, topIdx, len(topIdx))
		timing.Rerank += time.Since(rerankStart)

		if len(rerankResult.MatchedGlobalIndices) == 0 {
			log.Printf("hipporag: retriever: reranker returned no facts for query %q, falling back to dense retrieval", q)
			out[i] = r.dprSolution(q, passageVec, k)
			out[i].FellBackToDense = true
			continue
		}

		pprStart := time.Now()
		order, scores, fellBack := r.graphSearchWithFactEntities(fScores, rerankResult.MatchedGlobalIndices, passageVec)
		timing.PPR += time.Since(pprStart)

		out[i] = r.assemble(q, order, scores, k)
		out[i].FellBackToDense = fellBack
	}

	timing.Total = time.Since(start)
	log.Printf("hipporag: retriever: retrieve took %s (rerank %s, ppr %s) for %d quer(y/ies)", timing.Total, timing.Rerank, timing.PPR, len(queries))
	return out, timing, nil
}

// topFacts takes the top LinkingTopK fact indices by score and loads
// their triples.
func (r *Retriever) topFacts(fScores []float64) ([]int, []rerank.Triple) {
	order := vecmath.ArgsortDescending(fScores)
	topK := r.cfg.LinkingTopK
	if topK <= 0 || topK > len(order) {
		topK = len(order)
	}
	order = order[:topK]

	idx := make([]int, len(order))
	triples := make([]rerank.Triple, len(order))
	for i, o := range order {
		idx[i] = o
		factID := r.factNodeKeys[o]
		row, _ := r.FactStore.Row(factID)
		triples[i] = parseFactContent(row.Content)
	}
	return idx, triples
}

// parseFactContent splits a fact row's content back into its (subject,
// relation, object) triple. Facts are stored as "subject|relation|object".
func parseFactContent(content string) rerank.Triple {
	parts := strings.SplitN(content, "|", 3)
	var t rerank.Triple
	for i := 0; i < 3 && i < len(parts); i++ {
		t[i] = parts[i]
	}
	return t
}

// graphSearchWithFactEntities implements spec §4.7's
// graph_search_with_fact_entities procedure exactly.
func (r *Retriever) graphSearchWithFactEntities(fScores []float64, matchedFactIndices []int, passageVec []float64) (order []int, scores []float64, fellBackToDense bool) {
	n := r.Graph.VCount()
	phraseWeights := make([]float64, n)
	passageWeights := make([]float64, n)
	count := make([]int, n)
	phraseNames := make(map[string]bool)

	for _, factIdx := range matchedFactIndices {
		score := 0.0
		if factIdx >= 0 && factIdx < len(fScores) {
			score = fScores[factIdx]
		}
		triple := parseFactContent(r.factRow(factIdx))
		for _, slot := range []string{triple[0], triple[2]} {
			if slot == "" {
				continue
			}
			phraseKey := hashutil.EntityID(strings.ToLower(slot))
			phraseID, ok := r.Graph.VertexIndex(phraseKey)
			if !ok {
				continue
			}
			docCount := len(r.entityToChunks[phraseKey])
			denom := 1
			if docCount > denom {
				denom = docCount
			}
			phraseWeights[phraseID] += score / float64(denom)
			count[phraseID]++
			phraseNames[phraseKey] = true
		}
	}

	for i, c := range count {
		if c > 0 {
			phraseWeights[i] /= float64(c)
		}
	}

	if r.cfg.LinkingTopK > 0 {
		r.filterTopPhrases(phraseWeights, phraseNames)
	}

	dprOrder, dprScores := r.denseOrder(passageVec)
	for i, idx := range dprOrder {
		if idx < 0 || idx >= len(r.passageVID) {
			continue
		}
		vid := r.passageVID[idx]
		passageWeights[vid] = dprScores[i] * r.cfg.PassageNodeWeight
	}

	reset := make(map[string]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		v := phraseWeights[i] + passageWeights[i]
		if v != 0 {
			reset[r.vertexName(i)] = v
			sum += v
		}
	}

	if sum <= 0 {
		log.Printf("hipporag: retriever: PPR reset vector sums to <= 0, falling back to dense retrieval")
		return dprOrder, dprScores, true
	}

	pprScores := r.Graph.PersonalizedPageRank(reset, r.cfg.Damping)

	passageScores := make([]float64, len(r.passageVID))
	for i, vid := range r.passageVID {
		if vid >= 0 && vid < len(pprScores) {
			passageScores[i] = pprScores[vid]
		}
	}
	pprOrder := vecmath.ArgsortDescending(passageScores)
	sorted := make([]float64, len(pprOrder))
	for i, idx := range pprOrder {
		sorted[i] = passageScores[idx]
	}
	return pprOrder, sorted, false
}

func (r *Retriever) factRow(factIdx int) string {
	if factIdx < 0 || factIdx >= len(r.factNodeKeys) {
		return ""
	}
	row, _ := r.FactStore.Row(r.factNodeKeys[factIdx])
	return row.Content
}

func (r *Retriever) vertexName(idx int) string {
	if idx < 0 || idx >= len(r.vertexNames) {
		return ""
	}
	return r.vertexNames[idx]
}

// filterTopPhrases zeroes phraseWeights for every entity not among the
// top LinkingTopK distinct phrase strings by accumulated score, per spec
// §4.7's "Top-K phrase filter".
func (r *Retriever) filterTopPhrases(phraseWeights []float64, phraseNames map[string]bool) {
	type scored struct {
		vid   int
		score float64
	}
	var cands []scored
	for name := range phraseNames {
		vid, ok := r.Graph.VertexIndex(name)
		if !ok {
			continue
		}
		cands = append(cands, scored{vid: vid, score: phraseWeights[vid]})
	}
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].score > cands[b].score
	})

	topK := r.cfg.LinkingTopK
	if topK > len(cands) {
		topK = len(cands)
	}
	keep := make(map[int]bool, topK)
	for _, c := range cands[:topK] {
		keep[c.vid] = true
	}
	for _, c := range cands {
		if !keep[c.vid] {
			phraseWeights[c.vid] = 0
		}
	}
}
