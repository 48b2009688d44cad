package indexer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dan-solli/hipporag/pkg/embedstore"
	"github.com/dan-solli/hipporag/pkg/embeddings"
	"github.com/dan-solli/hipporag/pkg/graph"
	"github.com/dan-solli/hipporag/pkg/hashutil"
	"github.com/dan-solli/hipporag/pkg/openie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbeddingClient returns deterministic vectors derived from text
// content so cosine similarity is meaningful across calls.
type hashEmbeddingClient struct {
	vectors map[string][]float64
}

func newHashEmbeddingClient() *hashEmbeddingClient {
	return &hashEmbeddingClient{vectors: make(map[string][]float64)}
}

func (h *hashEmbeddingClient) BatchEncode(ctx context.Context, texts []string, instruction string, norm bool) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if v, ok := h.vectors[t]; ok {
			out[i] = v
			continue
		}
		var sum float64
		for _, r := range t {
			sum += float64(r)
		}
		out[i] = []float64{sum, float64(len(t))}
	}
	return out, nil
}

var _ embeddings.Client = (*hashEmbeddingClient)(nil)

// scriptedExtractor returns canned NER/triple results per chunk id.
type scriptedExtractor struct {
	ner     map[string]openie.NerOut
	triples map[string]openie.TripleOut
}

func (s *scriptedExtractor) BatchOpenIE(ctx context.Context, docs map[string]string) (map[string]openie.NerOut, map[string]openie.TripleOut, error) {
	ner := make(map[string]openie.NerOut, len(docs))
	triples := make(map[string]openie.TripleOut, len(docs))
	for id := range docs {
		ner[id] = s.ner[id]
		triples[id] = s.triples[id]
	}
	return ner, triples, nil
}

func newTestIndexer(t *testing.T, client *hashEmbeddingClient, extractor Extractor, cfg Config) *Indexer {
	t.Helper()
	dir := t.TempDir()
	chunks, err := embedstore.New("chunk", filepath.Join(dir, "vdb_chunk.json"), "chunk-", client)
	require.NoError(t, err)
	entities, err := embedstore.New("entity", filepath.Join(dir, "vdb_entity.json"), "entity-", client)
	require.NoError(t, err)
	facts, err := embedstore.New("fact", filepath.Join(dir, "vdb_fact.json"), "fact-", client)
	require.NoError(t, err)
	g := graph.New(true)
	openieStore, err := openie.Open(filepath.Join(dir, "openie_results_ner_test.json"))
	require.NoError(t, err)

	cfg.GraphPath = filepath.Join(dir, "graph.json")
	return New(cfg, chunks, entities, facts, g, openieStore, extractor)
}

func TestIndexBuildsGraphWithTripleAndPassageEdges(t *testing.T) {
	doc1 := "Paris is the capital of France."
	doc2 := "France is in Europe."

	extractor := &scriptedExtractor{
		ner: map[string]openie.NerOut{
			hashutil.ChunkID(doc1): {UniqueEntities: []string{"Paris", "France"}},
			hashutil.ChunkID(doc2): {UniqueEntities: []string{"France", "Europe"}},
		},
		triples: map[string]openie.TripleOut{
			hashutil.ChunkID(doc1): {Triples: [][3]string{{"Paris", "capital of", "France"}}},
			hashutil.ChunkID(doc2): {Triples: [][3]string{{"France", "in", "Europe"}}},
		},
	}

	ix := newTestIndexer(t, newHashEmbeddingClient(), extractor, DefaultConfig())
	require.NoError(t, ix.Index(context.Background(), []string{doc1, doc2}))

	names := ix.Graph.VertexNames()
	entityCount, chunkCount := 0, 0
	for _, n := range names {
		idx, _ := ix.Graph.VertexIndex(n)
		switch ix.Graph.Attrs(idx)["kind"] {
		case "entity":
			entityCount++
		case "chunk":
			chunkCount++
		}
	}
	assert.GreaterOrEqual(t, entityCount, 3)
	assert.Equal(t, 2, chunkCount)

	// 4 triple-edge directed records (2 per triple) + 4 passage edges (2 per chunk)
	assert.GreaterOrEqual(t, ix.Graph.ECount(), 8)
}

func TestIndexIsIncrementalAndAvoidsDoubleCounting(t *testing.T) {
	doc1 := "Paris is the capital of France."
	extractor := &scriptedExtractor{
		ner: map[string]openie.NerOut{
			hashutil.ChunkID(doc1): {UniqueEntities: []string{"Paris", "France"}},
		},
		triples: map[string]openie.TripleOut{
			hashutil.ChunkID(doc1): {Triples: [][3]string{{"Paris", "capital of", "France"}}},
		},
	}

	ix := newTestIndexer(t, newHashEmbeddingClient(), extractor, DefaultConfig())
	require.NoError(t, ix.Index(context.Background(), []string{doc1}))
	firstCount := ix.Graph.ECount()

	require.NoError(t, ix.Index(context.Background(), []string{doc1}))
	secondCount := ix.Graph.ECount()

	assert.Equal(t, firstCount, secondCount)
}

func TestIndexSynonymyEdge(t *testing.T) {
	doc := "US announced new policy. USA reacted quickly."
	extractor := &scriptedExtractor{
		ner: map[string]openie.NerOut{
			hashutil.ChunkID(doc): {UniqueEntities: []string{"US", "USA"}},
		},
		triples: map[string]openie.TripleOut{
			hashutil.ChunkID(doc): {Triples: [][3]string{{"US", "related to", "USA"}}},
		},
	}

	client := newHashEmbeddingClient()
	// Force near-identical vectors for "us" and "usa" so cosine similarity clears the 0.8 threshold.
	client.vectors["us"] = []float64{1.0, 0.01}
	client.vectors["usa"] = []float64{1.0, 0.011}

	ix := newTestIndexer(t, client, extractor, DefaultConfig())
	require.NoError(t, ix.Index(context.Background(), []string{doc}))

	usID := hashutil.EntityID("us")
	usaID := hashutil.EntityID("usa")
	_, usOK := ix.Graph.VertexIndex(usID)
	_, usaOK := ix.Graph.VertexIndex(usaID)
	require.True(t, usOK)
	require.True(t, usaOK)

	_, fwd := ix.Graph.EdgeWeight(usID, usaID)
	_, rev := ix.Graph.EdgeWeight(usaID, usID)
	assert.True(t, fwd, "expected synonymy edge us -> usa")
	assert.True(t, rev, "expected synonymy edge usa -> us")
}

func TestDeleteRemovesChunkAndEntityOnlyReferencedThere(t *testing.T) {
	docParis := "Paris is the capital of France."
	docFrance := "France is in Europe."

	extractor := &scriptedExtractor{
		ner: map[string]openie.NerOut{
			hashutil.ChunkID(docParis):  {UniqueEntities: []string{"Paris", "France"}},
			hashutil.ChunkID(docFrance): {UniqueEntities: []string{"France", "Europe"}},
		},
		triples: map[string]openie.TripleOut{
			hashutil.ChunkID(docParis):  {Triples: [][3]string{{"Paris", "capital of", "France"}}},
			hashutil.ChunkID(docFrance): {Triples: [][3]string{{"France", "in", "Europe"}}},
		},
	}

	ix := newTestIndexer(t, newHashEmbeddingClient(), extractor, DefaultConfig())
	require.NoError(t, ix.Index(context.Background(), []string{docParis, docFrance}))

	require.NoError(t, ix.Delete(context.Background(), []string{docParis}))

	_, parisChunkExists := ix.Graph.VertexIndex(hashutil.ChunkID(docParis))
	assert.False(t, parisChunkExists)

	_, parisEntityExists := ix.Graph.VertexIndex(hashutil.EntityID("paris"))
	assert.False(t, parisEntityExists)

	_, franceEntityExists := ix.Graph.VertexIndex(hashutil.EntityID("france"))
	assert.True(t, franceEntityExists)

	_, franceChunkExists := ix.Graph.VertexIndex(hashutil.ChunkID(docFrance))
	assert.True(t, franceChunkExists)
}
