// Package hipporag wires the embedding stores, graph, OpenIE cache,
// indexer, retriever, reranker, and QA answerer into one façade exposing
// the four operations a caller sees: index, delete, retrieve, and
// rag_qa.
package hipporag

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dan-solli/hipporag/pkg/chunker"
	"github.com/dan-solli/hipporag/pkg/embeddings"
	"github.com/dan-solli/hipporag/pkg/embedstore"
	"github.com/dan-solli/hipporag/pkg/graph"
	"github.com/dan-solli/hipporag/pkg/hashutil"
	"github.com/dan-solli/hipporag/pkg/indexer"
	"github.com/dan-solli/hipporag/pkg/llm"
	"github.com/dan-solli/hipporag/pkg/metrics"
	"github.com/dan-solli/hipporag/pkg/openie"
	"github.com/dan-solli/hipporag/pkg/qa"
	"github.com/dan-solli/hipporag/pkg/rerank"
	"github.com/dan-solli/hipporag/pkg/retriever"
	"github.com/dan-solli/hipporag/pkg/store"
	tracepkg "github.com/dan-solli/hipporag/pkg/trace"
	"github.com/google/uuid"
)

// Config holds configuration for the HippoRAG system.
type Config struct {
	// OpenAIKey is used to construct default OpenAI embedding/LLM clients
	// when New (rather than NewWithClients) is called.
	OpenAIKey string

	// EmbeddingModel selects the embedding model (default provider-specific).
	EmbeddingModel string

	// LLMModel selects the chat model used for OpenIE, reranking, and QA.
	LLMModel string

	// SaveDir is the working directory holding vdb_chunk.json,
	// vdb_entity.json, vdb_fact.json, openie_results_ner_<llm>.json, and
	// graph.json. If empty, state is held in memory only (nothing is
	// persisted to disk between process runs).
	SaveDir string

	// OpenIEMode selects "online" (default), "offline", or
	// "transformers-offline" per spec §10.3.
	OpenIEMode string

	// SynonymyEdgeTopK caps the number of synonymy edges added per entity
	// (default 100).
	SynonymyEdgeTopK int

	// SynonymyEdgeSimThreshold is the minimum cosine similarity for a
	// synonymy edge (default 0.8).
	SynonymyEdgeSimThreshold float64

	// LinkingTopK caps the number of phrase nodes considered during
	// hybrid retrieval's top-K phrase filter, and the number of dense
	// fact candidates handed to the reranker (default 10).
	LinkingTopK int

	// Damping is the PersonalizedPageRank damping factor (default 0.5).
	Damping float64

	// PassageNodeWeight scales DPR scores before they enter the PPR reset
	// vector alongside phrase weights (default 0.05).
	PassageNodeWeight float64

	// QATopK caps the number of docs included in a rag_qa prompt
	// (default 5).
	QATopK int

	// ForceIndexFromScratch deletes each doc's existing chunk/entity/fact
	// rows before Index runs, so every passage is reprocessed from
	// scratch instead of being skipped as an already-indexed chunk.
	ForceIndexFromScratch bool

	// ForceOpenIEFromScratch discards any cached OpenIE record for a
	// chunk and re-extracts it on the next Index/PreOpenIE call.
	ForceOpenIEFromScratch bool

	// MaxRetryAttempts overrides the default LLM client's retry budget
	// (default 5; only applies to the client New constructs internally).
	MaxRetryAttempts int

	// MetricsEnabled wires a Prometheus collector (see Metrics()).
	MetricsEnabled bool

	// TraceExporter, if set, receives a TraceRecord after every
	// operation. Optional.
	TraceExporter tracepkg.Exporter

	// DBPath, if set, persists the embedding stores and graph in a single
	// SQLite database at this path instead of the default JSON files
	// under SaveDir. Vector search remains a brute-force linear scan
	// (see pkg/store); this trades file-per-namespace JSON for
	// transactional writes and one on-disk artifact.
	DBPath string
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		OpenIEMode:               "online",
		SynonymyEdgeTopK:         100,
		SynonymyEdgeSimThreshold: 0.8,
		LinkingTopK:              10,
		Damping:                  0.5,
		PassageNodeWeight:        0.05,
		QATopK:                   5,
		MaxRetryAttempts:         5,
	}
}

// HippoRAG is the main entry point: it owns the embedding stores, graph,
// and OpenIE cache for one SaveDir, and exposes Index/Delete/Retrieve/RagQA.
type HippoRAG struct {
	config Config

	ChunkStore  *embedstore.Store
	EntityStore *embedstore.Store
	FactStore   *embedstore.Store
	Graph       *graph.SimpleGraph
	OpenIE      *openie.Store

	Embeddings embeddings.Client
	LLM        llm.Client

	indexer   *indexer.Indexer
	retriever *retriever.Retriever
	answerer  *qa.Answerer
	metrics   *metrics.MetricsCollector
	graphPath string
	store     *store.DB
}

// GraphPath returns the on-disk JSON path the graph is persisted to, or ""
// if SaveDir was unset or the graph is persisted through DBPath instead.
func (h *HippoRAG) GraphPath() string {
	return h.graphPath
}

// New creates a HippoRAG instance using OpenAI embedding and chat clients.
func New(cfg Config) (*HippoRAG, error) {
	embClient := embeddings.NewOpenAIClient(cfg.OpenAIKey)
	if cfg.EmbeddingModel != "" {
		embClient.Model = cfg.EmbeddingModel
	}

	llmClient := llm.NewOpenAILLM(cfg.OpenAIKey)
	if cfg.LLMModel != "" {
		llmClient.Model = cfg.LLMModel
	}
	if cfg.MaxRetryAttempts > 0 {
		llmClient.MaxRetryAttempts = cfg.MaxRetryAttempts
	}

	return NewWithClients(cfg, embClient, llmClient)
}

// NewWithClients creates a HippoRAG instance with caller-provided
// embedding and LLM clients, for alternative providers (Ollama, test
// doubles) or to share one client across multiple instances.
func NewWithClients(cfg Config, embClient embeddings.Client, llmClient llm.Client) (*HippoRAG, error) {
	if embClient == nil {
		return nil, fmt.Errorf("hipporag: embeddings client must not be nil")
	}
	if llmClient == nil {
		return nil, fmt.Errorf("hipporag: llm client must not be nil")
	}

	cfg = applyDefaults(cfg)
	if cfg.OpenIEMode != "online" && cfg.OpenIEMode != "offline" && cfg.OpenIEMode != "transformers-offline" {
		return nil, fmt.Errorf("hipporag: config: openie_mode must be online, offline, or transformers-offline, got %q", cfg.OpenIEMode)
	}
	if cfg.Damping <= 0 || cfg.Damping >= 1 {
		return nil, fmt.Errorf("hipporag: config: damping must be in (0, 1), got %v", cfg.Damping)
	}

	chunkPath, entityPath, factPath, openiePath, graphPath := cfg.paths()

	var db *store.DB
	var chunks, entities, facts *embedstore.Store
	var g *graph.SimpleGraph
	var err error

	if cfg.DBPath != "" {
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("hipporag: open sqlite backend: %w", err)
		}
		chunks, err = embedstore.NewWithBackend("chunk", "chunk-", embClient, db.EmbedBackend("chunk"))
		if err != nil {
			return nil, fmt.Errorf("hipporag: open chunk store: %w", err)
		}
		entities, err = embedstore.NewWithBackend("entity", "entity-", embClient, db.EmbedBackend("entity"))
		if err != nil {
			return nil, fmt.Errorf("hipporag: open entity store: %w", err)
		}
		facts, err = embedstore.NewWithBackend("fact", "fact-", embClient, db.EmbedBackend("fact"))
		if err != nil {
			return nil, fmt.Errorf("hipporag: open fact store: %w", err)
		}
		g, err = db.LoadGraph(context.Background(), true)
		if err != nil {
			return nil, fmt.Errorf("hipporag: load graph from sqlite: %w", err)
		}
		graphPath = ""
	} else {
		chunks, err = embedstore.New("chunk", chunkPath, "chunk-", embClient)
		if err != nil {
			return nil, fmt.Errorf("hipporag: open chunk store: %w", err)
		}
		entities, err = embedstore.New("entity", entityPath, "entity-", embClient)
		if err != nil {
			return nil, fmt.Errorf("hipporag: open entity store: %w", err)
		}
		facts, err = embedstore.New("fact", factPath, "fact-", embClient)
		if err != nil {
			return nil, fmt.Errorf("hipporag: open fact store: %w", err)
		}
		if graphPath != "" {
			if loaded, loadErr := graph.Load(graphPath); loadErr == nil {
				g = loaded
			}
		}
		if g == nil {
			g = graph.New(true)
		}
	}

	openieStore, err := openie.Open(openiePath)
	if err != nil {
		return nil, fmt.Errorf("hipporag: open openie cache: %w", err)
	}

	extractor := openie.NewExtractor(llmClient)
	idxCfg := indexer.Config{
		OpenIEMode:               cfg.OpenIEMode,
		SynonymyEdgeTopK:         cfg.SynonymyEdgeTopK,
		SynonymyEdgeSimThreshold: cfg.SynonymyEdgeSimThreshold,
		GraphPath:                graphPath,
	}
	ix := indexer.New(idxCfg, chunks, entities, facts, g, openieStore, extractor)

	reranker := rerank.New(llmClient, "", nil)
	retCfg := retriever.Config{
		LinkingTopK:       cfg.LinkingTopK,
		Damping:           cfg.Damping,
		PassageNodeWeight: cfg.PassageNodeWeight,
	}
	ret := retriever.New(retCfg, chunks, entities, facts, g, openieStore, embClient, reranker)

	answerer := qa.NewAnswerer(llmClient, cfg.QATopK)

	var collector *metrics.MetricsCollector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	return &HippoRAG{
		config:      cfg,
		ChunkStore:  chunks,
		EntityStore: entities,
		FactStore:   facts,
		Graph:       g,
		OpenIE:      openieStore,
		Embeddings:  embClient,
		LLM:         llmClient,
		indexer:     ix,
		retriever:   ret,
		answerer:    answerer,
		metrics:     collector,
		graphPath:   graphPath,
		store:       db,
	}, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.OpenIEMode == "" {
		cfg.OpenIEMode = "online"
	}
	if cfg.SynonymyEdgeTopK == 0 {
		cfg.SynonymyEdgeTopK = 100
	}
	if cfg.SynonymyEdgeSimThreshold == 0 {
		cfg.SynonymyEdgeSimThreshold = 0.8
	}
	if cfg.LinkingTopK == 0 {
		cfg.LinkingTopK = 10
	}
	if cfg.Damping == 0 {
		cfg.Damping = 0.5
	}
	if cfg.PassageNodeWeight == 0 {
		cfg.PassageNodeWeight = 0.05
	}
	if cfg.QATopK == 0 {
		cfg.QATopK = 5
	}
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = 5
	}
	return cfg
}

// paths resolves SaveDir into the five well-known on-disk file names. An
// empty SaveDir still returns non-empty basenames so embedstore/openie can
// open (and never persist past an empty temp dir's lifetime) consistently;
// callers that want a purely in-memory instance should point SaveDir at a
// throwaway directory per process.
func (c Config) paths() (chunkPath, entityPath, factPath, openiePath, graphPath string) {
	dir := c.SaveDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "vdb_chunk.json"),
		filepath.Join(dir, "vdb_entity.json"),
		filepath.Join(dir, "vdb_fact.json"),
		filepath.Join(dir, "openie_results_ner.json"),
		filepath.Join(dir, "graph.json")
}

// Metrics returns the Prometheus collector, or nil if MetricsEnabled was
// false.
func (h *HippoRAG) Metrics() *metrics.MetricsCollector {
	return h.metrics
}

// ChunkDocuments splits raw documents into sentence-boundary-aware passages
// sized for indexing, using maxTokens/overlap (pkg/chunker defaults of 512/50
// apply when either is 0). Index treats every input string as an
// already-chunked passage, so callers working from long source documents
// should run them through ChunkDocuments first; callers that already hand in
// passage-sized text can call Index directly.
func ChunkDocuments(docs []string, maxTokens, overlap int) []string {
	c := chunker.Chunker{MaxTokens: maxTokens, Overlap: overlap}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		for _, ch := range c.Chunk(d) {
			out = append(out, ch.Text)
		}
	}
	return out
}

// PreOpenIE runs the OpenIE extraction pass over docs without the rest of
// Index, as required before Index when OpenIEMode is "offline".
func (h *HippoRAG) PreOpenIE(ctx context.Context, docs []string) error {
	trace := newTrace()
	timer := newSpanTimer("openie", trace, true)
	err := h.indexer.PreOpenIE(ctx, docs)
	timer.finish(err == nil, err, map[string]int64{"docCount": int64(len(docs))})
	h.exportTrace(ctx, "pre_openie", trace, err)
	return err
}

// Index runs spec §4.6's index(docs) pipeline: chunk insertion, OpenIE
// (cached or fresh), entity/fact rows, and graph edge construction.
func (h *HippoRAG) Index(ctx context.Context, docs []string) error {
	trace := newTrace()
	timer := newSpanTimer("index", trace, true)
	if h.config.ForceOpenIEFromScratch {
		h.OpenIE.Delete(chunkIDsOf(docs))
	}
	if h.config.ForceIndexFromScratch {
		// Drop each doc's existing chunk/entity/fact rows first so the
		// indexer's new-vertex dedup treats every one as unseen.
		if err := h.indexer.Delete(ctx, docs); err != nil {
			timer.finish(false, err, nil)
			h.recordMetrics(ctx, "index", trace.TotalDurationMs, err)
			h.exportTrace(ctx, "index", trace, err)
			return fmt.Errorf("hipporag: index: force-from-scratch delete: %w", err)
		}
	}
	err := h.indexer.Index(ctx, docs)
	if err == nil {
		err = h.persistGraph(ctx)
	}
	timer.finish(err == nil, err, map[string]int64{
		"docCount":    int64(len(docs)),
		"vertexCount": int64(h.Graph.VCount()),
		"edgeCount":   int64(h.Graph.ECount()),
	})
	h.recordMetrics(ctx, "index", trace.TotalDurationMs, err)
	h.exportTrace(ctx, "index", trace, err)
	return err
}

// Delete runs spec §4.6's delete(docs): removes chunks and any
// entities/facts no longer referenced by a surviving chunk.
func (h *HippoRAG) Delete(ctx context.Context, docs []string) error {
	trace := newTrace()
	timer := newSpanTimer("delete", trace, true)
	err := h.indexer.Delete(ctx, docs)
	if err == nil {
		err = h.persistGraph(ctx)
	}
	timer.finish(err == nil, err, map[string]int64{"docCount": int64(len(docs))})
	h.recordMetrics(ctx, "delete", trace.TotalDurationMs, err)
	h.exportTrace(ctx, "delete", trace, err)
	return err
}

// persistGraph saves the graph through the SQLite backend when one is
// configured; indexer.Config.GraphPath already handles the JSON-file case
// internally, so this is a no-op there.
func (h *HippoRAG) persistGraph(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.SaveGraph(ctx, h.Graph); err != nil {
		return fmt.Errorf("hipporag: persist graph to sqlite: %w", err)
	}
	return nil
}

// Close releases the SQLite backend's database connection, if DBPath was
// configured. Safe to call even when no DBPath was set.
func (h *HippoRAG) Close() error {
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}

// Retrieve runs spec §4.7's hybrid retrieval (rerank + PPR, falling back
// to dense passage retrieval where the hybrid path can't proceed).
func (h *HippoRAG) Retrieve(ctx context.Context, queries []string, k int) ([]retriever.QuerySolution, error) {
	trace := newTrace()
	timer := newSpanTimer("retrieve", trace, true)
	sols, timing, err := h.retriever.Retrieve(ctx, queries, k)
	timer.finish(err == nil, err, nil)
	trace.addSpan(Span{Name: "rerank", DurationMs: timing.Rerank.Milliseconds(), OK: err == nil})
	trace.addSpan(Span{Name: "ppr", DurationMs: timing.PPR.Milliseconds(), OK: err == nil})

	for _, s := range sols {
		if s.FellBackToDense {
			h.recordFallback(ctx)
		}
	}
	h.recordMetrics(ctx, "retrieve", trace.TotalDurationMs, err)
	h.exportTrace(ctx, "retrieve", trace, err)
	return sols, err
}

// RetrieveDPR runs pure dense passage retrieval, bypassing facts/PPR.
func (h *HippoRAG) RetrieveDPR(ctx context.Context, queries []string, k int) ([]retriever.QuerySolution, error) {
	return h.retriever.RetrieveDPR(ctx, queries, k)
}

// RagQA runs Retrieve followed by answer formatting/parsing, per spec
// §4.8's rag_qa(queries).
func (h *HippoRAG) RagQA(ctx context.Context, dataset string, queries []string, k int) ([]qa.Answer, []retriever.QuerySolution, error) {
	trace := newTrace()

	sols, err := h.Retrieve(ctx, queries, k)
	if err != nil {
		return nil, nil, fmt.Errorf("hipporag: rag_qa: retrieve: %w", err)
	}

	timer := newSpanTimer("qa", trace, true)
	answers, err := h.answerer.QA(ctx, dataset, sols)
	timer.finish(err == nil, err, map[string]int64{"queryCount": int64(len(queries))})
	h.recordMetrics(ctx, "rag_qa", trace.TotalDurationMs, err)
	h.exportTrace(ctx, "rag_qa", trace, err)
	if err != nil {
		return nil, nil, fmt.Errorf("hipporag: rag_qa: qa: %w", err)
	}
	return answers, sols, nil
}

func (h *HippoRAG) recordMetrics(ctx context.Context, operation string, durationMs int64, err error) {
	if h.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		h.metrics.RecordError(ctx, operation, ClassifyError(err))
	}
	h.metrics.RecordOperation(ctx, operation, status, durationMs)
	h.metrics.SetStorageCount(ctx, "chunk", int64(h.ChunkStore.Len()))
	h.metrics.SetStorageCount(ctx, "entity", int64(h.EntityStore.Len()))
	h.metrics.SetStorageCount(ctx, "fact", int64(h.FactStore.Len()))
}

func (h *HippoRAG) recordFallback(ctx context.Context) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordError(ctx, "retrieve", ErrTypeFallback)
}

func chunkIDsOf(docs []string) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, hashutil.ChunkID(d))
	}
	return ids
}

// exportTrace converts an OperationTrace into a sanitized TraceRecord
// (spans and durations only, no passage/query content) and forwards it to
// the configured exporter, if any.
func (h *HippoRAG) exportTrace(ctx context.Context, operation string, trace *OperationTrace, opErr error) {
	if h.config.TraceExporter == nil {
		return
	}
	status := "success"
	var errType string
	if opErr != nil {
		status = "error"
		errType = ClassifyError(opErr)
	}
	spans := make([]tracepkg.SpanRecord, 0, len(trace.Spans))
	for _, s := range trace.Spans {
		sr := tracepkg.SpanRecord{Name: s.Name, DurationMs: s.DurationMs, OK: s.OK, Counters: s.Counters}
		if s.Error != "" {
			sr.ErrorType = ClassifyError(fmt.Errorf("%s", s.Error))
		}
		spans = append(spans, sr)
	}
	record := &tracepkg.TraceRecord{
		Timestamp:   time.Now(),
		OperationID: uuid.New().String(),
		Operation:   operation,
		DurationMs:  trace.TotalDurationMs,
		Status:      status,
		Spans:       spans,
		ErrorType:   errType,
	}
	if err := h.config.TraceExporter.Export(ctx, record); err != nil {
		h.recordExportFailure(ctx, err)
	}
}

func (h *HippoRAG) recordExportFailure(ctx context.Context, err error) {
	if h.metrics != nil {
		h.metrics.RecordError(ctx, "trace_export", ClassifyError(err))
	}
}
