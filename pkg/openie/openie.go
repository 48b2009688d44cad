// Package openie implements the OpenIE collaborator contract from spec §6
// (batch NER + triple extraction over chunks) and the result store from
// spec §4.4 that caches its output across runs.
package openie

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dan-solli/hipporag/pkg/llm"
)

// NerOut is the per-chunk named-entity extraction result.
type NerOut struct {
	ChunkID        string         `json:"chunk_id"`
	Response       string         `json:"response,omitempty"`
	UniqueEntities []string       `json:"unique_entities"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TripleOut is the per-chunk triple extraction result.
type TripleOut struct {
	ChunkID  string         `json:"chunk_id"`
	Response string         `json:"response,omitempty"`
	Triples  [][3]string    `json:"triples"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const nerPromptTemplate = `Extract all named entities mentioned in the text below. Return ONLY a JSON object of the form {"named_entities": ["entity one", "entity two", ...]}.

Text:
---
%s
---`

const tripleExtractionPromptTemplate = `Given the text and the named entities already extracted from it, extract (subject, relation, object) triples that only use the given entities as subject or object. Return ONLY a JSON object of the form {"triples": [["subject", "relation", "object"], ...]}.

Text:
---
%s
---

Named entities: %s`

// Extractor calls the LLM collaborator to produce NerOut/TripleOut per
// chunk, rendering the "ner" then "triple_extraction" prompt templates
// named in spec §6.
type Extractor struct {
	LLM llm.Client
}

// NewExtractor creates a new OpenIE extractor backed by an LLM client.
func NewExtractor(client llm.Client) *Extractor {
	return &Extractor{LLM: client}
}

// rows is chunk_id -> content, the input contract from spec §6.
type rows = map[string]string

// BatchOpenIE implements the spec §6 `batch_openie` contract: it runs NER
// then triple extraction for every row, returning parallel result maps.
func (e *Extractor) BatchOpenIE(ctx context.Context, docs rows) (map[string]NerOut, map[string]TripleOut, error) {
	nerResults := make(map[string]NerOut, len(docs))
	tripleResults := make(map[string]TripleOut, len(docs))

	for chunkID, content := range docs {
		ner, err := e.extractNer(ctx, chunkID, content)
		if err != nil {
			return nil, nil, fmt.Errorf("openie: ner extraction for chunk %s: %w", chunkID, err)
		}
		nerResults[chunkID] = ner

		triples, err := e.extractTriples(ctx, chunkID, content, ner.UniqueEntities)
		if err != nil {
			return nil, nil, fmt.Errorf("openie: triple extraction for chunk %s: %w", chunkID, err)
		}
		tripleResults[chunkID] = triples
	}

	return nerResults, tripleResults, nil
}

func (e *Extractor) extractNer(ctx context.Context, chunkID, content string) (NerOut, error) {
	prompt := fmt.Sprintf(nerPromptTemplate, content)
	var schema struct {
		NamedEntities []string `json:"named_entities"`
	}
	res, err := llm.CompleteWithSchema(ctx, e.LLM, prompt, &schema)
	if err != nil {
		return NerOut{ChunkID: chunkID, UniqueEntities: []string{}, Metadata: map[string]any{"error": err.Error()}}, nil
	}
	return NerOut{
		ChunkID:        chunkID,
		Response:       res.Response,
		UniqueEntities: schema.NamedEntities,
		Metadata:       res.Metadata,
	}, nil
}

func (e *Extractor) extractTriples(ctx context.Context, chunkID, content string, entities []string) (TripleOut, error) {
	prompt := fmt.Sprintf(tripleExtractionPromptTemplate, content, strings.Join(entities, ", "))
	var schema struct {
		Triples [][]string `json:"triples"`
	}
	res, err := llm.CompleteWithSchema(ctx, e.LLM, prompt, &schema)
	if err != nil {
		return TripleOut{ChunkID: chunkID, Triples: [][3]string{}, Metadata: map[string]any{"error": err.Error()}}, nil
	}

	triples := make([][3]string, 0, len(schema.Triples))
	for _, t := range schema.Triples {
		if len(t) != 3 {
			continue
		}
		triples = append(triples, [3]string{t[0], t[1], t[2]})
	}

	return TripleOut{
		ChunkID:  chunkID,
		Response: res.Response,
		Triples:  triples,
		Metadata: res.Metadata,
	}, nil
}

// FilterInvalidTriples keeps only well-formed (length-3) triples and
// deduplicates by exact equality, per spec §4.4.
func FilterInvalidTriples(triples [][3]string) [][3]string {
	seen := make(map[[3]string]bool, len(triples))
	out := make([][3]string, 0, len(triples))
	for _, t := range triples {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

var nonAlnumSpace = regexp.MustCompile(`[^a-zA-Z0-9 ]`)

// TextProcessing lowercases s, replaces any character outside [A-Za-z0-9 ]
// with a space, and trims, per spec §4.4.
func TextProcessing(s string) string {
	lower := strings.ToLower(s)
	replaced := nonAlnumSpace.ReplaceAllString(lower, " ")
	return strings.TrimSpace(replaced)
}

// ProcessTriple applies TextProcessing to each of a triple's three
// elements independently.
func ProcessTriple(t [3]string) [3]string {
	return [3]string{TextProcessing(t[0]), TextProcessing(t[1]), TextProcessing(t[2])}
}
