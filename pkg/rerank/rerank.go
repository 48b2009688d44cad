// Package rerank implements the fact reranker from spec §4.5: given a
// query and dense-similarity-scored candidate triples, asks the LLM for
// the relevant subset and maps the response back to candidate indices.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/dan-solli/hipporag/pkg/llm"
)

// Triple is an ordered (subject, relation, object) fact.
type Triple = [3]string

// Result is the outcome of reranking one query's candidates.
type Result struct {
	MatchedGlobalIndices []int
	MatchedCandidates    []Triple
	ModelResponse        string
	Error                string // non-empty if the LLM call or parse failed and a fallback was used
}

// Demo is a few-shot example for the DSPy-style prompt template.
type Demo struct {
	Question string
	Facts    [][3]string
	Answer   [][3]string
}

// Reranker invokes an LLM to filter dense-scored candidate facts down to
// the ones actually relevant to a query.
type Reranker struct {
	LLM    llm.Client
	System string
	Demos  []Demo
}

// New creates a Reranker. system and demos may be empty/nil, in which
// case the template renders without a system message or few-shot demos.
func New(client llm.Client, system string, demos []Demo) *Reranker {
	return &Reranker{LLM: client, System: system, Demos: demos}
}

// Rerank filters candidates (global fact indices + their triples) down to
// the top k relevant to query, per spec §4.5's procedure.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Triple, candidateIndices []int, k int) Result {
	if len(candidates) == 0 {
		return Result{}
	}

	messages := r.buildMessages(query, candidates)
	res, err := r.LLM.Infer(ctx, messages)
	if err != nil {
		log.Printf("hipporag: rerank: LLM call failed, falling back to original order: %v", err)
		return fallback(candidates, candidateIndices, k, err.Error())
	}

	parsed, ok := extractFactArray(res.Response)
	if !ok {
		log.Printf("hipporag: rerank: could not locate a \"fact\" array in LLM response, falling back to original order")
		return fallback(candidates, candidateIndices, k, "no fact array found in response")
	}

	matchedIdx, matchedTriples := matchTriples(parsed, candidates, candidateIndices)
	if len(matchedIdx) == 0 {
		log.Printf("hipporag: rerank: no parsed triples matched any candidate, falling back to original order")
		return fallback(candidates, candidateIndices, k, "")
	}

	if len(matchedIdx) > k {
		matchedIdx = matchedIdx[:k]
		matchedTriples = matchedTriples[:k]
	}

	return Result{
		MatchedGlobalIndices: matchedIdx,
		MatchedCandidates:    matchedTriples,
		ModelResponse:        res.Response,
	}
}

func fallback(candidates []Triple, candidateIndices []int, k int, errMsg string) Result {
	n := k
	if n > len(candidates) {
		n = len(candidates)
	}
	idx := make([]int, n)
	copy(idx, candidateIndices[:n])
	tri := make([]Triple, n)
	copy(tri, candidates[:n])
	return Result{MatchedGlobalIndices: idx, MatchedCandidates: tri, Error: errMsg}
}

func (r *Reranker) buildMessages(query string, candidates []Triple) []llm.Message {
	var b strings.Builder
	for _, d := range r.Demos {
		b.WriteString(fmt.Sprintf("Question: %s\n", d.Question))
		factsJSON, _ := json.Marshal(map[string][][3]string{"fact": d.Facts})
		b.WriteString(fmt.Sprintf("Facts: %s\n", factsJSON))
		answerJSON, _ := json.Marshal(map[string][][3]string{"fact": d.Answer})
		b.WriteString(fmt.Sprintf("Answer: %s\n\n", answerJSON))
	}
	b.WriteString(fmt.Sprintf("Question: %s\n", query))
	candJSON, _ := json.Marshal(map[string][]Triple{"fact": candidates})
	b.WriteString(fmt.Sprintf("Facts: %s\n", candJSON))
	b.WriteString(`Select the facts relevant to answering the question. Return ONLY a JSON object of the form {"fact": [[subject, relation, object], ...]}.`)

	var messages []llm.Message
	if r.System != "" {
		messages = append(messages, llm.Message{Role: "system", Content: r.System})
	}
	messages = append(messages, llm.Message{Role: "user", Content: b.String()})
	return messages
}

var factObjectRe = regexp.MustCompile(`\{[^{}]*"fact"\s*:\s*\[[\s\S]*?\]\s*[^{}]*\}`)

// extractFactArray locates the first JSON object in response whose body
// contains a "fact" key mapped to an array, per spec §4.5 step 4. It
// first tries a full-document parse, then falls back to a tolerant regex
// scan for a `{"fact": [...]}`-shaped substring.
func extractFactArray(response string) ([]Triple, bool) {
	var whole struct {
		Fact [][]string `json:"fact"`
	}
	if err := json.Unmarshal([]byte(response), &whole); err == nil && whole.Fact != nil {
		return toTriples(whole.Fact), true
	}

	match := factObjectRe.FindString(response)
	if match == "" {
		return nil, false
	}
	var partial struct {
		Fact [][]string `json:"fact"`
	}
	if err := json.Unmarshal([]byte(match), &partial); err != nil {
		return nil, false
	}
	return toTriples(partial.Fact), true
}

func toTriples(raw [][]string) []Triple {
	out := make([]Triple, 0, len(raw))
	for _, t := range raw {
		if len(t) != 3 {
			continue
		}
		out = append(out, Triple{t[0], t[1], t[2]})
	}
	return out
}

// matchTriples matches each parsed triple to a candidate: exact list
// equality first (each candidate matchable at most once), else Jaccard
// similarity >= 0.2 on the token set, still once-only, per spec §4.5
// step 5.
func matchTriples(parsed []Triple, candidates []Triple, candidateIndices []int) ([]int, []Triple) {
	used := make([]bool, len(candidates))
	var matchedIdx []int
	var matchedTriples []Triple

	for _, p := range parsed {
		best := -1
		bestScore := 0.0
		exact := -1
		for i, c := range candidates {
			if used[i] {
				continue
			}
			if c == p {
				exact = i
				break
			}
			j := jaccard(tokenSet(p), tokenSet(c))
			if j >= 0.2 && j > bestScore {
				bestScore = j
				best = i
			}
		}
		chosen := exact
		if chosen == -1 {
			chosen = best
		}
		if chosen == -1 {
			continue
		}
		used[chosen] = true
		matchedIdx = append(matchedIdx, candidateIndices[chosen])
		matchedTriples = append(matchedTriples, candidates[chosen])
	}
	return matchedIdx, matchedTriples
}

var nonAlnumWS = regexp.MustCompile(`[^a-z0-9 ]`)

func tokenSet(t Triple) map[string]bool {
	joined := strings.ToLower(strings.Join(t[:], " "))
	cleaned := nonAlnumWS.ReplaceAllString(joined, " ")
	set := make(map[string]bool)
	for _, tok := range strings.Fields(cleaned) {
		set[tok] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
