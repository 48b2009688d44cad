// Package qa implements the answer-formatting and evaluation half of
// spec §4.8: turning retrieved passages into an LLM answer, and scoring
// that answer against gold references.
package qa

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dan-solli/hipporag/pkg/llm"
	"github.com/dan-solli/hipporag/pkg/retriever"
)

// defaultTemplate is the fallback chat template name when a
// dataset-specific one isn't registered, per spec §4.8.
const defaultTemplate = "rag_qa_musique"

// Template renders a chat prompt for one QuerySolution. Implementations
// may vary system framing per dataset; the default template below is
// dataset-agnostic and always available.
type Template interface {
	Render(question, docsBlock string) []llm.Message
}

// musiqueTemplate is the always-available fallback: a single user
// message containing the docs block plus the question/Thought: stub.
type musiqueTemplate struct{}

func (musiqueTemplate) Render(question, docsBlock string) []llm.Message {
	return []llm.Message{
		{Role: "user", Content: fmt.Sprintf("%sQuestion: %s\nThought: ", docsBlock, question)},
	}
}

// Answerer formats retrieved passages into prompts, calls the LLM, and
// parses the answer back out, per spec §4.8's qa(solutions).
type Answerer struct {
	LLM       llm.Client
	QATopK    int
	templates map[string]Template
}

// NewAnswerer creates an Answerer. qaTopK defaults to 5 if <= 0.
func NewAnswerer(client llm.Client, qaTopK int) *Answerer {
	if qaTopK <= 0 {
		qaTopK = 5
	}
	return &Answerer{
		LLM:    client,
		QATopK: qaTopK,
		templates: map[string]Template{
			defaultTemplate: musiqueTemplate{},
		},
	}
}

// RegisterTemplate adds (or replaces) a named template, e.g.
// "rag_qa_<dataset>". Lookups that miss fall back to rag_qa_musique.
func (a *Answerer) RegisterTemplate(name string, t Template) {
	a.templates[name] = t
}

// Answer is one query's formatted answer.
type Answer struct {
	Question string
	Response string // raw LLM response
	Text     string // parsed answer (everything after "Answer:", trimmed)
}

// answerMarker is the literal delimiter spec §4.8 names for parsing.
const answerMarker = "Answer:"

// QA answers every QuerySolution: build a doc-block prompt from its top
// QATopK docs, render via the dataset template (or the musique
// fallback), call the LLM, and parse the answer out.
func (a *Answerer) QA(ctx context.Context, dataset string, solutions []retriever.QuerySolution) ([]Answer, error) {
	tmpl := a.templates[templateName(dataset)]
	if tmpl == nil {
		tmpl = a.templates[defaultTemplate]
	}

	out := make([]Answer, len(solutions))
	for i, sol := range solutions {
		docsBlock := buildDocsBlock(sol.Docs, a.QATopK)
		messages := tmpl.Render(sol.Question, docsBlock)
		res, err := a.LLM.Infer(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("qa: infer for query %q: %w", sol.Question, err)
		}
		out[i] = Answer{
			Question: sol.Question,
			Response: res.Response,
			Text:     parseAnswer(res.Response),
		}
	}
	return out, nil
}

func templateName(dataset string) string {
	if dataset == "" {
		return defaultTemplate
	}
	return "rag_qa_" + dataset
}

// buildDocsBlock renders the first k docs as "Wikipedia Title: <doc>\n\n"
// repeated, per spec §4.8.
func buildDocsBlock(docs []string, k int) string {
	if k > len(docs) {
		k = len(docs)
	}
	var b strings.Builder
	for i := 0; i < k; i++ {
		b.WriteString("Wikipedia Title: ")
		b.WriteString(docs[i])
		b.WriteString("\n\n")
	}
	return b.String()
}

// parseAnswer returns everything after the literal "Answer:" marker,
// trimmed; if absent, the whole response, trimmed.
func parseAnswer(response string) string {
	if idx := strings.LastIndex(response, answerMarker); idx >= 0 {
		return strings.TrimSpace(response[idx+len(answerMarker):])
	}
	return strings.TrimSpace(response)
}

// punctuationRe matches spec §4.8's exact punctuation set to strip
// during normalize_answer.
var punctuationRe = regexp.MustCompile(`[!"#$%&'()*+,\-./:;<>?@\[\]^_` + "`" + `{|}~]`)

var articleRe = regexp.MustCompile(`\b(a|an|the)\b`)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeAnswer implements spec §4.8's normalize_answer: lowercase,
// strip a/an/the, strip punctuation, collapse whitespace.
func NormalizeAnswer(s string) string {
	s = strings.ToLower(s)
	s = punctuationRe.ReplaceAllString(s, "")
	s = articleRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ExactMatch reports whether gold and pred are equal after normalization.
func ExactMatch(gold, pred string) bool {
	return NormalizeAnswer(gold) == NormalizeAnswer(pred)
}

// F1 computes token-level F1 between gold and pred after normalization.
func F1(gold, pred string) float64 {
	goldTokens := strings.Fields(NormalizeAnswer(gold))
	predTokens := strings.Fields(NormalizeAnswer(pred))
	if len(goldTokens) == 0 && len(predTokens) == 0 {
		return 1.0
	}
	if len(goldTokens) == 0 || len(predTokens) == 0 {
		return 0.0
	}

	goldCounts := make(map[string]int, len(goldTokens))
	for _, t := range goldTokens {
		goldCounts[t]++
	}
	predCounts := make(map[string]int, len(predTokens))
	for _, t := range predTokens {
		predCounts[t]++
	}

	common := 0
	for t, c := range predCounts {
		if gc := goldCounts[t]; gc > 0 {
			if c < gc {
				common += c
			} else {
				common += gc
			}
		}
	}
	if common == 0 {
		return 0.0
	}
	precision := float64(common) / float64(len(predTokens))
	recall := float64(common) / float64(len(goldTokens))
	return 2 * precision * recall / (precision + recall)
}

// QueryScore is the best-over-gold-aliases evaluation result for one
// query.
type QueryScore struct {
	Question   string
	ExactMatch float64 // 1.0 or 0.0
	F1         float64
	BestAnswer string // the gold alias that produced the best score
}

// Evaluate scores each answer against its gold aliases (one query may
// have multiple acceptable gold answers; the best score over all aliases
// is kept), per spec §4.8's rollup rule.
func Evaluate(answers []Answer, goldAnswers [][]string) []QueryScore {
	out := make([]QueryScore, len(answers))
	for i, ans := range answers {
		var golds []string
		if i < len(goldAnswers) {
			golds = goldAnswers[i]
		}
		var bestEM, bestF1 float64
		var bestGold string
		for _, g := range golds {
			em := 0.0
			if ExactMatch(g, ans.Text) {
				em = 1.0
			}
			f1 := F1(g, ans.Text)
			if f1 > bestF1 || (f1 == bestF1 && em > bestEM) {
				bestF1 = f1
				bestGold = g
			}
			if em > bestEM {
				bestEM = em
			}
		}
		out[i] = QueryScore{Question: ans.Question, ExactMatch: bestEM, F1: bestF1, BestAnswer: bestGold}
	}
	return out
}
