package qa

import (
	"context"
	"testing"

	"github.com/dan-solli/hipporag/pkg/llm"
	"github.com/dan-solli/hipporag/pkg/retriever"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	response string
}

func (s *scriptedLLM) Infer(ctx context.Context, messages []llm.Message) (llm.Result, error) {
	return llm.Result{Response: s.response}, nil
}

var _ llm.Client = (*scriptedLLM)(nil)

func TestQAParsesAnswerAfterMarker(t *testing.T) {
	a := NewAnswerer(&scriptedLLM{response: "Thought: Paris is in France.\nAnswer: Paris"}, 3)
	sols := []retriever.QuerySolution{{Question: "What is the capital of France?", Docs: []string{"Paris is the capital of France."}}}

	answers, err := a.QA(context.Background(), "", sols)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "Paris", answers[0].Text)
}

func TestQAFallsBackToWholeResponseWhenMarkerAbsent(t *testing.T) {
	a := NewAnswerer(&scriptedLLM{response: "Paris, obviously."}, 3)
	sols := []retriever.QuerySolution{{Question: "q", Docs: []string{"d"}}}

	answers, err := a.QA(context.Background(), "", sols)
	require.NoError(t, err)
	assert.Equal(t, "Paris, obviously.", answers[0].Text)
}

func TestQATruncatesDocsToTopK(t *testing.T) {
	a := NewAnswerer(&scriptedLLM{response: "Answer: x"}, 2)
	block := buildDocsBlock([]string{"one", "two", "three"}, a.QATopK)
	assert.Contains(t, block, "one")
	assert.Contains(t, block, "two")
	assert.NotContains(t, block, "three")
}

func TestTemplateFallsBackToMusiqueWhenDatasetUnregistered(t *testing.T) {
	a := NewAnswerer(&scriptedLLM{response: "Answer: x"}, 3)
	sols := []retriever.QuerySolution{{Question: "q", Docs: []string{"d"}}}
	answers, err := a.QA(context.Background(), "some_unregistered_dataset", sols)
	require.NoError(t, err)
	assert.Equal(t, "x", answers[0].Text)
}

func TestRegisterTemplateIsUsedWhenPresent(t *testing.T) {
	a := NewAnswerer(&scriptedLLM{response: "Answer: y"}, 3)
	var captured string
	a.RegisterTemplate("rag_qa_hotpotqa", templateFunc(func(q, docs string) []llm.Message {
		captured = docs
		return []llm.Message{{Role: "user", Content: "custom: " + docs + q}}
	}))
	sols := []retriever.QuerySolution{{Question: "q", Docs: []string{"hotpot doc"}}}
	_, err := a.QA(context.Background(), "hotpotqa", sols)
	require.NoError(t, err)
	assert.Contains(t, captured, "hotpot doc")
}

// templateFunc adapts a plain function to the Template interface for tests.
type templateFunc func(question, docsBlock string) []llm.Message

func (f templateFunc) Render(question, docsBlock string) []llm.Message {
	return f(question, docsBlock)
}

func TestNormalizeAnswerStripsArticlesPunctuationAndCase(t *testing.T) {
	assert.Equal(t, "quick brown fox", NormalizeAnswer("The  quick, brown fox"))
}

func TestExactMatchAfterNormalization(t *testing.T) {
	assert.True(t, ExactMatch("The Eiffel Tower", "eiffel tower"))
	assert.False(t, ExactMatch("Paris", "London"))
}

func TestF1PartialOverlap(t *testing.T) {
	f1 := F1("the quick brown fox", "quick brown dog")
	assert.InDelta(t, 2.0/3.0, f1, 1e-9)
}

func TestF1IdenticalIsOne(t *testing.T) {
	assert.InDelta(t, 1.0, F1("Paris", "paris"), 1e-9)
}

func TestF1NoOverlapIsZero(t *testing.T) {
	assert.Equal(t, 0.0, F1("Paris", "Berlin"))
}

func TestF1BothEmptyIsOne(t *testing.T) {
	assert.Equal(t, 1.0, F1("the a an", "the a an"))
}

func TestEvaluateRollsUpBestOverAliases(t *testing.T) {
	answers := []Answer{{Question: "q", Text: "Paris"}}
	goldAnswers := [][]string{{"Lutetia", "Paris", "City of Light"}}
	scores := Evaluate(answers, goldAnswers)
	require.Len(t, scores, 1)
	assert.Equal(t, 1.0, scores[0].ExactMatch)
	assert.Equal(t, "Paris", scores[0].BestAnswer)
}

func TestEvaluateNoGoldAnswersYieldsZero(t *testing.T) {
	answers := []Answer{{Question: "q", Text: "Paris"}}
	scores := Evaluate(answers, nil)
	assert.Equal(t, 0.0, scores[0].ExactMatch)
	assert.Equal(t, 0.0, scores[0].F1)
}
