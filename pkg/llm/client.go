// Package llm provides the chat-completion client contract and backends.
//
// This is the external collaborator named in spec §6: "infer(messages:
// [{role, content}]) -> {response: str, metadata: map}". It is called at
// three sites: reranker prompts, QA prompts, and NER/triple extraction
// prompts (via the OpenIE collaborator in pkg/openie).
package llm

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the outcome of one inference call.
type Result struct {
	Response string
	Metadata map[string]any
}

// Client is the LLM inference collaborator contract. Implementations must
// be deterministic given a fixed temperature, and must apply bounded
// exponential-backoff retry with jitter on transient failures (base
// 250ms, cap 4s, jitter 100ms, stopping at MaxRetryAttempts).
type Client interface {
	Infer(ctx context.Context, messages []Message) (Result, error)
}

// CompleteWithSchema sends a single user-role message and unmarshals the
// JSON found in the response into schema, tolerating markdown code fences
// and LLM array/string non-compliance. Shared by callers (reranker, NER,
// triple extraction) that need a single-shot structured completion.
func CompleteWithSchema(ctx context.Context, c Client, prompt string, schema any) (Result, error) {
	res, err := c.Infer(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return res, err
	}
	if err := UnmarshalJSONResponse(res.Response, schema); err != nil {
		return res, err
	}
	return res, nil
}
