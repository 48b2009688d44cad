package llm

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\n?(.*?)\\s*```$")

// stripMarkdownCodeFence removes markdown code fences from LLM responses.
// Handles formats like: ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if matches := codeFenceRe.FindStringSubmatch(s); len(matches) == 2 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

// UnmarshalJSONResponse strips markdown code fences from an LLM response,
// normalizes array-where-string-expected non-compliance, and unmarshals
// the result into schema.
func UnmarshalJSONResponse(response string, schema any) error {
	cleaned := stripMarkdownCodeFence(response)

	normalized, changed, err := NormalizeJSONArraysToStrings([]byte(cleaned))
	if err != nil {
		return fmt.Errorf("failed to normalize LLM response: %w", err)
	}
	if changed {
		log.Printf("hipporag: LLM response contained array values where strings expected; normalized to comma-joined strings")
	}

	if err := json.Unmarshal(normalized, schema); err != nil {
		return fmt.Errorf("failed to unmarshal LLM response: %w", err)
	}
	return nil
}
