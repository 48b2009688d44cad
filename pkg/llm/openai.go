package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultModel         = "gpt-4o-mini"

	defaultMaxRetryAttempts = 5
	retryBaseDelay          = 250 * time.Millisecond
	retryCapDelay           = 4 * time.Second
	retryJitter             = 100 * time.Millisecond
)

// OpenAILLM implements Client using OpenAI's Chat Completions API.
type OpenAILLM struct {
	APIKey           string
	Model            string
	BaseURL          string
	Temperature      float64
	MaxTokens        int
	MaxRetryAttempts int
	client           *http.Client
}

// NewOpenAILLM creates a new OpenAI LLM client with spec-default retry
// budget (base 250ms, cap 4s, jitter 100ms, 5 attempts).
func NewOpenAILLM(apiKey string) *OpenAILLM {
	return &OpenAILLM{
		APIKey:           apiKey,
		Model:            defaultModel,
		BaseURL:          defaultOpenAIBaseURL,
		MaxRetryAttempts: defaultMaxRetryAttempts,
		client:           &http.Client{Timeout: 60 * time.Second},
	}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Infer implements Client. Retries transient failures with exponential
// backoff plus jitter, per spec §6.
func (o *OpenAILLM) Infer(ctx context.Context, messages []Message) (Result, error) {
	maxAttempts := o.MaxRetryAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxRetryAttempts
	}

	delay := retryBaseDelay
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(retryJitter)))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
			delay *= 2
			if delay > retryCapDelay {
				delay = retryCapDelay
			}
		}

		result, err := o.makeRequest(ctx, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}

	return Result{}, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

func (o *OpenAILLM) makeRequest(ctx context.Context, messages []Message) (Result, error) {
	reqBody := openAIChatRequest{
		Model:       o.Model,
		Messages:    messages,
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Result{}, &retryableError{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
		}
		return Result{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var apiResp openAIChatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return Result{}, fmt.Errorf("OpenAI API error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return Result{}, fmt.Errorf("no completion choices returned")
	}

	return Result{
		Response: apiResp.Choices[0].Message.Content,
		Metadata: map[string]any{"usage": apiResp.Usage, "model": o.Model},
	}, nil
}

// retryableError indicates an error that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}
