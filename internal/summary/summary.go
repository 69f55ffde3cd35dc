// Package summary is an ambient, optional enrichment on top of the bridge
// protocol's critical path: given a session's final message payload, it
// asks the Anthropic Messages API for a one-line summary for display on
// GET /api/sessions/{id}. Grounded in the teacher's
// internal/session/summarize.go, adapted from its infra-monitoring system
// prompt to Ash's agent-conversation domain; the call shape (single-turn,
// no tools, text-only response) carries over unchanged.
package summary

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

const systemPrompt = "You are a concise technical summarizer. Summarize the following AI agent session's final response in one sentence. Focus on what the agent was asked to do and what it produced. Do not use markdown."

// Summarizer generates short summaries of session output via the Anthropic
// Messages API. The zero value is not usable; construct with New.
type Summarizer struct {
	model string
}

// New returns a Summarizer that asks for completions from model (an
// Anthropic model identifier, e.g. "claude-haiku-4-5"). The client reads
// its API key from ANTHROPIC_API_KEY in the process environment, the same
// variable the sandbox env allowlist passes through to bridges
// (spec.md §4.2).
func New(model string) *Summarizer {
	return &Summarizer{model: model}
}

// Summarize asks the configured model for a one-sentence summary of
// response. Callers treat any error as non-fatal: a failed summary never
// blocks message delivery (SPEC_FULL.md §12), matching
// internal/session/manager.go's summarizeResponse call site, which logs
// and swallows the error.
func (s *Summarizer) Summarize(ctx context.Context, response string) (string, error) {
	client := anthropic.NewClient()

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 120,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(response)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}
